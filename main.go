package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/broker"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/logging"
	"chat-realtime/internal/messaging"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.ServiceName), zap.String("node_id", cfg.NodeID))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("chat server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment, cfg.NodeID, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	var redisClient *redis.Client
	if cfg.PresenceBackend == config.BackendRedis || cfg.BusBackend == config.BackendRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Presence fails open; the bus subscribe below will surface a hard outage.
			logger.Warn("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
	}

	store := newPresenceStore(cfg, redisClient, logger)
	bus, err := newBus(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer bus.Close()
	busFailed := busFailures(bus)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPEventsExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.ServiceName, cfg.Environment, logger)

	chatBroker := ws.NewBroker(cfg.NodeID, ws.NewHub(logger), bus, store, logger)
	if err := chatBroker.Start(ctx); err != nil {
		return err
	}
	defer chatBroker.Stop()

	membershipRepo := repositories.NewMembershipRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	verifier := auth.NewTokenVerifier(cfg.JWTSecret)
	authenticator := auth.NewAuthenticator(verifier, membershipRepo, cfg.HandshakeTimeout)
	messages := messaging.NewService(messageRepo, chatBroker, audit, cfg.SubmitTimeout, int(cfg.MaxMessageBytes), logger)

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		NodeID:          cfg.NodeID,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendBuffer:      cfg.SendBuffer,
		MembershipTTL:   cfg.MembershipTTL,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, authenticator, chatBroker, messages, audit, logger)

	router := newRouter(cfg, database, verifier, authenticator, messageRepo, messages, store, wsHandler, chatBroker.Hub(), audit, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	case err := <-busFailed:
		runErr = fmt.Errorf("fan-out bus: %w", err)
		logger.Error("fan-out bus failed", zap.Error(err))
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown incomplete", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("chat server stopped")
	return runErr
}

func newPresenceStore(cfg *config.Config, client *redis.Client, logger *zap.Logger) presence.Store {
	var store presence.Store
	switch cfg.PresenceBackend {
	case config.BackendMemory:
		logger.Warn("using in-process presence; only valid for a single node")
		store = presence.NewMemoryStore()
	default:
		store = presence.NewRedisStore(client, cfg.RedisPrefix+"presence:")
	}
	return presence.NewFailOpen(store, logger)
}

func newBus(cfg *config.Config, client *redis.Client, logger *zap.Logger) (broker.Bus, error) {
	switch cfg.BusBackend {
	case config.BackendMemory:
		logger.Warn("using in-process bus; only valid for a single node")
		return broker.NewMemoryBus(), nil
	case config.BackendAMQP:
		return rabbitmq.NewBus(cfg.AMQPURL, cfg.AMQPBusExchange, logger)
	default:
		return broker.NewRedisBus(client, cfg.RedisPrefix+"bus:", logger), nil
	}
}

// busFailures returns the bus's failure channel, or nil for buses that
// recover on their own.
func busFailures(bus broker.Bus) <-chan error {
	if f, ok := bus.(interface{ Failed() <-chan error }); ok {
		return f.Failed()
	}
	return nil
}

func newRouter(
	cfg *config.Config,
	database *sqlx.DB,
	verifier *auth.TokenVerifier,
	authenticator *auth.Authenticator,
	messageRepo repositories.MessageRepository,
	messages *messaging.Service,
	store presence.Store,
	wsHandler *ws.Handler,
	hub *ws.Hub,
	audit *telemetry.AuditEmitter,
	logger *zap.Logger,
) *gin.Engine {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "node": cfg.NodeID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": cfg.NodeID})
	})
	router.GET("/ws", wsHandler.Handle)
	handlers.RegisterDebugRoutes(router, handlers.DebugConfig{
		Enabled:     cfg.DebugRoutes,
		NodeID:      cfg.NodeID,
		Audit:       audit,
		Connections: hub,
	})

	messageHandler := handlers.NewMessageHandler(messageRepo, authenticator, messages, audit, logger)
	presenceHandler := handlers.NewPresenceHandler(store, authenticator, audit, logger)

	api := router.Group("/", middleware.AuthMiddleware(verifier))
	api.GET("/rooms/:room_id/messages", messageHandler.ListMessages)
	api.PATCH("/rooms/:room_id/messages/:message_id", messageHandler.EditMessage)
	api.DELETE("/rooms/:room_id/messages/:message_id", messageHandler.DeleteMessage)
	api.GET("/rooms/:room_id/presence", presenceHandler.RoomPresence)
	api.GET("/presence/online", presenceHandler.OnlineUsers)
	api.GET("/presence/count", presenceHandler.OnlineCount)
	api.GET("/presence/users/:user_id", presenceHandler.UserPresence)

	return router
}
