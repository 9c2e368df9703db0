// Command router is the public entry point in front of the chat processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/config"
	"chat-realtime/internal/logging"
	"chat-realtime/internal/router"
)

func main() {
	cfg, err := config.LoadRouter()
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
	logger = logger.With(zap.String("service", "chat-router"))

	proxy, err := router.NewProxy(cfg.RouterBackends, logger)
	if err != nil {
		logger.Fatal("invalid router backends", zap.Error(err))
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.RouterPort,
		Handler:           router.NewEngine(proxy),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("router listening", zap.String("addr", srv.Addr), zap.Strings("backends", proxy.Backends()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("router failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket streams are not tracked by Shutdown; they end when
	// the process exits and clients reconnect through another router.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("router shutdown incomplete", zap.Error(err))
	}
}
