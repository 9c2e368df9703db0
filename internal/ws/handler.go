package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/messaging"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/telemetry"
)

const releaseTimeout = 5 * time.Second

// frameOverhead is the room a message:send frame needs beyond its content
// for the envelope, ids and JSON escaping.
const frameOverhead = 4 << 10

// readLimit bounds a whole inbound frame. Content over MaxMessageBytes must
// still reach Submit, which answers it with message:error.
func readLimit(maxMessageBytes int64) int64 {
	return 2*maxMessageBytes + frameOverhead
}

// Authenticator resolves a handshake credential and answers later
// membership questions for the same connection.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
	MembershipSource
}

// Submitter handles message:send.
type Submitter interface {
	Submit(ctx context.Context, conn messaging.Conn, in models.SendMessage)
}

type HandlerConfig struct {
	NodeID          string
	MaxMessageBytes int64
	SendBuffer      int
	MembershipTTL   time.Duration
	AllowedOrigins  []string
}

// Handler authenticates, upgrades and serves websocket connections.
type Handler struct {
	cfg       HandlerConfig
	auth      Authenticator
	broker    *Broker
	submitter Submitter
	audit     *telemetry.AuditEmitter
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	conns     sync.WaitGroup
}

func NewHandler(cfg HandlerConfig, authenticator Authenticator, broker *Broker, submitter Submitter, audit *telemetry.AuditEmitter, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		auth:      authenticator,
		broker:    broker,
		submitter: submitter,
		audit:     audit,
		logger:    logger,
		upgrader: websocket.Upgrader{
			// Origin is checked before authentication.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle runs the handshake. Nothing is admitted unless the credential is
// valid; the socket is only upgraded after presence accepted the client.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		UserAgent:   c.Request.UserAgent(),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	if !originAllowed(c.Request, h.cfg.AllowedOrigins) {
		h.reject(c, span, info, http.StatusForbidden, "origin not allowed", nil)
		return
	}

	identity, err := h.auth.Authenticate(ctx, auth.ExtractToken(c.Request))
	if err != nil {
		if auth.IsRejection(err) {
			h.reject(c, span, info, http.StatusUnauthorized, rejectionText(err), err)
		} else {
			h.reject(c, span, info, http.StatusServiceUnavailable, "authentication unavailable", err)
		}
		return
	}
	info.UserID = identity.UserID
	span.SetAttributes(attribute.String("chat.user_id", identity.UserID), attribute.Int("chat.rooms", len(identity.Rooms)))

	client := NewClient(info, identity.Rooms, identity.LoadedAt, h.broker, ClientOptions{
		SendBuffer:    h.cfg.SendBuffer,
		MembershipTTL: h.cfg.MembershipTTL,
		Memberships:   h.auth,
	}, h.logger)

	if err := h.broker.Admit(ctx, client); err != nil {
		h.reject(c, span, info, http.StatusServiceUnavailable, "presence unavailable", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", info.UserID), zap.Error(err))
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		h.broker.Release(releaseCtx, client)
		cancel()
		return
	}
	client.Attach(conn)

	observability.IncWSActive()
	observability.IncWSEvent(observability.EventWSConnect)
	h.publishLifecycle(ctx, observability.RoutingWSConnect, observability.EventWSConnect, info, "", len(identity.Rooms))
	h.logger.Info("websocket connected", zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID), zap.Int("rooms", len(identity.Rooms)))

	h.conns.Add(1)
	go client.writePump()
	go h.serve(trace.SpanContextFromContext(ctx), client)
}

func (h *Handler) serve(spanCtx trace.SpanContext, client *Client) {
	defer h.conns.Done()

	// The request context ends when Handle returns; connection work hangs
	// off a fresh one linked to the handshake span.
	ctx, cancel := context.WithCancel(trace.ContextWithSpanContext(context.Background(), spanCtx))
	err := client.readPump(ctx, readLimit(h.cfg.MaxMessageBytes), h.dispatch)
	cancel()
	client.Close()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), releaseTimeout)
	h.broker.Release(releaseCtx, client)
	releaseCancel()

	info := client.Info()
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if err != nil && !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrReadLimit) {
		observability.IncWSEvent(observability.EventWSError)
		h.publishLifecycle(context.Background(), observability.RoutingWSError, observability.EventWSError, info, reason, 0)
	}

	observability.DecWSActive()
	observability.IncWSEvent(observability.EventWSDisconnect)
	h.publishLifecycle(context.Background(), observability.RoutingWSDisconnect, observability.EventWSDisconnect, info, reason, 0)
	h.logger.Info("websocket disconnected",
		zap.String("conn_id", info.ConnID),
		zap.String("user_id", info.UserID),
		zap.Duration("duration", time.Since(info.ConnectedAt)),
		zap.String("reason", reason),
	)
}

// dispatch handles one inbound frame. Malformed frames are dropped.
func (h *Handler) dispatch(ctx context.Context, c *Client, raw []byte) {
	evt, err := models.ParseClientEvent(raw)
	if err != nil {
		observability.IncWSEvent("malformed")
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch e := evt.(type) {
	case models.JoinRoom:
		observability.IncWSEvent(models.EventRoomJoin)
		h.join(ctx, c, e.RoomID)
	case models.LeaveRoom:
		observability.IncWSEvent(models.EventRoomLeave)
		h.leave(ctx, c, e.RoomID)
	case models.SendMessage:
		observability.IncWSEvent(models.EventMessageSend)
		h.submitter.Submit(ctx, c, e)
	}
}

func (h *Handler) join(ctx context.Context, c *Client, roomID string) {
	ok, err := h.auth.CanJoin(ctx, c.UserID(), roomID)
	if err != nil {
		c.logger.Warn("membership lookup failed", zap.String("room_id", roomID), zap.Error(err))
		c.Send(models.RoomError{RoomID: roomID, Error: "membership check failed"})
		return
	}
	if !ok {
		userID := c.UserID()
		h.audit.Emit(ctx, "WARN", "room join refused", c.Info().RequestID, &userID, roomID)
		c.Send(models.RoomError{RoomID: roomID, Error: "not a member of this room"})
		return
	}
	if err := h.broker.Join(ctx, c, roomID); err != nil {
		c.logger.Warn("room join failed", zap.String("room_id", roomID), zap.Error(err))
		c.Send(models.RoomError{RoomID: roomID, Error: "join failed"})
		return
	}
	c.Send(models.RoomJoined{RoomID: roomID})
}

func (h *Handler) leave(ctx context.Context, c *Client, roomID string) {
	if err := h.broker.Leave(ctx, c, roomID); err != nil {
		c.logger.Warn("room roster leave failed", zap.String("room_id", roomID), zap.Error(err))
	}
	c.Send(models.RoomLeft{RoomID: roomID})
}

func (h *Handler) reject(c *gin.Context, span trace.Span, info ConnInfo, status int, text string, err error) {
	fields := []zap.Field{zap.Int("status", status), zap.String("ip", info.IP), zap.String("reason", text)}
	if err != nil {
		fields = append(fields, zap.Error(err))
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, text)
	h.logger.Info("websocket handshake rejected", fields...)

	observability.IncWSEvent("ws_rejected")
	ctx := c.Request.Context()
	h.publishLifecycle(ctx, observability.RoutingWSError, observability.EventWSError, info, text, 0)
	var userID *string
	if info.UserID != "" {
		userID = &info.UserID
	}
	h.audit.Emit(ctx, "WARN", "websocket handshake rejected: "+text, info.RequestID, userID, "")

	c.AbortWithStatusJSON(status, gin.H{"error": text})
}

func (h *Handler) publishLifecycle(ctx context.Context, routingKey, name string, info ConnInfo, reason string, rooms int) {
	payload := observability.ConnectionPayload{
		UserID:    info.UserID,
		IP:        info.IP,
		DeviceID:  info.DeviceID,
		UserAgent: info.UserAgent,
		Reason:    reason,
		Rooms:     rooms,
	}
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	if err := observability.PublishEvent(ctx, routingKey, observability.NewWSEvent(name, h.cfg.NodeID, payload), headers); err != nil {
		h.logger.Debug("lifecycle event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// Shutdown closes every local connection and waits for their presence
// release, or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.broker.Hub().CloseAll()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rejectionText(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing token"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrUnknownSubject):
		return "unknown user"
	default:
		return "invalid token"
	}
}
