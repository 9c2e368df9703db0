// Package messaging validates, authorizes, persists and fans out room
// messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
)

var (
	ErrEmptyContent = errors.New("content is required")
	ErrWrongRoom    = errors.New("message does not belong to room")
)

// Error texts sent back in message:error.
const (
	errNotMember       = "not a member of this room"
	errMembershipCheck = "membership check failed"
	errPersist         = "failed to persist message"
	errTokenReused     = "clientMessageId already used in another room"
	errTooLarge        = "message too large"
)

// Conn is the sending side of one live connection.
type Conn interface {
	UserID() string
	// Authorize reports whether the connection may write into roomID.
	Authorize(ctx context.Context, roomID string) (bool, error)
	// Send delivers an event to this connection only.
	Send(evt models.ServerEvent) bool
}

// RoomPublisher fans an event out to every subscriber of a room on every
// process.
type RoomPublisher interface {
	PublishToRoom(ctx context.Context, roomID string, evt models.ServerEvent) error
}

type Service struct {
	messages        repositories.MessageRepository
	rooms           RoomPublisher
	audit           *telemetry.AuditEmitter
	submitTimeout   time.Duration
	maxContentBytes int
	logger          *zap.Logger
}

func NewService(messages repositories.MessageRepository, rooms RoomPublisher, audit *telemetry.AuditEmitter, submitTimeout time.Duration, maxContentBytes int, logger *zap.Logger) *Service {
	return &Service{
		messages:        messages,
		rooms:           rooms,
		audit:           audit,
		submitTimeout:   submitTimeout,
		maxContentBytes: maxContentBytes,
		logger:          logger,
	}
}

// Submit handles one message:send. Empty payloads are dropped silently;
// everything else ends in exactly one message:ack or message:error to the
// sender.
func (s *Service) Submit(ctx context.Context, conn Conn, in models.SendMessage) {
	roomID := strings.TrimSpace(in.RoomID)
	content := strings.TrimSpace(in.Content)
	userID := conn.UserID()

	if roomID == "" || content == "" {
		observability.IncMessage("dropped")
		s.logger.Debug("dropping empty message", zap.String("user_id", userID))
		return
	}

	fail := func(outcome, reason string) {
		observability.IncMessage(outcome)
		conn.Send(models.MessageError{ClientMessageID: in.ClientMessageID, RoomID: roomID, Error: reason})
	}

	if s.maxContentBytes > 0 && len(content) > s.maxContentBytes {
		fail("rejected", errTooLarge)
		return
	}

	allowed, err := conn.Authorize(ctx, roomID)
	if err != nil {
		s.logger.Warn("membership check failed", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
		fail("unauthorized", errMembershipCheck)
		return
	}
	if !allowed {
		s.logger.Info("room write refused", zap.String("user_id", userID), zap.String("room_id", roomID))
		s.audit.Emit(ctx, "WARN", "room write refused", "", &userID, roomID)
		fail("unauthorized", errNotMember)
		return
	}

	// Authorized sends complete even if the connection closes meanwhile.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitTimeout)
	defer cancel()

	msg, created, err := s.messages.CreateMessage(ctx, models.NewMessage{
		RoomID:          roomID,
		SenderID:        userID,
		Content:         content,
		ClientMessageID: in.ClientMessageID,
	})
	if err != nil {
		if errors.Is(err, repositories.ErrIdempotencyConflict) {
			fail("conflict", errTokenReused)
			return
		}
		s.logger.Error("persist message failed", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
		fail("failed", errPersist)
		return
	}

	// A replay re-broadcasts the stored row; receivers dedupe by id.
	if err := s.rooms.PublishToRoom(ctx, roomID, models.MessageReceived{Message: msg.Masked()}); err != nil {
		s.logger.Warn("broadcast message failed", zap.Int64("message_id", msg.ID), zap.String("room_id", roomID), zap.Error(err))
	}

	if created {
		observability.IncMessage("persisted")
	} else {
		observability.IncMessage("replayed")
	}
	conn.Send(models.MessageAck{ClientMessageID: in.ClientMessageID, ServerID: msg.ID})
}

// Edit replaces the content of a message owned by senderID and broadcasts
// the new version.
func (s *Service) Edit(ctx context.Context, senderID, roomID string, messageID int64, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	if err := s.checkRoom(ctx, roomID, messageID); err != nil {
		return models.Message{}, err
	}

	msg, err := s.messages.EditMessage(ctx, messageID, senderID, content)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.rooms.PublishToRoom(ctx, roomID, models.MessageUpdated{Message: msg.Masked()}); err != nil {
		s.logger.Warn("broadcast edit failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// Delete marks a message owned by senderID deleted and tells the room to
// mask it.
func (s *Service) Delete(ctx context.Context, senderID, roomID string, messageID int64) (models.Message, error) {
	if err := s.checkRoom(ctx, roomID, messageID); err != nil {
		return models.Message{}, err
	}

	msg, err := s.messages.DeleteMessage(ctx, messageID, senderID)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.rooms.PublishToRoom(ctx, roomID, models.MessageDeleted{ID: msg.ID, RoomID: msg.RoomID}); err != nil {
		s.logger.Warn("broadcast delete failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return msg.Masked(), nil
}

func (s *Service) checkRoom(ctx context.Context, roomID string, messageID int64) error {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.RoomID != roomID {
		return fmt.Errorf("%w: %d", ErrWrongRoom, messageID)
	}
	return nil
}
