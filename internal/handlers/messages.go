package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/messaging"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MembershipChecker answers whether a user may read or write a room.
type MembershipChecker interface {
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
}

// MessageEditor changes messages and notifies the room.
type MessageEditor interface {
	Edit(ctx context.Context, senderID, roomID string, messageID int64, content string) (models.Message, error)
	Delete(ctx context.Context, senderID, roomID string, messageID int64) (models.Message, error)
}

// MessageHandler serves room history and message edits.
type MessageHandler struct {
	messages repositories.MessageRepository
	members  MembershipChecker
	editor   MessageEditor
	audit    *telemetry.AuditEmitter
	logger   *zap.Logger
}

func NewMessageHandler(messages repositories.MessageRepository, members MembershipChecker, editor MessageEditor, audit *telemetry.AuditEmitter, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		members:  members,
		editor:   editor,
		audit:    audit,
		logger:   logger,
	}
}

// ListMessages returns room history, newest first. Deleted messages are
// returned masked.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	if !h.requireMember(c, roomID) {
		return
	}

	beforeID, err := queryInt64(c, "before", 0)
	if err != nil || beforeID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
		return
	}
	limit, err := queryInt64(c, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := h.messages.ListRoomMessages(c.Request.Context(), roomID, beforeID, int(limit))
	if err != nil {
		h.logger.Error("list messages failed", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	resp := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, m.Masked())
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

// EditMessage replaces the content of the caller's own message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	roomID := c.Param("room_id")
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.requireMember(c, roomID) {
		return
	}

	msg, err := h.editor.Edit(c.Request.Context(), c.GetString("userID"), roomID, messageID, req.Content)
	if err != nil {
		h.writeEditError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg.Masked()})
}

// DeleteMessage marks the caller's own message deleted.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	roomID := c.Param("room_id")
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	if !h.requireMember(c, roomID) {
		return
	}

	msg, err := h.editor.Delete(c.Request.Context(), c.GetString("userID"), roomID, messageID)
	if err != nil {
		h.writeEditError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *MessageHandler) requireMember(c *gin.Context, roomID string) bool {
	return requireMember(c, h.members, h.audit, h.logger, roomID)
}

func (h *MessageHandler) writeEditError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, messaging.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
	case errors.Is(err, repositories.ErrMessageNotFound), errors.Is(err, messaging.ErrWrongRoom):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	default:
		h.logger.Error("message update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update message"})
	}
}

// requireMember writes 403 or 500 and returns false unless the caller may
// access roomID.
func requireMember(c *gin.Context, members MembershipChecker, audit *telemetry.AuditEmitter, logger *zap.Logger, roomID string) bool {
	userID := c.GetString("userID")
	ok, err := members.CanJoin(c.Request.Context(), userID, roomID)
	if err != nil {
		logger.Error("membership lookup failed", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return false
	}
	if !ok {
		audit.Emit(c.Request.Context(), "WARN", "room access refused", requestIDFromContext(c), &userID, roomID)
		c.JSON(http.StatusForbidden, gin.H{"error": "not a room member"})
		return false
	}
	return true
}

func queryInt64(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

var _ MessageEditor = (*messaging.Service)(nil)
