package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/presence"
	"chat-realtime/internal/telemetry"
)

// PresenceHandler exposes the shared presence view over HTTP.
type PresenceHandler struct {
	store   presence.Store
	members MembershipChecker
	audit   *telemetry.AuditEmitter
	logger  *zap.Logger
}

func NewPresenceHandler(store presence.Store, members MembershipChecker, audit *telemetry.AuditEmitter, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{store: store, members: members, audit: audit, logger: logger}
}

func (h *PresenceHandler) OnlineUsers(c *gin.Context) {
	users, err := h.store.OnlineUsers(c.Request.Context())
	if err != nil {
		h.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *PresenceHandler) OnlineCount(c *gin.Context) {
	count, err := h.store.OnlineCount(c.Request.Context())
	if err != nil {
		h.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// UserPresence reports whether a user is online and which rooms they are
// present in. Another user's rooms are limited to those the caller is a
// member of.
func (h *PresenceHandler) UserPresence(c *gin.Context) {
	userID := c.Param("user_id")
	callerID := c.GetString("userID")
	ctx := c.Request.Context()

	online, err := h.store.IsOnline(ctx, userID)
	if err != nil {
		h.unavailable(c, err)
		return
	}
	rooms, err := h.store.RoomsForUser(ctx, userID)
	if err != nil {
		h.unavailable(c, err)
		return
	}

	if userID != callerID {
		visible := make([]string, 0, len(rooms))
		for _, roomID := range rooms {
			ok, err := h.members.CanJoin(ctx, callerID, roomID)
			if err != nil {
				h.logger.Error("membership lookup failed", zap.String("room_id", roomID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
				return
			}
			if ok {
				visible = append(visible, roomID)
			}
		}
		rooms = visible
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "online": online, "rooms": rooms})
}

// RoomPresence lists the online members of a room. Members only.
func (h *PresenceHandler) RoomPresence(c *gin.Context) {
	roomID := c.Param("room_id")
	if !requireMember(c, h.members, h.audit, h.logger, roomID) {
		return
	}

	users, err := h.store.RoomMembers(c.Request.Context(), roomID)
	if err != nil {
		h.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "users": users})
}

func (h *PresenceHandler) unavailable(c *gin.Context, err error) {
	h.logger.Warn("presence read failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
}
