package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var (
	ErrMessageNotFound     = errors.New("message not found")
	ErrIdempotencyConflict = errors.New("client message id already used for another room")
)

const messageColumns = `id, room_id, sender_id, content, status, client_message_id, created_at, edited_at`

// MessageRepository defines interactions for room messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error)
	ListRoomMessages(ctx context.Context, roomID string, beforeID int64, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	EditMessage(ctx context.Context, messageID int64, senderID string, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64, senderID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message once per (sender, client message id).
// The returned bool is false when an earlier submission with the same token
// already produced the row.
func (r *MessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	var token *string
	if in.ClientMessageID != "" {
		token = &in.ClientMessageID
	}

	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `INSERT INTO messages (room_id, sender_id, content, client_message_id)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (sender_id, client_message_id) WHERE client_message_id IS NOT NULL DO NOTHING
        RETURNING `+messageColumns, in.RoomID, in.SenderID, in.Content, token)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || token == nil {
		return models.Message{}, false, err
	}

	err = r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE sender_id=$1 AND client_message_id=$2`, in.SenderID, *token)
	if err != nil {
		return models.Message{}, false, fmt.Errorf("load idempotent message: %w", err)
	}
	if msg.RoomID != in.RoomID {
		return models.Message{}, false, ErrIdempotencyConflict
	}
	return msg, false, nil
}

// ListRoomMessages returns up to limit messages older than beforeID (0 = newest), newest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID string, beforeID int64, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	var err error
	if beforeID > 0 {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE room_id=$1 AND id < $2 ORDER BY id DESC LIMIT $3`, roomID, beforeID, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE room_id=$1 ORDER BY id DESC LIMIT $2`, roomID, limit)
	}
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// EditMessage replaces the content of a live message owned by senderID.
func (r *MessageRepo) EditMessage(ctx context.Context, messageID int64, senderID string, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET content=$3, status='edited', edited_at=NOW()
        WHERE id=$1 AND sender_id=$2 AND status <> 'deleted'
        RETURNING `+messageColumns, messageID, senderID, content)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage marks a message deleted; the content stays in the row.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int64, senderID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET status='deleted'
        WHERE id=$1 AND sender_id=$2 AND status <> 'deleted'
        RETURNING `+messageColumns, messageID, senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
