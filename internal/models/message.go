package models

import "time"

// MessageStatus is the lifecycle state of a persisted message.
type MessageStatus string

const (
	StatusSent    MessageStatus = "sent"
	StatusEdited  MessageStatus = "edited"
	StatusDeleted MessageStatus = "deleted"
)

// Message represents a persisted room message.
type Message struct {
	ID              int64         `db:"id" json:"id"`
	RoomID          string        `db:"room_id" json:"roomId"`
	SenderID        string        `db:"sender_id" json:"senderId"`
	Content         string        `db:"content" json:"content"`
	Status          MessageStatus `db:"status" json:"status"`
	ClientMessageID *string       `db:"client_message_id" json:"clientMessageId,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	EditedAt        *time.Time    `db:"edited_at" json:"editedAt,omitempty"`
}

// Masked returns the outward view of the message: deleted messages keep
// their row but never expose content.
func (m Message) Masked() Message {
	if m.Status == StatusDeleted {
		m.Content = ""
	}
	return m
}

// NewMessage is the input of a single logical send.
type NewMessage struct {
	RoomID          string
	SenderID        string
	Content         string
	ClientMessageID string
}
