package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent marks an inbound frame that is not a well-formed client event.
var ErrMalformedEvent = errors.New("malformed event")

// Event names on the wire.
const (
	EventRoomJoin    = "room:join"
	EventRoomLeave   = "room:leave"
	EventMessageSend = "message:send"

	EventPresenceUpdate  = "presence:update"
	EventMessageReceived = "message:received"
	EventMessageAck      = "message:ack"
	EventMessageError    = "message:error"
	EventRoomsInit       = "rooms:init"
	EventRoomJoined      = "room:joined"
	EventRoomLeft        = "room:left"
	EventRoomError       = "room:error"
	EventMessageUpdated  = "message:updated"
	EventMessageDeleted  = "message:deleted"
)

// Frame is the envelope of every websocket text frame.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is the closed set of events a client may send.
type ClientEvent interface {
	clientEvent()
}

// JoinRoom asks to subscribe the connection to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom asks to unsubscribe the connection from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// SendMessage submits a message to a room.
type SendMessage struct {
	RoomID          string `json:"roomId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func (JoinRoom) clientEvent()    {}
func (LeaveRoom) clientEvent()   {}
func (SendMessage) clientEvent() {}

// ParseClientEvent decodes a raw frame into one of the client event types.
// Room events accept either {"roomId": "..."} or a bare JSON string as data.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch f.Type {
	case EventRoomJoin:
		roomID, err := parseRoomID(f.Data)
		if err != nil {
			return nil, err
		}
		return JoinRoom{RoomID: roomID}, nil
	case EventRoomLeave:
		roomID, err := parseRoomID(f.Data)
		if err != nil {
			return nil, err
		}
		return LeaveRoom{RoomID: roomID}, nil
	case EventMessageSend:
		var msg SendMessage
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
		}
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, f.Type)
	}
}

func parseRoomID(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing room id", ErrMalformedEvent)
	}

	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		var payload struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		roomID = payload.RoomID
	}

	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", fmt.Errorf("%w: empty room id", ErrMalformedEvent)
	}
	return roomID, nil
}

// ServerEvent is the closed set of events the server emits.
type ServerEvent interface {
	EventType() string
}

// PresenceStatus is the value carried by presence updates.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceUpdate announces a user's first connection or last disconnection.
type PresenceUpdate struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

// MessageReceived carries a persisted message to room subscribers.
type MessageReceived struct {
	Message
}

// MessageAck confirms a submission to its sender.
type MessageAck struct {
	ClientMessageID string `json:"clientMessageId"`
	ServerID        int64  `json:"serverId"`
}

// MessageError reports a rejected or failed submission to its sender.
type MessageError struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	RoomID          string `json:"roomId,omitempty"`
	Error           string `json:"error"`
}

// RoomsInit is sent once to a connection after a successful handshake.
type RoomsInit struct {
	UserID string   `json:"userId"`
	Rooms  []string `json:"rooms"`
}

// RoomJoined acknowledges a room:join.
type RoomJoined struct {
	RoomID string `json:"roomId"`
}

// RoomLeft acknowledges a room:leave.
type RoomLeft struct {
	RoomID string `json:"roomId"`
}

// RoomError reports a rejected room:join or room:leave.
type RoomError struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
}

// MessageUpdated carries an edited message to room subscribers.
type MessageUpdated struct {
	Message
}

// MessageDeleted tells room subscribers to mask a message.
type MessageDeleted struct {
	ID     int64  `json:"id"`
	RoomID string `json:"roomId"`
}

func (PresenceUpdate) EventType() string  { return EventPresenceUpdate }
func (MessageReceived) EventType() string { return EventMessageReceived }
func (MessageAck) EventType() string      { return EventMessageAck }
func (MessageError) EventType() string    { return EventMessageError }
func (RoomsInit) EventType() string       { return EventRoomsInit }
func (RoomJoined) EventType() string      { return EventRoomJoined }
func (RoomLeft) EventType() string        { return EventRoomLeft }
func (RoomError) EventType() string       { return EventRoomError }
func (MessageUpdated) EventType() string  { return EventMessageUpdated }
func (MessageDeleted) EventType() string  { return EventMessageDeleted }

// EncodeServerEvent renders a server event as a wire frame.
func EncodeServerEvent(evt ServerEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: evt.EventType(), Data: data})
}
