// Package presence tracks live connections per user, the global online set
// and per-room rosters shared by every chat process.
package presence

import (
	"context"
	"errors"
)

// ErrUnavailable wraps failures of the shared store.
var ErrUnavailable = errors.New("presence store unavailable")

// Store is the shared presence state. Every mutation is atomic with respect
// to other processes using the same backing store.
type Store interface {
	// Connect counts a new live connection and reports whether it is the
	// user's first one anywhere.
	Connect(ctx context.Context, userID string) (first bool, err error)
	// Disconnect drops one live connection and reports whether it was the
	// last one. The counter is deleted once it reaches zero.
	Disconnect(ctx context.Context, userID string) (last bool, err error)

	JoinRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
	JoinRooms(ctx context.Context, userID string, roomIDs []string) error
	LeaveRooms(ctx context.Context, userID string, roomIDs []string) error
	// ClearRooms removes the user from every roster and returns the rooms
	// removed. It does nothing while the user still holds a live connection.
	ClearRooms(ctx context.Context, userID string) ([]string, error)

	IsOnline(ctx context.Context, userID string) (bool, error)
	IsOnlineInRoom(ctx context.Context, userID, roomID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
	OnlineCount(ctx context.Context) (int64, error)
}
