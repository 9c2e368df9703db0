package presence

import (
	"context"

	"go.uber.org/zap"

	"chat-realtime/internal/observability"
)

// FailOpen answers read queries as offline or empty when the wrapped store
// fails. Writes still return their errors to the caller.
type FailOpen struct {
	Store
	logger *zap.Logger
}

func NewFailOpen(store Store, logger *zap.Logger) *FailOpen {
	return &FailOpen{Store: store, logger: logger}
}

func (f *FailOpen) readFailed(op string, err error) {
	observability.IncPresenceError(op)
	f.logger.Warn("presence read failed, answering offline", zap.String("op", op), zap.Error(err))
}

func (f *FailOpen) writeFailed(op string, err error) error {
	if err != nil {
		observability.IncPresenceError(op)
	}
	return err
}

func (f *FailOpen) Connect(ctx context.Context, userID string) (bool, error) {
	first, err := f.Store.Connect(ctx, userID)
	return first, f.writeFailed("connect", err)
}

func (f *FailOpen) Disconnect(ctx context.Context, userID string) (bool, error) {
	last, err := f.Store.Disconnect(ctx, userID)
	return last, f.writeFailed("disconnect", err)
}

func (f *FailOpen) JoinRoom(ctx context.Context, userID, roomID string) error {
	return f.writeFailed("join_room", f.Store.JoinRoom(ctx, userID, roomID))
}

func (f *FailOpen) LeaveRoom(ctx context.Context, userID, roomID string) error {
	return f.writeFailed("leave_room", f.Store.LeaveRoom(ctx, userID, roomID))
}

func (f *FailOpen) JoinRooms(ctx context.Context, userID string, roomIDs []string) error {
	return f.writeFailed("join_rooms", f.Store.JoinRooms(ctx, userID, roomIDs))
}

func (f *FailOpen) LeaveRooms(ctx context.Context, userID string, roomIDs []string) error {
	return f.writeFailed("leave_rooms", f.Store.LeaveRooms(ctx, userID, roomIDs))
}

func (f *FailOpen) ClearRooms(ctx context.Context, userID string) ([]string, error) {
	rooms, err := f.Store.ClearRooms(ctx, userID)
	return rooms, f.writeFailed("clear_rooms", err)
}

func (f *FailOpen) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := f.Store.IsOnline(ctx, userID)
	if err != nil {
		f.readFailed("is_online", err)
		return false, nil
	}
	return ok, nil
}

func (f *FailOpen) IsOnlineInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	ok, err := f.Store.IsOnlineInRoom(ctx, userID, roomID)
	if err != nil {
		f.readFailed("is_online_in_room", err)
		return false, nil
	}
	return ok, nil
}

func (f *FailOpen) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := f.Store.OnlineUsers(ctx)
	if err != nil {
		f.readFailed("online_users", err)
		return []string{}, nil
	}
	return users, nil
}

func (f *FailOpen) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	users, err := f.Store.RoomMembers(ctx, roomID)
	if err != nil {
		f.readFailed("room_members", err)
		return []string{}, nil
	}
	return users, nil
}

func (f *FailOpen) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	rooms, err := f.Store.RoomsForUser(ctx, userID)
	if err != nil {
		f.readFailed("rooms_for_user", err)
		return []string{}, nil
	}
	return rooms, nil
}

func (f *FailOpen) OnlineCount(ctx context.Context) (int64, error) {
	n, err := f.Store.OnlineCount(ctx)
	if err != nil {
		f.readFailed("online_count", err)
		return 0, nil
	}
	return n, nil
}

var _ Store = (*FailOpen)(nil)
