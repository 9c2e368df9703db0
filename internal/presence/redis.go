package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "chat:presence:"

var (
	connectScript = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		redis.call('SADD', KEYS[2], ARGV[1])
		return n
	`)

	disconnectScript = redis.NewScript(`
		local n = redis.call('DECR', KEYS[1])
		if n <= 0 then
			redis.call('DEL', KEYS[1])
			redis.call('SREM', KEYS[2], ARGV[1])
			return 1
		end
		return 0
	`)

	// Rosters are reference counted per (user, room) in the user index hash.
	joinRoomsScript = redis.NewScript(`
		for i = 3, #ARGV do
			local room = ARGV[i]
			redis.call('HINCRBY', KEYS[1], room, 1)
			redis.call('SADD', ARGV[2] .. room, ARGV[1])
		end
		return #ARGV - 2
	`)

	leaveRoomsScript = redis.NewScript(`
		for i = 3, #ARGV do
			local room = ARGV[i]
			if redis.call('HEXISTS', KEYS[1], room) == 1 then
				local n = redis.call('HINCRBY', KEYS[1], room, -1)
				if n <= 0 then
					redis.call('HDEL', KEYS[1], room)
					redis.call('SREM', ARGV[2] .. room, ARGV[1])
				end
			end
		end
		return #ARGV - 2
	`)

	clearRoomsScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return {}
		end
		local rooms = redis.call('HKEYS', KEYS[1])
		for _, room in ipairs(rooms) do
			redis.call('SREM', ARGV[2] .. room, ARGV[1])
		end
		redis.call('DEL', KEYS[1])
		return rooms
	`)
)

// RedisStore keeps presence in Redis:
//
//	<prefix>conn:<user>        live connection counter
//	<prefix>online             set of online users
//	<prefix>room:<room>        set of users in the room roster
//	<prefix>user_rooms:<user>  hash room -> joined connections
//
// Lua scripts address roster keys they build themselves, so the keyspace
// must live on a single Redis node.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) connKey(userID string) string      { return s.prefix + "conn:" + userID }
func (s *RedisStore) onlineKey() string                 { return s.prefix + "online" }
func (s *RedisStore) roomPrefix() string                { return s.prefix + "room:" }
func (s *RedisStore) roomKey(roomID string) string      { return s.roomPrefix() + roomID }
func (s *RedisStore) userRoomsKey(userID string) string { return s.prefix + "user_rooms:" + userID }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *RedisStore) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := connectScript.Run(ctx, s.client, []string{s.connKey(userID), s.onlineKey()}, userID).Int64()
	if err != nil {
		return false, unavailable("connect", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Disconnect(ctx context.Context, userID string) (bool, error) {
	last, err := disconnectScript.Run(ctx, s.client, []string{s.connKey(userID), s.onlineKey()}, userID).Int64()
	if err != nil {
		return false, unavailable("disconnect", err)
	}
	return last == 1, nil
}

func (s *RedisStore) JoinRoom(ctx context.Context, userID, roomID string) error {
	return s.JoinRooms(ctx, userID, []string{roomID})
}

func (s *RedisStore) LeaveRoom(ctx context.Context, userID, roomID string) error {
	return s.LeaveRooms(ctx, userID, []string{roomID})
}

func (s *RedisStore) JoinRooms(ctx context.Context, userID string, roomIDs []string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	if err := joinRoomsScript.Run(ctx, s.client, []string{s.userRoomsKey(userID)}, roomArgs(userID, s.roomPrefix(), roomIDs)...).Err(); err != nil {
		return unavailable("join_rooms", err)
	}
	return nil
}

func (s *RedisStore) LeaveRooms(ctx context.Context, userID string, roomIDs []string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	if err := leaveRoomsScript.Run(ctx, s.client, []string{s.userRoomsKey(userID)}, roomArgs(userID, s.roomPrefix(), roomIDs)...).Err(); err != nil {
		return unavailable("leave_rooms", err)
	}
	return nil
}

func (s *RedisStore) ClearRooms(ctx context.Context, userID string) ([]string, error) {
	rooms, err := clearRoomsScript.Run(ctx, s.client,
		[]string{s.userRoomsKey(userID), s.connKey(userID)},
		userID, s.roomPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("clear_rooms", err)
	}
	return rooms, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.onlineKey(), userID).Result()
	if err != nil {
		return false, unavailable("is_online", err)
	}
	return ok, nil
}

func (s *RedisStore) IsOnlineInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.roomKey(roomID), userID).Result()
	if err != nil {
		return false, unavailable("is_online_in_room", err)
	}
	return ok, nil
}

func (s *RedisStore) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, unavailable("online_users", err)
	}
	return users, nil
}

func (s *RedisStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, unavailable("room_members", err)
	}
	return users, nil
}

func (s *RedisStore) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	rooms, err := s.client.HKeys(ctx, s.userRoomsKey(userID)).Result()
	if err != nil {
		return nil, unavailable("rooms_for_user", err)
	}
	return rooms, nil
}

func (s *RedisStore) OnlineCount(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.onlineKey()).Result()
	if err != nil {
		return 0, unavailable("online_count", err)
	}
	return n, nil
}

func roomArgs(userID, roomPrefix string, roomIDs []string) []interface{} {
	args := make([]interface{}, 0, len(roomIDs)+2)
	args = append(args, userID, roomPrefix)
	for _, roomID := range dedupe(roomIDs) {
		args = append(args, roomID)
	}
	return args
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var _ Store = (*RedisStore)(nil)
