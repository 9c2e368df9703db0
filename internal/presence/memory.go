package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 32

type counterShard struct {
	mu    sync.Mutex
	conns map[string]int
}

// MemoryStore is a single-process Store. Counters are guarded per user
// shard; rosters share one lock. Locks are always taken shard first.
type MemoryStore struct {
	shards [shardCount]*counterShard

	rosterMu  sync.RWMutex
	rooms     map[string]map[string]struct{}
	userRooms map[string]map[string]int
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		rooms:     make(map[string]map[string]struct{}),
		userRooms: make(map[string]map[string]int),
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{conns: make(map[string]int)}
	}
	return s
}

func (s *MemoryStore) shard(userID string) *counterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Connect(ctx context.Context, userID string) (bool, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.conns[userID]++
	return sh.conns[userID] == 1, nil
}

func (s *MemoryStore) Disconnect(ctx context.Context, userID string) (bool, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := sh.conns[userID] - 1
	if n <= 0 {
		delete(sh.conns, userID)
		return true, nil
	}
	sh.conns[userID] = n
	return false, nil
}

func (s *MemoryStore) JoinRoom(ctx context.Context, userID, roomID string) error {
	return s.JoinRooms(ctx, userID, []string{roomID})
}

func (s *MemoryStore) LeaveRoom(ctx context.Context, userID, roomID string) error {
	return s.LeaveRooms(ctx, userID, []string{roomID})
}

func (s *MemoryStore) JoinRooms(ctx context.Context, userID string, roomIDs []string) error {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	for _, roomID := range dedupe(roomIDs) {
		joined := s.userRooms[userID]
		if joined == nil {
			joined = make(map[string]int)
			s.userRooms[userID] = joined
		}
		joined[roomID]++

		members := s.rooms[roomID]
		if members == nil {
			members = make(map[string]struct{})
			s.rooms[roomID] = members
		}
		members[userID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) LeaveRooms(ctx context.Context, userID string, roomIDs []string) error {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	joined := s.userRooms[userID]
	for _, roomID := range dedupe(roomIDs) {
		n, ok := joined[roomID]
		if !ok {
			continue
		}
		if n > 1 {
			joined[roomID] = n - 1
			continue
		}
		delete(joined, roomID)
		s.removeFromRoster(userID, roomID)
	}
	if len(joined) == 0 {
		delete(s.userRooms, userID)
	}
	return nil
}

func (s *MemoryStore) ClearRooms(ctx context.Context, userID string) ([]string, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.conns[userID] > 0 {
		return nil, nil
	}

	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	rooms := make([]string, 0, len(s.userRooms[userID]))
	for roomID := range s.userRooms[userID] {
		rooms = append(rooms, roomID)
		s.removeFromRoster(userID, roomID)
	}
	delete(s.userRooms, userID)
	sort.Strings(rooms)
	return rooms, nil
}

// removeFromRoster requires rosterMu.
func (s *MemoryStore) removeFromRoster(userID, roomID string) {
	members := s.rooms[roomID]
	delete(members, userID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
}

func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.conns[userID] > 0, nil
}

func (s *MemoryStore) IsOnlineInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()
	_, ok := s.rooms[roomID][userID]
	return ok, nil
}

func (s *MemoryStore) OnlineUsers(ctx context.Context) ([]string, error) {
	var users []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for userID, n := range sh.conns {
			if n > 0 {
				users = append(users, userID)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()
	return sortedKeys(s.rooms[roomID]), nil
}

func (s *MemoryStore) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()

	rooms := make([]string, 0, len(s.userRooms[userID]))
	for roomID := range s.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *MemoryStore) OnlineCount(ctx context.Context) (int64, error) {
	var n int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += int64(len(sh.conns))
		sh.mu.Unlock()
	}
	return n, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*MemoryStore)(nil)
