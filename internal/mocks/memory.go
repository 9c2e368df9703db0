package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// MemoryMessageRepo is a stateful MessageRepository with the same
// idempotency rules as the SQL one.
type MemoryMessageRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]models.Message
	tokens map[string]int64
	Err    error
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		rows:   make(map[int64]models.Message),
		tokens: make(map[string]int64),
	}
}

func (r *MemoryMessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.Message{}, false, r.Err
	}

	key := in.SenderID + "\x00" + in.ClientMessageID
	if in.ClientMessageID != "" {
		if id, ok := r.tokens[key]; ok {
			existing := r.rows[id]
			if existing.RoomID != in.RoomID {
				return models.Message{}, false, repositories.ErrIdempotencyConflict
			}
			return existing, false, nil
		}
	}

	r.nextID++
	msg := models.Message{
		ID:        r.nextID,
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Status:    models.StatusSent,
		CreatedAt: time.Now().UTC(),
	}
	if in.ClientMessageID != "" {
		token := in.ClientMessageID
		msg.ClientMessageID = &token
		r.tokens[key] = msg.ID
	}
	r.rows[msg.ID] = msg
	return msg, true, nil
}

func (r *MemoryMessageRepo) ListRoomMessages(ctx context.Context, roomID string, beforeID int64, limit int) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []models.Message{}
	for _, msg := range r.rows {
		if msg.RoomID == roomID && (beforeID <= 0 || msg.ID < beforeID) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.rows[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

func (r *MemoryMessageRepo) EditMessage(ctx context.Context, messageID int64, senderID string, content string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.rows[messageID]
	if !ok || msg.SenderID != senderID || msg.Status == models.StatusDeleted {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.Status = models.StatusEdited
	msg.EditedAt = &now
	r.rows[messageID] = msg
	return msg, nil
}

func (r *MemoryMessageRepo) DeleteMessage(ctx context.Context, messageID int64, senderID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.rows[messageID]
	if !ok || msg.SenderID != senderID || msg.Status == models.StatusDeleted {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	msg.Status = models.StatusDeleted
	r.rows[messageID] = msg
	return msg, nil
}

// Count returns the number of stored rows in a room.
func (r *MemoryMessageRepo) Count(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.rows {
		if msg.RoomID == roomID {
			n++
		}
	}
	return n
}

// MemoryMembershipRepo is a stateful MembershipRepository.
type MemoryMembershipRepo struct {
	mu      sync.Mutex
	users   map[string]struct{}
	members map[string]map[string]models.MembershipStatus
}

func NewMemoryMembershipRepo() *MemoryMembershipRepo {
	return &MemoryMembershipRepo{
		users:   make(map[string]struct{}),
		members: make(map[string]map[string]models.MembershipStatus),
	}
}

func (r *MemoryMembershipRepo) AddUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = struct{}{}
}

// Set records the membership status, creating the user when missing.
func (r *MemoryMembershipRepo) Set(userID, roomID string, status models.MembershipStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = struct{}{}
	if r.members[userID] == nil {
		r.members[userID] = make(map[string]models.MembershipStatus)
	}
	r.members[userID][roomID] = status
}

func (r *MemoryMembershipRepo) Remove(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[userID], roomID)
}

func (r *MemoryMembershipRepo) FindMembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []models.Membership{}
	for roomID, status := range r.members[userID] {
		out = append(out, models.Membership{RoomID: roomID, UserID: userID, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (r *MemoryMembershipRepo) GetMembership(ctx context.Context, roomID string, userID string) (models.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.members[userID][roomID]
	if !ok {
		return models.Membership{}, repositories.ErrMembershipNotFound
	}
	return models.Membership{RoomID: roomID, UserID: userID, Status: status}, nil
}

func (r *MemoryMembershipRepo) UserExists(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok, nil
}

var (
	_ repositories.MessageRepository    = (*MemoryMessageRepo)(nil)
	_ repositories.MembershipRepository = (*MemoryMembershipRepo)(nil)
)
