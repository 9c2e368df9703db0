package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type MembershipRepositoryMock struct {
	mock.Mock
}

func (m *MembershipRepositoryMock) FindMembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error) {
	args := m.Called(ctx, userID)
	var list []models.Membership
	if val := args.Get(0); val != nil {
		list = val.([]models.Membership)
	}
	return list, args.Error(1)
}

func (m *MembershipRepositoryMock) GetMembership(ctx context.Context, roomID string, userID string) (models.Membership, error) {
	args := m.Called(ctx, roomID, userID)
	var membership models.Membership
	if val := args.Get(0); val != nil {
		membership = val.(models.Membership)
	}
	return membership, args.Error(1)
}

func (m *MembershipRepositoryMock) UserExists(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) ListRoomMessages(ctx context.Context, roomID string, beforeID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, beforeID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) EditMessage(ctx context.Context, messageID int64, senderID string, content string) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, messageID int64, senderID string) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

var (
	_ repositories.MembershipRepository = (*MembershipRepositoryMock)(nil)
	_ repositories.MessageRepository    = (*MessageRepositoryMock)(nil)
)
