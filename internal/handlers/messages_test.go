package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/messaging"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type messageEditorMock struct {
	mock.Mock
}

func (m *messageEditorMock) Edit(ctx context.Context, senderID, roomID string, messageID int64, content string) (models.Message, error) {
	args := m.Called(ctx, senderID, roomID, messageID, content)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *messageEditorMock) Delete(ctx context.Context, senderID, roomID string, messageID int64) (models.Message, error) {
	args := m.Called(ctx, senderID, roomID, messageID)
	return args.Get(0).(models.Message), args.Error(1)
}

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "u1")
		c.Next()
	})
	r.GET("/rooms/:room_id/messages", handler.ListMessages)
	r.PATCH("/rooms/:room_id/messages/:message_id", handler.EditMessage)
	r.DELETE("/rooms/:room_id/messages/:message_id", handler.DeleteMessage)
	return r
}

func newMembershipChecker(repo *mocks.MembershipRepositoryMock) *auth.Authenticator {
	return auth.NewAuthenticator(auth.NewTokenVerifier("secret"), repo, time.Second)
}

func member(repo *mocks.MembershipRepositoryMock, roomID string, status models.MembershipStatus) {
	repo.On("GetMembership", mock.Anything, roomID, "u1").
		Return(models.Membership{RoomID: roomID, UserID: "u1", Status: status}, nil).Once()
}

func TestListMessagesMasksDeleted(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	handler := NewMessageHandler(messages, newMembershipChecker(memberships), nil, nil, zap.NewNop())
	router := setupMessageRouter(handler)

	member(memberships, "roomA", models.MembershipActive)
	messages.On("ListRoomMessages", mock.Anything, "roomA", int64(10), 2).Return([]models.Message{
		{ID: 9, RoomID: "roomA", SenderID: "u2", Content: "secret", Status: models.StatusDeleted},
		{ID: 8, RoomID: "roomA", SenderID: "u1", Content: "hi", Status: models.StatusSent},
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms/roomA/messages?before=10&limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 2)
	assert.Empty(t, resp.Messages[0].Content)
	assert.Equal(t, "hi", resp.Messages[1].Content)

	memberships.AssertExpectations(t)
	messages.AssertExpectations(t)
}

func TestListMessagesClampsLimit(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(messages, newMembershipChecker(memberships), nil, nil, zap.NewNop()))

	member(memberships, "roomA", models.MembershipOwner)
	messages.On("ListRoomMessages", mock.Anything, "roomA", int64(0), maxHistoryLimit).Return([]models.Message{}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms/roomA/messages?limit=5000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	messages.AssertExpectations(t)
}

func TestListMessagesRejectsNonMember(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(messages, newMembershipChecker(memberships), nil, nil, zap.NewNop()))

	memberships.On("GetMembership", mock.Anything, "roomB", "u1").Return(models.Membership{}, repositories.ErrMembershipNotFound).Once()
	member(memberships, "roomC", models.MembershipBanned)

	for _, room := range []string{"roomB", "roomC"} {
		req := httptest.NewRequest(http.MethodGet, "/rooms/"+room+"/messages", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, room)
	}
	messages.AssertNotCalled(t, "ListRoomMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListMessagesBadQuery(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(new(mocks.MessageRepositoryMock), newMembershipChecker(memberships), nil, nil, zap.NewNop()))

	for _, query := range []string{"before=abc", "before=-1", "limit=0", "limit=x"} {
		member(memberships, "roomA", models.MembershipActive)
		req := httptest.NewRequest(http.MethodGet, "/rooms/roomA/messages?"+query, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestListMessagesMembershipError(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(new(mocks.MessageRepositoryMock), newMembershipChecker(memberships), nil, nil, zap.NewNop()))

	memberships.On("GetMembership", mock.Anything, "roomA", "u1").Return(models.Membership{}, assert.AnError).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms/roomA/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEditMessage(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	editor := new(messageEditorMock)
	router := setupMessageRouter(NewMessageHandler(nil, newMembershipChecker(memberships), editor, nil, zap.NewNop()))

	member(memberships, "roomA", models.MembershipActive)
	editor.On("Edit", mock.Anything, "u1", "roomA", int64(7), "fixed").
		Return(models.Message{ID: 7, RoomID: "roomA", SenderID: "u1", Content: "fixed", Status: models.StatusEdited}, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/rooms/roomA/messages/7", bytes.NewBufferString(`{"content":"fixed"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Message models.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.StatusEdited, resp.Message.Status)
	editor.AssertExpectations(t)
}

func TestEditMessageErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"empty", messaging.ErrEmptyContent, http.StatusBadRequest},
		{"not found", repositories.ErrMessageNotFound, http.StatusNotFound},
		{"wrong room", messaging.ErrWrongRoom, http.StatusNotFound},
		{"db", assert.AnError, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			memberships := new(mocks.MembershipRepositoryMock)
			editor := new(messageEditorMock)
			router := setupMessageRouter(NewMessageHandler(nil, newMembershipChecker(memberships), editor, nil, zap.NewNop()))

			member(memberships, "roomA", models.MembershipActive)
			editor.On("Edit", mock.Anything, "u1", "roomA", int64(7), " ").Return(models.Message{}, tc.err).Once()

			req := httptest.NewRequest(http.MethodPatch, "/rooms/roomA/messages/7", bytes.NewBufferString(`{"content":" "}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestEditMessageBadRequest(t *testing.T) {
	router := setupMessageRouter(NewMessageHandler(nil, newMembershipChecker(new(mocks.MembershipRepositoryMock)), new(messageEditorMock), nil, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPatch, "/rooms/roomA/messages/abc", bytes.NewBufferString(`{"content":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPatch, "/rooms/roomA/messages/7", bytes.NewBufferString(`{}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteMessage(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	editor := new(messageEditorMock)
	router := setupMessageRouter(NewMessageHandler(nil, newMembershipChecker(memberships), editor, nil, zap.NewNop()))

	member(memberships, "roomA", models.MembershipActive)
	editor.On("Delete", mock.Anything, "u1", "roomA", int64(7)).
		Return(models.Message{ID: 7, RoomID: "roomA", SenderID: "u1", Status: models.StatusDeleted}, nil).Once()

	req := httptest.NewRequest(http.MethodDelete, "/rooms/roomA/messages/7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	editor.AssertExpectations(t)
}

func TestDeleteMessageNotFound(t *testing.T) {
	memberships := new(mocks.MembershipRepositoryMock)
	editor := new(messageEditorMock)
	router := setupMessageRouter(NewMessageHandler(nil, newMembershipChecker(memberships), editor, nil, zap.NewNop()))

	member(memberships, "roomA", models.MembershipActive)
	editor.On("Delete", mock.Anything, "u1", "roomA", int64(7)).Return(models.Message{}, repositories.ErrMessageNotFound).Once()

	req := httptest.NewRequest(http.MethodDelete, "/rooms/roomA/messages/7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
