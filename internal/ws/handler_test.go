package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/broker"
	"chat-realtime/internal/messaging"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/presence"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testNode struct {
	name    string
	broker  *Broker
	handler *Handler
	server  *httptest.Server
}

// testCluster is a set of processes sharing one bus, one presence store and
// one database, each serving /ws on its own listener.
type testCluster struct {
	bus      *broker.MemoryBus
	store    *presence.MemoryStore
	members  *mocks.MemoryMembershipRepo
	messages *mocks.MemoryMessageRepo
	verifier *auth.TokenVerifier
	nodes    []*testNode
}

func newTestCluster(t *testing.T, n int, cfg HandlerConfig) *testCluster {
	t.Helper()
	cl := &testCluster{
		bus:      broker.NewMemoryBus(),
		store:    presence.NewMemoryStore(),
		members:  mocks.NewMemoryMembershipRepo(),
		messages: mocks.NewMemoryMessageRepo(),
		verifier: auth.NewTokenVerifier(testSecret),
	}
	t.Cleanup(func() { _ = cl.bus.Close() })
	authenticator := auth.NewAuthenticator(cl.verifier, cl.members, time.Second)
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 8192
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}

	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		logger := zap.NewNop()
		b := NewBroker(name, NewHub(logger), cl.bus, cl.store, logger)
		require.NoError(t, b.Start(context.Background()))

		svc := messaging.NewService(cl.messages, b, nil, time.Second, int(cfg.MaxMessageBytes), logger)
		nodeCfg := cfg
		nodeCfg.NodeID = name
		h := NewHandler(nodeCfg, authenticator, b, svc, nil, logger)

		engine := gin.New()
		engine.GET("/ws", h.Handle)
		engine.GET("/node", func(c *gin.Context) { c.String(http.StatusOK, name) })
		srv := httptest.NewServer(engine)

		node := &testNode{name: name, broker: b, handler: h, server: srv}
		cl.nodes = append(cl.nodes, node)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = node.handler.Shutdown(ctx)
			node.server.Close()
			_ = node.broker.Stop()
		})
	}
	return cl
}

func (cl *testCluster) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := cl.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func wsURL(base, token string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws?token=" + token
}

func dial(t *testing.T, base, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(base, token), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(models.Frame{Type: eventType, Data: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)
		var f models.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == eventType {
			return f
		}
	}
}

func decode[T any](t *testing.T, f models.Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func newRequestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://chat.example.com/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{})
	cl.members.AddUser("u1")
	base := cl.nodes[0].server.URL

	cases := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong secret", token: func() string {
			tok, _ := auth.NewTokenVerifier("other").Issue("u1", time.Hour)
			return tok
		}()},
		{name: "unknown subject", token: cl.token(t, "ghost")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(base, tc.token), nil)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	online, err := cl.store.IsOnline(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, online)
	count, err := cl.store.OnlineCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandshakeRejectsDisallowedOrigin(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{AllowedOrigins: []string{"https://chat.example.com"}})
	cl.members.AddUser("u1")

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(cl.nodes[0].server.URL, cl.token(t, "u1")), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://chat.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(cl.nodes[0].server.URL, cl.token(t, "u1")), header)
	require.NoError(t, err)
	conn.Close()
}

func TestHandshakeAdmitsAndReleasesOnClose(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{})
	cl.members.Set("u1", "roomB", models.MembershipActive)
	cl.members.Set("u1", "roomA", models.MembershipOwner)
	cl.members.Set("u1", "roomC", models.MembershipInvited)
	ctx := context.Background()

	conn := dial(t, cl.nodes[0].server.URL, cl.token(t, "u1"))
	init := decode[models.RoomsInit](t, readUntil(t, conn, models.EventRoomsInit))
	assert.Equal(t, "u1", init.UserID)
	assert.Equal(t, []string{"roomA", "roomB"}, init.Rooms)

	online, err := cl.store.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	members, err := cl.store.RoomMembers(ctx, "roomA")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		online, _ := cl.store.IsOnline(ctx, "u1")
		rooms, _ := cl.store.RoomsForUser(ctx, "u1")
		return !online && len(rooms) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, cl.nodes[0].broker.Hub().Len())
}

func TestRoomJoinAndLeave(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{})
	cl.members.Set("u1", "roomA", models.MembershipActive)
	ctx := context.Background()

	conn := dial(t, cl.nodes[0].server.URL, cl.token(t, "u1"))
	readUntil(t, conn, models.EventRoomsInit)

	writeFrame(t, conn, models.EventRoomJoin, models.JoinRoom{RoomID: "roomB"})
	roomErr := decode[models.RoomError](t, readUntil(t, conn, models.EventRoomError))
	assert.Equal(t, models.RoomError{RoomID: "roomB", Error: "not a member of this room"}, roomErr)

	cl.members.Set("u1", "roomB", models.MembershipActive)
	writeFrame(t, conn, models.EventRoomJoin, "roomB")
	joined := decode[models.RoomJoined](t, readUntil(t, conn, models.EventRoomJoined))
	assert.Equal(t, "roomB", joined.RoomID)
	inRoom, err := cl.store.IsOnlineInRoom(ctx, "u1", "roomB")
	require.NoError(t, err)
	assert.True(t, inRoom)

	writeFrame(t, conn, models.EventRoomLeave, models.LeaveRoom{RoomID: "roomA"})
	left := decode[models.RoomLeft](t, readUntil(t, conn, models.EventRoomLeft))
	assert.Equal(t, "roomA", left.RoomID)
	inRoom, err = cl.store.IsOnlineInRoom(ctx, "u1", "roomA")
	require.NoError(t, err)
	assert.False(t, inRoom)

	// Having left, the connection may no longer write into the room.
	writeFrame(t, conn, models.EventMessageSend, models.SendMessage{RoomID: "roomA", Content: "hi", ClientMessageID: "c1"})
	msgErr := decode[models.MessageError](t, readUntil(t, conn, models.EventMessageError))
	assert.Equal(t, "c1", msgErr.ClientMessageID)
	assert.Zero(t, cl.messages.Count("roomA"))
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{})
	cl.members.Set("u1", "roomA", models.MembershipActive)

	conn := dial(t, cl.nodes[0].server.URL, cl.token(t, "u1"))
	readUntil(t, conn, models.EventRoomsInit)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	writeFrame(t, conn, models.EventMessageSend, models.SendMessage{RoomID: "roomA", Content: "still here", ClientMessageID: "c1"})

	ack := decode[models.MessageAck](t, readUntil(t, conn, models.EventMessageAck))
	assert.Equal(t, "c1", ack.ClientMessageID)
}

func TestOversizeMessageGetsErrorAndKeepsSocket(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{MaxMessageBytes: 8192})
	cl.members.Set("u1", "roomA", models.MembershipActive)

	conn := dial(t, cl.nodes[0].server.URL, cl.token(t, "u1"))
	readUntil(t, conn, models.EventRoomsInit)

	writeFrame(t, conn, models.EventMessageSend, models.SendMessage{RoomID: "roomA", Content: strings.Repeat("x", 9000), ClientMessageID: "big"})
	msgErr := decode[models.MessageError](t, readUntil(t, conn, models.EventMessageError))
	assert.Equal(t, "big", msgErr.ClientMessageID)
	assert.Equal(t, "message too large", msgErr.Error)

	writeFrame(t, conn, models.EventMessageSend, models.SendMessage{RoomID: "roomA", Content: "small", ClientMessageID: "c2"})
	ack := decode[models.MessageAck](t, readUntil(t, conn, models.EventMessageAck))
	assert.Equal(t, "c2", ack.ClientMessageID)
	assert.Equal(t, 1, cl.messages.Count("roomA"))
}

func TestReadLimitLeavesRoomForEnvelope(t *testing.T) {
	assert.Greater(t, readLimit(8192), int64(2*8192))
}

func TestMembershipTTLRevokesRooms(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{MembershipTTL: 20 * time.Millisecond})
	cl.members.Set("u1", "roomA", models.MembershipActive)
	cl.members.Set("u1", "roomB", models.MembershipActive)

	conn := dial(t, cl.nodes[0].server.URL, cl.token(t, "u1"))
	readUntil(t, conn, models.EventRoomsInit)

	cl.members.Remove("u1", "roomA")
	time.Sleep(50 * time.Millisecond)

	writeFrame(t, conn, models.EventMessageSend, models.SendMessage{RoomID: "roomA", Content: "revoked", ClientMessageID: "c1"})
	left := decode[models.RoomLeft](t, readUntil(t, conn, models.EventRoomLeft))
	assert.Equal(t, "roomA", left.RoomID)
	msgErr := decode[models.MessageError](t, readUntil(t, conn, models.EventMessageError))
	assert.Equal(t, "not a member of this room", msgErr.Error)
	assert.Zero(t, cl.messages.Count("roomA"))

	writeFrame(t, conn, models.EventMessageSend, models.SendMessage{RoomID: "roomB", Content: "kept", ClientMessageID: "c2"})
	ack := decode[models.MessageAck](t, readUntil(t, conn, models.EventMessageAck))
	assert.Equal(t, "c2", ack.ClientMessageID)
}

func TestShutdownClosesConnections(t *testing.T) {
	cl := newTestCluster(t, 1, HandlerConfig{})
	cl.members.AddUser("u1")

	conn := dial(t, cl.nodes[0].server.URL, cl.token(t, "u1"))
	readUntil(t, conn, models.EventRoomsInit)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cl.nodes[0].handler.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	online, err := cl.store.IsOnline(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, online)
}
