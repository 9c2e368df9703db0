package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-realtime/internal/broker"
	"chat-realtime/internal/models"
	"chat-realtime/internal/presence"
)

func newTestBroker(t *testing.T, nodeID string, bus broker.Bus, store presence.Store) *Broker {
	t.Helper()
	b := NewBroker(nodeID, NewHub(zap.NewNop()), bus, store, zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func newBrokerClient(b *Broker, userID string, rooms ...string) *Client {
	info := ConnInfo{ConnID: newConnID(), UserID: userID, ConnectedAt: time.Now()}
	return NewClient(info, rooms, time.Now(), b, ClientOptions{SendBuffer: 64}, zap.NewNop())
}

// waitFrame returns the next queued frame of the given type, skipping
// others. An empty type matches any frame.
func waitFrame(t *testing.T, c *Client, eventType string) models.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.send:
			var f models.Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			if eventType == "" || f.Type == eventType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return models.Frame{}
		}
	}
}

// waitPresence returns the next presence update about userID, skipping
// updates about other users, the observer's own included.
func waitPresence(t *testing.T, c *Client, userID string) models.PresenceUpdate {
	t.Helper()
	for {
		var update models.PresenceUpdate
		require.NoError(t, json.Unmarshal(waitFrame(t, c, models.EventPresenceUpdate).Data, &update))
		if update.UserID == userID {
			return update
		}
	}
}

func TestAdmitSendsRoomsInitAndAnnouncesFirstConnection(t *testing.T) {
	bus := broker.NewMemoryBus()
	store := presence.NewMemoryStore()
	nodeA := newTestBroker(t, "a", bus, store)
	nodeB := newTestBroker(t, "b", bus, store)
	ctx := context.Background()

	observer := newBrokerClient(nodeB, "observer")
	require.NoError(t, nodeB.Admit(ctx, observer))
	waitFrame(t, observer, models.EventRoomsInit)

	first := newBrokerClient(nodeA, "u1", "roomB", "roomA")
	require.NoError(t, nodeA.Admit(ctx, first))

	var init models.RoomsInit
	require.NoError(t, json.Unmarshal(waitFrame(t, first, models.EventRoomsInit).Data, &init))
	assert.Equal(t, models.RoomsInit{UserID: "u1", Rooms: []string{"roomA", "roomB"}}, init)

	assert.Equal(t, models.PresenceUpdate{UserID: "u1", Status: models.PresenceOnline}, waitPresence(t, observer, "u1"))

	// A second connection of the same user is not announced again.
	second := newBrokerClient(nodeB, "u1", "roomA")
	require.NoError(t, nodeB.Admit(ctx, second))
	require.NoError(t, nodeB.PublishToUser(ctx, "observer", models.RoomJoined{RoomID: "marker"}))
	for {
		f := waitFrame(t, observer, "")
		if f.Type == models.EventRoomJoined {
			break
		}
		require.NotEqual(t, models.EventPresenceUpdate, f.Type, "duplicate online announcement")
	}

	members, err := store.RoomMembers(ctx, "roomA")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

func TestReleaseOnlyLastConnectionGoesOffline(t *testing.T) {
	bus := broker.NewMemoryBus()
	store := presence.NewMemoryStore()
	nodeA := newTestBroker(t, "a", bus, store)
	nodeB := newTestBroker(t, "b", bus, store)
	ctx := context.Background()

	observer := newBrokerClient(nodeA, "observer")
	require.NoError(t, nodeA.Admit(ctx, observer))

	c1 := newBrokerClient(nodeA, "u1", "roomA", "roomB")
	c2 := newBrokerClient(nodeB, "u1", "roomA")
	require.NoError(t, nodeA.Admit(ctx, c1))
	require.NoError(t, nodeB.Admit(ctx, c2))

	nodeA.Release(ctx, c1)
	online, err := store.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	rooms, err := store.RoomsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"roomA"}, rooms)

	nodeB.Release(ctx, c2)
	nodeB.Release(ctx, c2)
	online, err = store.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
	for _, room := range []string{"roomA", "roomB"} {
		members, err := store.RoomMembers(ctx, room)
		require.NoError(t, err)
		assert.Empty(t, members)
	}

	for {
		if update := waitPresence(t, observer, "u1"); update.Status == models.PresenceOffline {
			break
		}
	}
}

func TestRoomEventsReachEveryNode(t *testing.T) {
	bus := broker.NewMemoryBus()
	store := presence.NewMemoryStore()
	nodes := []*Broker{
		newTestBroker(t, "a", bus, store),
		newTestBroker(t, "b", bus, store),
		newTestBroker(t, "c", bus, store),
	}
	ctx := context.Background()

	inRoom := newBrokerClient(nodes[2], "u3", "roomA")
	notInRoom := newBrokerClient(nodes[1], "u2", "roomB")
	require.NoError(t, nodes[2].Admit(ctx, inRoom))
	require.NoError(t, nodes[1].Admit(ctx, notInRoom))

	msg := models.Message{ID: 7, RoomID: "roomA", SenderID: "u1", Content: "hi", Status: models.StatusSent}
	require.NoError(t, nodes[0].PublishToRoom(ctx, "roomA", models.MessageReceived{Message: msg}))
	require.NoError(t, nodes[0].PublishToRoom(ctx, "roomB", models.RoomJoined{RoomID: "marker"}))

	var got models.MessageReceived
	require.NoError(t, json.Unmarshal(waitFrame(t, inRoom, models.EventMessageReceived).Data, &got))
	assert.Equal(t, int64(7), got.ID)

	// roomB's marker arrives after roomA's message would have.
	for {
		f := waitFrame(t, notInRoom, "")
		if f.Type == models.EventRoomJoined {
			break
		}
		require.NotEqual(t, models.EventMessageReceived, f.Type)
	}
}

func TestJoinAndLeaveUpdateRosterAndSubscription(t *testing.T) {
	bus := broker.NewMemoryBus()
	store := presence.NewMemoryStore()
	node := newTestBroker(t, "a", bus, store)
	ctx := context.Background()

	c := newBrokerClient(node, "u1", "roomA")
	require.NoError(t, node.Admit(ctx, c))

	require.NoError(t, node.Join(ctx, c, "roomC"))
	require.NoError(t, node.Join(ctx, c, "roomC"))
	assert.True(t, c.HasRoom("roomC"))
	assert.Equal(t, 1, node.Hub().RoomSize("roomC"))
	in, err := store.IsOnlineInRoom(ctx, "u1", "roomC")
	require.NoError(t, err)
	assert.True(t, in)

	require.NoError(t, node.Leave(ctx, c, "roomC"))
	require.NoError(t, node.Leave(ctx, c, "roomC"))
	assert.False(t, c.HasRoom("roomC"))
	assert.Zero(t, node.Hub().RoomSize("roomC"))
	in, err = store.IsOnlineInRoom(ctx, "u1", "roomC")
	require.NoError(t, err)
	assert.False(t, in)
}

type failingStore struct {
	presence.Store
	failJoin bool
}

func (s *failingStore) Connect(ctx context.Context, userID string) (bool, error) {
	if !s.failJoin {
		return false, presence.ErrUnavailable
	}
	return s.Store.Connect(ctx, userID)
}

func (s *failingStore) JoinRooms(ctx context.Context, userID string, roomIDs []string) error {
	if s.failJoin {
		return presence.ErrUnavailable
	}
	return s.Store.JoinRooms(ctx, userID, roomIDs)
}

func TestAdmitRollsBackOnPresenceFailure(t *testing.T) {
	ctx := context.Background()

	for _, failJoin := range []bool{false, true} {
		mem := presence.NewMemoryStore()
		node := newTestBroker(t, "a", broker.NewMemoryBus(), &failingStore{Store: mem, failJoin: failJoin})
		c := newBrokerClient(node, "u1", "roomA")

		err := node.Admit(ctx, c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, presence.ErrUnavailable))
		assert.Zero(t, node.Hub().Len())

		online, err := mem.IsOnline(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, online)
	}
}
