package ws

import (
	"sync"

	"go.uber.org/zap"

	"chat-realtime/internal/observability"
)

type clientSet map[*Client]struct{}

// Hub indexes the connections attached to this process by user and by
// room. It only delivers locally; cross-process fan-out goes through the
// Broker.
type Hub struct {
	mu      sync.RWMutex
	clients clientSet
	users   map[string]clientSet
	rooms   map[string]clientSet
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(clientSet),
		users:   make(map[string]clientSet),
		rooms:   make(map[string]clientSet),
		logger:  logger,
	}
}

// Register adds a client to the user index.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	add(h.users, c.UserID(), c)
}

// Unregister removes a client from every index. It reports false when the
// client was not registered.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	remove(h.users, c.UserID(), c)
	for roomID := range h.rooms {
		remove(h.rooms, roomID, c)
	}
	return true
}

func (h *Hub) Subscribe(c *Client, roomIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, roomID := range roomIDs {
		add(h.rooms, roomID, c)
	}
}

func (h *Hub) Unsubscribe(c *Client, roomIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, roomID := range roomIDs {
		remove(h.rooms, roomID, c)
	}
}

func (h *Hub) DeliverToRoom(roomID string, frame []byte) int {
	h.mu.RLock()
	targets := snapshot(h.rooms[roomID])
	h.mu.RUnlock()
	return h.deliver(targets, frame)
}

func (h *Hub) DeliverToUser(userID string, frame []byte) int {
	h.mu.RLock()
	targets := snapshot(h.users[userID])
	h.mu.RUnlock()
	return h.deliver(targets, frame)
}

func (h *Hub) DeliverToAll(frame []byte) int {
	h.mu.RLock()
	targets := snapshot(h.clients)
	h.mu.RUnlock()
	return h.deliver(targets, frame)
}

// deliver never blocks on a slow socket: a client whose buffer is full is
// closed and cleans itself up.
func (h *Hub) deliver(targets []*Client, frame []byte) int {
	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			continue
		}
		if c.closed() {
			continue
		}
		h.logger.Warn("dropping slow websocket client", zap.String("conn_id", c.ID()), zap.String("user_id", c.UserID()))
		observability.IncWSEvent("slow_consumer")
		c.Close()
	}
	return delivered
}

// Clients returns every registered client.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.clients)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// CloseAll closes every client; each one releases itself from its read pump.
func (h *Hub) CloseAll() {
	for _, c := range h.Clients() {
		c.Close()
	}
}

func add(index map[string]clientSet, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(clientSet)
		index[key] = set
	}
	set[c] = struct{}{}
}

func remove(index map[string]clientSet, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}

func snapshot(set clientSet) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
