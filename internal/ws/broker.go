package ws

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chat-realtime/internal/broker"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
)

// Broker ties local connections to shared presence and to the process-wide
// bus. Every room, user and global event is published on the bus and
// delivered to local sockets only when it comes back, on this process as on
// every other one.
type Broker struct {
	nodeID   string
	hub      *Hub
	bus      broker.Bus
	presence presence.Store
	logger   *zap.Logger

	mu  sync.Mutex
	sub broker.Subscription
}

func NewBroker(nodeID string, hub *Hub, bus broker.Bus, store presence.Store, logger *zap.Logger) *Broker {
	return &Broker{
		nodeID:   nodeID,
		hub:      hub,
		bus:      bus,
		presence: store,
		logger:   logger,
	}
}

func (b *Broker) Hub() *Hub {
	return b.hub
}

// Start subscribes to the bus. It returns once the subscription is live.
func (b *Broker) Start(ctx context.Context) error {
	sub, err := b.bus.Subscribe(ctx, b.deliver)
	if err != nil {
		observability.IncBusError("subscribe")
		return fmt.Errorf("subscribe bus: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.logger.Info("broker started", zap.String("node_id", b.nodeID))
	return nil
}

func (b *Broker) Stop() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (b *Broker) deliver(env broker.Envelope) {
	switch env.Scope {
	case broker.ScopeRoom:
		b.hub.DeliverToRoom(env.Target, env.Frame)
	case broker.ScopeUser:
		b.hub.DeliverToUser(env.Target, env.Frame)
	case broker.ScopeAll:
		b.hub.DeliverToAll(env.Frame)
	default:
		b.logger.Warn("unknown bus scope", zap.String("scope", string(env.Scope)))
	}
}

// Admit moves an authenticated client into service: presence connect, a
// batched roster join for its snapshot, local subscription, rooms:init, and
// an online broadcast when this is the user's first connection anywhere.
// On a presence failure nothing is left behind.
func (b *Broker) Admit(ctx context.Context, c *Client) error {
	userID := c.UserID()
	rooms := c.Rooms()

	first, err := b.presence.Connect(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence connect: %w", err)
	}
	if err := b.presence.JoinRooms(ctx, userID, rooms); err != nil {
		if _, derr := b.presence.Disconnect(ctx, userID); derr != nil {
			b.logger.Error("presence rollback failed", zap.String("user_id", userID), zap.Error(derr))
		}
		return fmt.Errorf("presence join rooms: %w", err)
	}

	b.hub.Register(c)
	b.hub.Subscribe(c, rooms...)
	c.Send(models.RoomsInit{UserID: userID, Rooms: sortedRooms(rooms)})

	if first {
		if err := b.PublishToAll(ctx, models.PresenceUpdate{UserID: userID, Status: models.PresenceOnline}); err != nil {
			b.logger.Warn("online broadcast failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// Release undoes Admit. Only the user's last connection clears their
// rosters and broadcasts offline. Calling it twice is a no-op.
func (b *Broker) Release(ctx context.Context, c *Client) {
	if !b.hub.Unregister(c) {
		return
	}
	userID := c.UserID()

	if err := b.presence.LeaveRooms(ctx, userID, c.Rooms()); err != nil {
		b.logger.Warn("presence leave rooms failed", zap.String("user_id", userID), zap.Error(err))
	}

	last, err := b.presence.Disconnect(ctx, userID)
	if err != nil {
		b.logger.Error("presence disconnect failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !last {
		return
	}

	if _, err := b.presence.ClearRooms(ctx, userID); err != nil {
		b.logger.Warn("presence clear rooms failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err := b.PublishToAll(ctx, models.PresenceUpdate{UserID: userID, Status: models.PresenceOffline}); err != nil {
		b.logger.Warn("offline broadcast failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Join subscribes the client to a room it is authorized for. The roster
// and the local subscription are both in place before the caller acks.
func (b *Broker) Join(ctx context.Context, c *Client, roomID string) error {
	if c.HasRoom(roomID) {
		return nil
	}
	if err := b.presence.JoinRoom(ctx, c.UserID(), roomID); err != nil {
		return fmt.Errorf("presence join room: %w", err)
	}
	c.addRoom(roomID)
	b.hub.Subscribe(c, roomID)
	return nil
}

// Leave drops the room from the client's authorized set and subscription,
// then from the shared roster.
func (b *Broker) Leave(ctx context.Context, c *Client, roomID string) error {
	if !c.removeRoom(roomID) {
		return nil
	}
	b.hub.Unsubscribe(c, roomID)
	if err := b.presence.LeaveRoom(ctx, c.UserID(), roomID); err != nil {
		return fmt.Errorf("presence leave room: %w", err)
	}
	return nil
}

func (b *Broker) PublishToRoom(ctx context.Context, roomID string, evt models.ServerEvent) error {
	return b.publish(ctx, broker.ScopeRoom, roomID, evt)
}

// PublishToUser reaches every connection of the user on every node. Acks and
// errors do not use it; they answer the one sending connection directly.
func (b *Broker) PublishToUser(ctx context.Context, userID string, evt models.ServerEvent) error {
	return b.publish(ctx, broker.ScopeUser, userID, evt)
}

func (b *Broker) PublishToAll(ctx context.Context, evt models.ServerEvent) error {
	return b.publish(ctx, broker.ScopeAll, "", evt)
}

func (b *Broker) publish(ctx context.Context, scope broker.Scope, target string, evt models.ServerEvent) error {
	frame, err := models.EncodeServerEvent(evt)
	if err != nil {
		return err
	}
	err = b.bus.Publish(ctx, broker.Envelope{Scope: scope, Target: target, Origin: b.nodeID, Frame: frame})
	if err != nil {
		observability.IncBusError("publish")
		return fmt.Errorf("publish %s: %w", evt.EventType(), err)
	}
	return nil
}
