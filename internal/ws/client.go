package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-realtime/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// MembershipSource answers fresh membership questions for a user.
type MembershipSource interface {
	ActiveRooms(ctx context.Context, userID string) ([]string, error)
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
}

// Client is one authenticated websocket connection. Its room set is both
// the authorization set for writes and the local subscription set.
type Client struct {
	info   ConnInfo
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	broker        *Broker
	memberships   MembershipSource
	membershipTTL time.Duration

	mu       sync.Mutex
	rooms    map[string]struct{}
	loadedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type ClientOptions struct {
	SendBuffer    int
	MembershipTTL time.Duration
	Memberships   MembershipSource
}

// NewClient builds a client from a handshake snapshot. The websocket is
// attached later with Attach, so admission can happen before the upgrade.
func NewClient(info ConnInfo, rooms []string, loadedAt time.Time, broker *Broker, opts ClientOptions, logger *zap.Logger) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	set := make(map[string]struct{}, len(rooms))
	for _, roomID := range rooms {
		set[roomID] = struct{}{}
	}
	return &Client{
		info:          info,
		send:          make(chan []byte, opts.SendBuffer),
		logger:        logger.With(zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID)),
		broker:        broker,
		memberships:   opts.Memberships,
		membershipTTL: opts.MembershipTTL,
		rooms:         set,
		loadedAt:      loadedAt,
		done:          make(chan struct{}),
	}
}

func (c *Client) ID() string                  { return c.info.ConnID }
func (c *Client) UserID() string              { return c.info.UserID }
func (c *Client) Info() ConnInfo              { return c.info }
func (c *Client) Attach(conn *websocket.Conn) { c.conn = conn }

// Rooms returns the rooms this connection is subscribed to, in no order.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

func (c *Client) HasRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Client) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Client) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// Authorize checks roomID against the connection's room set. With a
// membership TTL, a stale set is first intersected with a fresh lookup and
// revoked rooms are left.
func (c *Client) Authorize(ctx context.Context, roomID string) (bool, error) {
	if c.membershipTTL > 0 && c.memberships != nil {
		c.mu.Lock()
		stale := time.Since(c.loadedAt) > c.membershipTTL
		c.mu.Unlock()
		if stale {
			if err := c.refresh(ctx); err != nil {
				return false, err
			}
		}
	}
	return c.HasRoom(roomID), nil
}

func (c *Client) refresh(ctx context.Context) error {
	fresh, err := c.memberships.ActiveRooms(ctx, c.UserID())
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(fresh))
	for _, roomID := range fresh {
		keep[roomID] = struct{}{}
	}

	for _, roomID := range c.Rooms() {
		if _, ok := keep[roomID]; ok {
			continue
		}
		c.logger.Info("membership revoked, leaving room", zap.String("room_id", roomID))
		if err := c.broker.Leave(ctx, c, roomID); err != nil {
			return err
		}
		c.Send(models.RoomLeft{RoomID: roomID})
	}

	c.mu.Lock()
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Send queues an event for this connection only.
func (c *Client) Send(evt models.ServerEvent) bool {
	frame, err := models.EncodeServerEvent(evt)
	if err != nil {
		c.logger.Error("encode server event failed", zap.String("event", evt.EventType()), zap.Error(err))
		return false
	}
	if !c.enqueue(frame) {
		if c.closed() {
			return false
		}
		c.logger.Warn("send buffer full, closing connection")
		c.Close()
		return false
	}
	return true
}

// enqueue never blocks; false means the buffer is full or the client is
// closed.
func (c *Client) enqueue(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and drops the
// socket. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readPump(ctx context.Context, limit int64, dispatch func(context.Context, *Client, []byte)) error {
	c.conn.SetReadLimit(limit)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		dispatch(ctx, c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before Close.
func (c *Client) drain() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("websocket write failed", zap.Error(err))
		}
		return false
	}
	return true
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
