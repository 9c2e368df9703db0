package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-realtime/internal/broker"
	"chat-realtime/internal/observability"
)

// Bus fans envelopes out through a topic exchange. Every subscriber gets an
// exclusive auto-delete queue bound to all routing keys.
//
// The bus does not reconnect. Losing the connection or a consumer is
// reported once on Failed, and the process is expected to stop.
type Bus struct {
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	exchange string
	logger   *zap.Logger

	closing  chan struct{}
	stopOnce sync.Once
	failed   chan error
	failOnce sync.Once
}

func NewBus(amqpURL, exchange string, logger *zap.Logger) (*Bus, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", false, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}

	b := newBus(exchange, logger)
	b.conn = conn
	b.pubCh = ch
	go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	logger.Info("amqp bus connected", zap.String("exchange", exchange))
	return b, nil
}

func newBus(exchange string, logger *zap.Logger) *Bus {
	return &Bus{
		exchange: exchange,
		logger:   logger,
		closing:  make(chan struct{}),
		failed:   make(chan error, 1),
	}
}

// Failed delivers the first unexpected loss of the connection or of a
// consumer.
func (b *Bus) Failed() <-chan error {
	return b.failed
}

func (b *Bus) fail(op string, err error) {
	select {
	case <-b.closing:
		return
	default:
	}
	observability.IncBusError(op)
	b.logger.Error("amqp bus lost", zap.String("op", op), zap.Error(err))
	b.failOnce.Do(func() { b.failed <- err })
}

// watch waits on a NotifyClose channel. A graceful close only closes it.
func (b *Bus) watch(closed <-chan *amqp.Error) {
	if reason, ok := <-closed; ok && reason != nil {
		b.fail("connection", fmt.Errorf("amqp connection closed: %w", reason))
	}
}

// RoutingKey maps an envelope onto a topic routing key.
func RoutingKey(env broker.Envelope) string {
	if env.Scope == broker.ScopeAll {
		return string(broker.ScopeAll)
	}
	return string(env.Scope) + "." + env.Target
}

func (b *Bus) Publish(ctx context.Context, env broker.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pubCh.PublishWithContext(ctx, b.exchange, RoutingKey(env), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (b *Bus) Subscribe(ctx context.Context, handler broker.Handler) (broker.Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue bind: %w", err)
	}

	// The consumer lives until the subscription is closed, not until ctx ends.
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	sub := &subscription{ch: ch, closing: make(chan struct{}), done: make(chan struct{})}
	go b.consume(sub, deliveries, handler)

	b.logger.Debug("amqp bus subscribed", zap.String("queue", q.Name))
	return sub, nil
}

// consume runs until deliveries closes. Unless the subscription or the bus
// was closed, that means the consumer is gone for good.
func (b *Bus) consume(sub *subscription, deliveries <-chan amqp.Delivery, handler broker.Handler) {
	defer close(sub.done)
	for d := range deliveries {
		var env broker.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			b.logger.Warn("dropping malformed bus payload", zap.String("routing_key", d.RoutingKey), zap.Error(err))
			continue
		}
		handler(env)
	}

	select {
	case <-sub.closing:
	default:
		b.fail("subscribe", errors.New("amqp bus consumer stopped"))
	}
}

func (b *Bus) Close() error {
	b.stopOnce.Do(func() { close(b.closing) })
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type subscription struct {
	ch      *amqp.Channel
	once    sync.Once
	closing chan struct{}
	done    chan struct{}
	err     error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.closing)
		if s.ch != nil {
			s.err = s.ch.Close()
		}
		<-s.done
	})
	return s.err
}

var _ broker.Bus = (*Bus)(nil)
