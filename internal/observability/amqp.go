package observability

import (
	"context"
	"sync"
)

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defaultPublisher = publisher
	publisherMu.Unlock()
}

// PublishEvent sends a lifecycle event through the configured publisher.
// Without a publisher it does nothing.
func PublishEvent(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	err := publisher.Publish(ctx, routingKey, event, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
