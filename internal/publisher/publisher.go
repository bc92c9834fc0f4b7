package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/order-cqrs/internal/domain/order"
	"github.com/example/order-cqrs/internal/infrastructure/store"
)

// ErrPublish is returned when an event could not be delivered to the log
// within the retry budget. The event store is then ahead of the publisher;
// the outbox sweep recovers the gap.
var ErrPublish = errors.New("publish failed")

// DeadLetterTopic receives messages the projector cannot decode.
const DeadLetterTopic = "orders.deadletter"

// TopicFor maps an event kind to its topic.
func TopicFor(kind string) string {
	return "orders." + kind
}

// Topics returns every order event topic the projector subscribes to.
func Topics() []string {
	return []string{
		TopicFor(order.KindCreated),
		TopicFor(order.KindPaid),
		TopicFor(order.KindShipped),
		TopicFor(order.KindCancelled),
	}
}

// Sink is the partitioned log the publisher writes to.
type Sink interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Publisher delivers committed events to the partitioned log, one topic per
// event kind, keyed by aggregate ID. Delivery is at-least-once: transient
// errors are retried up to a bounded policy, and successfully delivered
// versions are recorded as the per-aggregate high-water mark.
type Publisher struct {
	sink        Sink
	marks       store.HighWaterMarkStore // nil disables mark tracking
	maxAttempts int
	baseBackoff time.Duration
}

func New(sink Sink, marks store.HighWaterMarkStore) *Publisher {
	return &Publisher{
		sink:        sink,
		marks:       marks,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
	}
}

// Publish delivers the events in order. On a hard failure the error is
// returned immediately; earlier events of the batch remain published, which
// the projector's idempotence tolerates.
func (p *Publisher) Publish(ctx context.Context, events []store.Event) error {
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("%w: failed to encode event %s v%d: %v", ErrPublish, event.AggregateID, event.Version, err)
		}

		if err := p.publishWithRetry(ctx, TopicFor(event.Kind), event.AggregateID, value); err != nil {
			return fmt.Errorf("%w: event %s v%d: %v", ErrPublish, event.AggregateID, event.Version, err)
		}

		if p.marks != nil {
			if err := p.marks.MarkPublished(ctx, event.AggregateID, event.Version); err != nil {
				// The sweep will republish and the projector dedupes.
				log.Printf("[Publisher] Failed to record high-water mark for %s v%d: %v",
					event.AggregateID, event.Version, err)
			}
		}
	}
	return nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, topic, key string, value []byte) error {
	backoff := p.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.sink.Publish(ctx, topic, key, value)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < p.maxAttempts {
			log.Printf("[Publisher] Attempt %d/%d to %s failed: %v", attempt, p.maxAttempts, topic, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return lastErr
}
