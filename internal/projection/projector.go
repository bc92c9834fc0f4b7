package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-cqrs/internal/domain/order"
	"github.com/example/order-cqrs/internal/infrastructure/store"
	"github.com/example/order-cqrs/internal/publisher"
	"github.com/example/order-cqrs/internal/readmodel"
)

// DefaultMaxParked bounds the per-aggregate holding buffer for events that
// arrived ahead of their predecessor. Overflow fails the consumer hard.
const DefaultMaxParked = 128

// errPoison marks a message whose payload cannot be decoded. It is routed
// to the dead-letter topic and its offset is committed.
var errPoison = errors.New("poison message")

// EventSource is the consumer side of the partitioned log. Commit must be
// called only after the message's effects are durable in the read model.
type EventSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// DeadLetterSink receives undecodable messages.
type DeadLetterSink interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type parkedEvent struct {
	event store.Event
	msg   kafka.Message
}

// Projector tails the orders.* topics and maintains the read model.
// Ordering is enforced by (aggregate_id, version), never by topic: the four
// kinds flow on distinct topics, so per-topic order is not sufficient.
//
//   - version <= last applied: duplicate, ignore and commit
//   - version == last applied + 1: apply in one transaction, then commit
//   - version >  last applied + 1: park until the predecessor arrives;
//     the offset stays uncommitted
type Projector struct {
	readStore  store.ReadStore
	deadLetter DeadLetterSink
	maxParked  int
	parked     map[string][]parkedEvent
}

func NewProjector(readStore store.ReadStore, deadLetter DeadLetterSink) *Projector {
	return &Projector{
		readStore:  readStore,
		deadLetter: deadLetter,
		maxParked:  DefaultMaxParked,
		parked:     make(map[string][]parkedEvent),
	}
}

// Run consumes until the context is cancelled or an unrecoverable error
// (parked-buffer overflow) occurs.
func (p *Projector) Run(ctx context.Context, src EventSource) error {
	backoff := 100 * time.Millisecond
	for {
		msg, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Projector] Error fetching message, retrying in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			continue
		}
		backoff = 100 * time.Millisecond

		if err := p.HandleMessage(ctx, src, msg); err != nil {
			return err
		}
	}
}

// HandleMessage processes one log message. A returned error is fatal to the
// consumer loop; transient read-model failures are retried internally
// without acknowledging the offset.
func (p *Projector) HandleMessage(ctx context.Context, src EventSource, msg kafka.Message) error {
	event, err := decodeEnvelope(msg)
	if err != nil {
		return p.quarantine(ctx, src, msg, err)
	}

	last, err := p.lastApplied(ctx, event.AggregateID)
	if err != nil {
		return err
	}

	switch {
	case event.Version <= last:
		// Duplicate delivery; the effect is already durable.
		p.commit(ctx, src, msg)
		return nil

	case event.Version == last+1:
		if err := p.applyWithRetry(ctx, event); err != nil {
			if errors.Is(err, errPoison) {
				return p.quarantine(ctx, src, msg, err)
			}
			return err
		}
		p.commit(ctx, src, msg)
		return p.drain(ctx, src, event.AggregateID, event.Version)

	default:
		return p.park(event, msg)
	}
}

// park stashes an event that outran its predecessor. Cross-topic
// interleaving makes this routine for Paid/Shipped/Cancelled arriving
// before orders.created.
func (p *Projector) park(event store.Event, msg kafka.Message) error {
	queue := p.parked[event.AggregateID]
	for _, pe := range queue {
		if pe.event.Version == event.Version {
			return nil // already holding this version
		}
	}
	if len(queue) >= p.maxParked {
		return fmt.Errorf("parked buffer overflow for aggregate %s (%d events waiting for version %d)",
			event.AggregateID, len(queue), queue[0].event.Version)
	}

	queue = append(queue, parkedEvent{event: event, msg: msg})
	sort.Slice(queue, func(i, j int) bool { return queue[i].event.Version < queue[j].event.Version })
	p.parked[event.AggregateID] = queue
	log.Printf("[Projector] Parked %s v%d for order %s (%d waiting)",
		event.Kind, event.Version, event.AggregateID, len(queue))
	return nil
}

// drain applies parked successors now that version last is in the read model.
func (p *Projector) drain(ctx context.Context, src EventSource, aggregateID string, last int) error {
	queue := p.parked[aggregateID]
	for len(queue) > 0 && queue[0].event.Version <= last+1 {
		pe := queue[0]
		queue = queue[1:]
		if pe.event.Version <= last {
			p.commit(ctx, src, pe.msg)
			continue
		}

		if err := p.applyWithRetry(ctx, pe.event); err != nil {
			if errors.Is(err, errPoison) {
				if qerr := p.quarantine(ctx, src, pe.msg, err); qerr != nil {
					return qerr
				}
				// The gap at this version is now permanent; later parked
				// events stay parked until an operator intervenes.
				break
			}
			return err
		}
		p.commit(ctx, src, pe.msg)
		last = pe.event.Version
	}

	if len(queue) == 0 {
		delete(p.parked, aggregateID)
	} else {
		p.parked[aggregateID] = queue
	}
	return nil
}

// applyWithRetry applies one event in a single read-model transaction,
// retrying transient store errors with backoff and without acknowledging
// the offset. Undecodable payloads surface as errPoison.
func (p *Projector) applyWithRetry(ctx context.Context, event store.Event) error {
	backoff := 100 * time.Millisecond
	for {
		err := p.apply(ctx, event)
		if err == nil || errors.Is(err, errPoison) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("[Projector] Apply failed for %s v%d, retrying in %s: %v",
			event.AggregateID, event.Version, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

func (p *Projector) apply(ctx context.Context, event store.Event) error {
	switch event.Kind {
	case order.KindCreated:
		var data order.Created
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: %s payload: %v", errPoison, event.Kind, err)
		}
		items := make([]readmodel.OrderItem, len(data.Items))
		for i, item := range data.Items {
			items[i] = readmodel.OrderItem{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
			}
		}
		return p.readStore.ApplyCreated(ctx, readmodel.Order{
			ID:              event.AggregateID,
			CustomerID:      data.CustomerID,
			TotalAmount:     data.TotalAmount,
			ShippingAddress: data.ShippingAddress,
			Status:          string(order.StatusCreated),
			CreatedAt:       event.Timestamp,
			UpdatedAt:       event.Timestamp,
			LastVersion:     event.Version,
			Items:           items,
		})

	case order.KindPaid:
		var data order.Paid
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: %s payload: %v", errPoison, event.Kind, err)
		}
		return p.readStore.ApplyPaid(ctx, event.AggregateID, event.Version, event.Timestamp,
			data.PaymentID, data.PaymentMethod)

	case order.KindShipped:
		var data order.Shipped
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: %s payload: %v", errPoison, event.Kind, err)
		}
		return p.readStore.ApplyShipped(ctx, event.AggregateID, event.Version, event.Timestamp,
			data.ShipmentID, data.TrackingNumber)

	case order.KindCancelled:
		var data order.Cancelled
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: %s payload: %v", errPoison, event.Kind, err)
		}
		return p.readStore.ApplyCancelled(ctx, event.AggregateID, event.Version, event.Timestamp,
			data.Reason)

	default:
		return fmt.Errorf("%w: unknown kind %q", errPoison, event.Kind)
	}
}

// lastApplied reads the idempotence key with transient-error retry.
func (p *Projector) lastApplied(ctx context.Context, aggregateID string) (int, error) {
	backoff := 100 * time.Millisecond
	for {
		last, err := p.readStore.LastAppliedVersion(ctx, aggregateID)
		if err == nil {
			return last, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		log.Printf("[Projector] Failed to read last applied version for %s, retrying in %s: %v",
			aggregateID, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if backoff *= 2; backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

// quarantine routes an undecodable message to the dead-letter topic and
// commits its offset so the partition keeps moving.
func (p *Projector) quarantine(ctx context.Context, src EventSource, msg kafka.Message, cause error) error {
	log.Printf("[Projector] Poison message on %s at offset %d: %v", msg.Topic, msg.Offset, cause)
	if p.deadLetter != nil {
		if err := p.deadLetter.Publish(ctx, publisher.DeadLetterTopic, string(msg.Key), msg.Value); err != nil {
			return fmt.Errorf("failed to dead-letter message from %s offset %d: %w", msg.Topic, msg.Offset, err)
		}
	}
	p.commit(ctx, src, msg)
	return nil
}

// commit acknowledges an offset. A commit failure is logged, not fatal:
// the message is re-delivered after restart and deduplicated on apply.
func (p *Projector) commit(ctx context.Context, src EventSource, msg kafka.Message) {
	if err := src.Commit(ctx, msg); err != nil {
		log.Printf("[Projector] Failed to commit offset %d on %s: %v", msg.Offset, msg.Topic, err)
	}
}

// decodeEnvelope parses the published envelope and cross-checks it against
// the topic it arrived on.
func decodeEnvelope(msg kafka.Message) (store.Event, error) {
	var event store.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return store.Event{}, fmt.Errorf("%w: envelope: %v", errPoison, err)
	}
	if event.AggregateID == "" || event.Version < 0 {
		return store.Event{}, fmt.Errorf("%w: envelope missing aggregate_id or version", errPoison)
	}
	if got := publisher.TopicFor(event.Kind); got != msg.Topic {
		return store.Event{}, fmt.Errorf("%w: kind %q does not match topic %q", errPoison, event.Kind, msg.Topic)
	}
	return event, nil
}
