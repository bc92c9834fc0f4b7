package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-cqrs/internal/domain/aggregate"
	"github.com/example/order-cqrs/internal/domain/order"
	"github.com/example/order-cqrs/internal/infrastructure/store"
)

// ErrNotFound is returned for a non-create command against an aggregate
// with no history.
var ErrNotFound = errors.New("order not found")

// EventPublisher pushes committed events onto the partitioned log.
type EventPublisher interface {
	Publish(ctx context.Context, events []store.Event) error
}

// Handler executes commands: load the aggregate, invoke the domain
// operation, conditionally append the uncommitted events, then publish.
// Publication starts only after a successful append, so a subscriber never
// sees an event that is not durably stored. Concurrency conflicts are
// retried with a full reload; every domain operation is idempotent under
// reload, so the retry is safe.
type Handler struct {
	eventStore    store.EventStore
	publisher     EventPublisher
	snapshotEvery int
	maxRetries    int
	baseBackoff   time.Duration
}

func NewHandler(eventStore store.EventStore, publisher EventPublisher, snapshotEvery int) *Handler {
	return &Handler{
		eventStore:    eventStore,
		publisher:     publisher,
		snapshotEvery: snapshotEvery,
		maxRetries:    3,
		baseBackoff:   50 * time.Millisecond,
	}
}

// CreateOrder handles the create command and returns the generated order ID.
// No conflict retry here: the ID is fresh, so a conflict means an ID
// collision, which is not recoverable by reloading.
func (h *Handler) CreateOrder(ctx context.Context, cmd CreateOrder) (string, error) {
	orderID := uuid.New().String()

	agg := order.NewOrder()
	if err := agg.Create(orderID, cmd.CustomerID, cmd.Items, cmd.ShippingAddress); err != nil {
		return "", err
	}

	if err := h.commit(ctx, agg, store.NoStream); err != nil {
		return "", err
	}
	return orderID, nil
}

func (h *Handler) PayOrder(ctx context.Context, cmd PayOrder) error {
	return h.update(ctx, cmd.OrderID, func(o *order.Order) error {
		return o.MarkPaid(cmd.PaymentID, cmd.Amount, cmd.PaymentMethod)
	})
}

func (h *Handler) ShipOrder(ctx context.Context, cmd ShipOrder) error {
	return h.update(ctx, cmd.OrderID, func(o *order.Order) error {
		return o.Ship(cmd.ShipmentID, cmd.TrackingNumber)
	})
}

func (h *Handler) CancelOrder(ctx context.Context, cmd CancelOrder) error {
	return h.update(ctx, cmd.OrderID, func(o *order.Order) error {
		return o.Cancel(cmd.Reason)
	})
}

// update runs an update command with bounded retry on concurrency conflicts.
func (h *Handler) update(ctx context.Context, orderID string, op func(*order.Order) error) error {
	backoff := h.baseBackoff
	for attempt := 0; ; attempt++ {
		agg, found, err := aggregate.Load(ctx, h.eventStore, orderID, order.NewOrder)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, orderID)
		}

		// Capture the expected version before invoking the domain
		// operation; the append condition is based on this, not on the
		// post-invoke version.
		expectedVersion := agg.GetVersion()

		if err := op(agg); err != nil {
			return err
		}

		err = h.commit(ctx, agg, expectedVersion)
		if errors.Is(err, store.ErrConcurrencyConflict) && attempt < h.maxRetries {
			log.Printf("[Command] Conflict on %s (attempt %d/%d), reloading", orderID, attempt+1, h.maxRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			continue
		}
		return err
	}
}

// commit appends the uncommitted events, snapshots if the policy says so,
// publishes, and discards the buffer.
func (h *Handler) commit(ctx context.Context, agg *order.Order, expectedVersion int) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	if err := h.eventStore.Append(ctx, agg.GetID(), events, expectedVersion); err != nil {
		return err
	}

	if err := aggregate.MaybeSnapshot(ctx, h.eventStore, agg, h.snapshotEvery); err != nil {
		log.Printf("[Command] Failed to create snapshot for order %s: %v", agg.GetID(), err)
	}

	if err := h.publisher.Publish(ctx, events); err != nil {
		// The store is now ahead of the publisher; the outbox sweep
		// republishes from the high-water mark.
		log.Printf("[Command] Publish failed for order %s, store is ahead: %v", agg.GetID(), err)
		return err
	}

	agg.ClearUncommitted()
	return nil
}
