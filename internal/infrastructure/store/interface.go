package store

import (
	"context"
	"time"

	"github.com/example/order-cqrs/internal/readmodel"
)

// EventStore defines the append-only, version-conditional event log.
type EventStore interface {
	// LoadEvents returns the full history for an aggregate, sorted by
	// version ascending.
	LoadEvents(ctx context.Context, aggregateID string) ([]Event, error)

	// LoadEventsFromVersion returns events with version >= fromVersion,
	// sorted by version ascending.
	LoadEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error)

	// Append atomically inserts all supplied events. The stored last
	// version must equal expectedVersion (NoStream for a fresh aggregate)
	// and the supplied versions must be expectedVersion+1, +2, ...
	// contiguous. Returns ErrConcurrencyConflict when another writer won.
	Append(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error

	// LastEvent returns the highest-versioned event for an aggregate, or
	// nil when the aggregate has no events.
	LastEvent(ctx context.Context, aggregateID string) (*Event, error)

	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
}

// HighWaterMarkStore tracks, per aggregate, the highest event version the
// publisher has durably handed to the log. The outbox sweep republishes
// everything above the mark; the projector's idempotence makes that safe.
type HighWaterMarkStore interface {
	MarkPublished(ctx context.Context, aggregateID string, version int) error

	// UnpublishedEvents returns every stored event whose version exceeds
	// its aggregate's high-water mark, ordered by aggregate then version.
	UnpublishedEvents(ctx context.Context) ([]Event, error)
}

// ReadStore is the query-side store maintained by the projector. Each
// Apply* call runs in a single transaction and records the event version as
// the row's last applied version; a call whose version is not exactly
// last+1 is a no-op, which keeps re-applies idempotent.
type ReadStore interface {
	// LastAppliedVersion returns the last applied event version for an
	// order, or -1 when no row exists.
	LastAppliedVersion(ctx context.Context, orderID string) (int, error)

	ApplyCreated(ctx context.Context, o readmodel.Order) error
	ApplyPaid(ctx context.Context, orderID string, version int, ts time.Time, paymentID, paymentMethod string) error
	ApplyShipped(ctx context.Context, orderID string, version int, ts time.Time, shipmentID, trackingNumber string) error
	ApplyCancelled(ctx context.Context, orderID string, version int, ts time.Time, reason string) error

	GetOrder(ctx context.Context, orderID string) (*readmodel.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]readmodel.Order, error)
	ListOrdersByStatus(ctx context.Context, status string) ([]readmodel.Order, error)
	GetStatusHistory(ctx context.Context, orderID string) ([]readmodel.StatusChange, error)
}
