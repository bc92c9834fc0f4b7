package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/order-cqrs/internal/infrastructure/store"
)

// Aggregate defines the interface for event-sourced aggregates
type Aggregate interface {
	GetID() string
	GetVersion() int
	ApplyEvent(store.Event) error
}

// Load rebuilds an aggregate from its snapshot (when one exists with the
// current schema version) plus the event tail, or from the full history.
// Returns the aggregate, a boolean indicating whether any data was found,
// and any error.
func Load[T Aggregate](
	ctx context.Context,
	eventStore store.EventStore,
	id string,
	newAggregate func() T,
) (T, bool, error) {
	var zero T
	agg := newAggregate()

	snapshot, err := eventStore.LoadSnapshot(ctx, id)
	if err != nil {
		return zero, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot != nil && snapshot.SchemaVersion != store.SnapshotSchemaVersion {
		// Stale snapshot layout: fall back to full replay.
		snapshot = nil
	}

	var events []store.Event
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, agg); err != nil {
			return zero, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		events, err = eventStore.LoadEventsFromVersion(ctx, id, snapshot.Version+1)
	} else {
		events, err = eventStore.LoadEvents(ctx, id)
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to load events: %w", err)
	}

	hasData := snapshot != nil || len(events) > 0

	for _, event := range events {
		if err := agg.ApplyEvent(event); err != nil {
			return zero, false, fmt.Errorf("failed to apply event: %w", err)
		}
	}

	return agg, hasData, nil
}

// MaybeSnapshot persists a snapshot when the aggregate version is positive
// and divisible by the configured period. Snapshot failures never fail the
// command path; the caller logs and moves on.
func MaybeSnapshot(
	ctx context.Context,
	eventStore store.EventStore,
	agg Aggregate,
	every int,
) error {
	version := agg.GetVersion()
	if every <= 0 || version <= 0 || version%every != 0 {
		return nil
	}

	state, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate state: %w", err)
	}

	snapshot := &store.Snapshot{
		AggregateID:   agg.GetID(),
		Version:       version,
		SchemaVersion: store.SnapshotSchemaVersion,
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}

	if err := eventStore.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
