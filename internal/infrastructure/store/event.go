package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NoStream is the expected version for an aggregate with no prior events.
const NoStream = -1

var (
	// ErrConcurrencyConflict is returned when an append races with another
	// writer: the stored last version no longer matches the expected one,
	// or the (aggregate_id, version) unique key was violated.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Event represents a domain event. Versions are dense per aggregate,
// starting at 0. Events are immutable once persisted.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Kind        string          `json:"kind"`
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// validateAppend checks that the supplied events continue the stream at
// expectedVersion+1 with contiguous, monotonic versions. Shared by every
// event store backend so they all reject the same malformed batches.
func validateAppend(aggregateID string, events []Event, expectedVersion int) error {
	if len(events) == 0 {
		return fmt.Errorf("append for %s: no events supplied", aggregateID)
	}
	for i, e := range events {
		if e.AggregateID != aggregateID {
			return fmt.Errorf("append for %s: event %d belongs to %s", aggregateID, i, e.AggregateID)
		}
		if want := expectedVersion + 1 + i; e.Version != want {
			return fmt.Errorf("append for %s: event %d has version %d, want %d", aggregateID, i, e.Version, want)
		}
	}
	return nil
}
