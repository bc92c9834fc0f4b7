package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryEventStore is an in-memory event store. It backs tests and local
// runs; the conditional-append semantics match the durable backends.
type MemoryEventStore struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateID -> events, dense from version 0
	snapshots map[string]*Snapshot
	marks     map[string]int // aggregateID -> last published version
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:    make(map[string][]Event),
		snapshots: make(map[string]*Snapshot),
		marks:     make(map[string]int),
	}
}

func (es *MemoryEventStore) LoadEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	stream := es.events[aggregateID]
	out := make([]Event, len(stream))
	copy(out, stream)
	return out, nil
}

func (es *MemoryEventStore) LoadEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	var out []Event
	for _, e := range es.events[aggregateID] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (es *MemoryEventStore) Append(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error {
	if err := validateAppend(aggregateID, events, expectedVersion); err != nil {
		return err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	// Streams are dense from 0, so the stored last version is len-1.
	current := len(es.events[aggregateID]) - 1
	if current != expectedVersion {
		return fmt.Errorf("%w: aggregate %s at version %d, expected %d",
			ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	es.events[aggregateID] = append(es.events[aggregateID], events...)
	return nil
}

func (es *MemoryEventStore) LastEvent(ctx context.Context, aggregateID string) (*Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	stream := es.events[aggregateID]
	if len(stream) == 0 {
		return nil, nil
	}
	last := stream[len(stream)-1]
	return &last, nil
}

func (es *MemoryEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	cp := *snapshot
	es.snapshots[snapshot.AggregateID] = &cp
	return nil
}

func (es *MemoryEventStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	snap, ok := es.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// MarkPublished implements HighWaterMarkStore.
func (es *MemoryEventStore) MarkPublished(ctx context.Context, aggregateID string, version int) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if current, ok := es.marks[aggregateID]; !ok || version > current {
		es.marks[aggregateID] = version
	}
	return nil
}

// UnpublishedEvents implements HighWaterMarkStore.
func (es *MemoryEventStore) UnpublishedEvents(ctx context.Context) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	var out []Event
	for aggregateID, stream := range es.events {
		mark, ok := es.marks[aggregateID]
		if !ok {
			mark = NoStream
		}
		for _, e := range stream {
			if e.Version > mark {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
