package publisher

import (
	"context"
	"log"
	"time"

	"github.com/example/order-cqrs/internal/infrastructure/store"
)

// Sweeper recovers from store-ahead-of-publisher states: when a command
// appended events but its publish failed, those events sit above the
// publisher's high-water mark. The sweep republishes them; the projector's
// (aggregate_id, version) idempotence makes re-publication safe.
type Sweeper struct {
	marks    store.HighWaterMarkStore
	pub      *Publisher
	interval time.Duration
}

func NewSweeper(marks store.HighWaterMarkStore, pub *Publisher, interval time.Duration) *Sweeper {
	return &Sweeper{marks: marks, pub: pub, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("[Sweeper] Sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Sweeper] Republished %d events", n)
			}
		}
	}
}

// SweepOnce republishes every event above its aggregate's high-water mark
// and returns how many were republished. Events arrive ordered by aggregate
// then version, so per-aggregate wire order is preserved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	events, err := s.marks.UnpublishedEvents(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := s.pub.Publish(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}
