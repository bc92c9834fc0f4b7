package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-cqrs/internal/domain/order"
	"github.com/example/order-cqrs/internal/infrastructure/store"
)

type sunkMessage struct {
	topic string
	key   string
	value []byte
}

type fakeSink struct {
	mu       sync.Mutex
	messages []sunkMessage
	failures int // fail this many publishes before succeeding
}

func (f *fakeSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unreachable")
	}
	f.messages = append(f.messages, sunkMessage{topic: topic, key: key, value: value})
	return nil
}

func newTestPublisher(sink Sink, marks store.HighWaterMarkStore) *Publisher {
	p := New(sink, marks)
	p.baseBackoff = time.Millisecond
	return p
}

func orderEvents(t *testing.T) []store.Event {
	t.Helper()
	o := order.NewOrder()
	require.NoError(t, o.Create("order-1", "cust-1", []order.Item{
		{ProductID: "prod-1", ProductName: "Widget", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
	}, "A"))
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))
	require.NoError(t, o.Ship("ship-1", "TRK-1"))
	return o.UncommittedEvents()
}

func TestPublish_TopicPerKind(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPublisher(sink, nil)

	require.NoError(t, p.Publish(context.Background(), orderEvents(t)))

	require.Len(t, sink.messages, 3)
	assert.Equal(t, "orders.created", sink.messages[0].topic)
	assert.Equal(t, "orders.paid", sink.messages[1].topic)
	assert.Equal(t, "orders.shipped", sink.messages[2].topic)
	for _, m := range sink.messages {
		assert.Equal(t, "order-1", m.key, "partition key is the aggregate ID")
	}
}

func TestPublish_EnvelopeCarriesIdempotenceKey(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPublisher(sink, nil)
	events := orderEvents(t)

	require.NoError(t, p.Publish(context.Background(), events))

	for i, m := range sink.messages {
		var decoded store.Event
		require.NoError(t, json.Unmarshal(m.value, &decoded))
		assert.Equal(t, "order-1", decoded.AggregateID)
		assert.Equal(t, i, decoded.Version)
		assert.Equal(t, events[i].Kind, decoded.Kind)
		assert.False(t, decoded.Timestamp.IsZero())
	}
}

func TestPublish_RetriesTransientErrors(t *testing.T) {
	sink := &fakeSink{failures: 2}
	p := newTestPublisher(sink, nil)

	err := p.Publish(context.Background(), orderEvents(t)[:1])

	require.NoError(t, err, "two failures fit in a three-attempt budget")
	assert.Len(t, sink.messages, 1)
}

func TestPublish_HardFailure(t *testing.T) {
	sink := &fakeSink{failures: 100}
	p := newTestPublisher(sink, nil)

	err := p.Publish(context.Background(), orderEvents(t)[:1])

	assert.ErrorIs(t, err, ErrPublish)
}

func TestPublish_RecordsHighWaterMark(t *testing.T) {
	es := store.NewMemoryEventStore()
	ctx := context.Background()
	events := orderEvents(t)
	require.NoError(t, es.Append(ctx, "order-1", events, store.NoStream))

	sink := &fakeSink{}
	p := newTestPublisher(sink, es)
	require.NoError(t, p.Publish(ctx, events))

	unpublished, err := es.UnpublishedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, unpublished, "everything marked published")
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{"orders.created", "orders.paid", "orders.shipped", "orders.cancelled"}, Topics())
}

// ============================================
// Outbox sweep
// ============================================

func TestSweepOnce_RepublishesAboveMark(t *testing.T) {
	es := store.NewMemoryEventStore()
	ctx := context.Background()
	events := orderEvents(t)
	require.NoError(t, es.Append(ctx, "order-1", events, store.NoStream))

	// The command path published only version 0 before failing.
	require.NoError(t, es.MarkPublished(ctx, "order-1", 0))

	sink := &fakeSink{}
	sweeper := NewSweeper(es, newTestPublisher(sink, es), time.Second)

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.messages, 2)
	assert.Equal(t, "orders.paid", sink.messages[0].topic)
	assert.Equal(t, "orders.shipped", sink.messages[1].topic)

	// A second sweep finds nothing: the first one advanced the mark.
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_EmptyOutbox(t *testing.T) {
	es := store.NewMemoryEventStore()
	sink := &fakeSink{}
	sweeper := NewSweeper(es, newTestPublisher(sink, es), time.Second)

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.messages)
}
