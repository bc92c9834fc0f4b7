package order

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-cqrs/internal/infrastructure/store"
)

func testItems() []Item {
	return []Item{
		{ProductID: "prod-1", ProductName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: "prod-2", ProductName: "Gadget", Quantity: 1, UnitPrice: decimal.RequireFromString("5.50")},
	}
}

func createdOrder(t *testing.T) *Order {
	t.Helper()
	o := NewOrder()
	require.NoError(t, o.Create("order-1", "cust-1", testItems(), "221B Baker Street"))
	return o
}

// ============================================
// Create
// ============================================

func TestCreate_Success(t *testing.T) {
	o := NewOrder()
	err := o.Create("order-1", "cust-1", testItems(), "221B Baker Street")

	require.NoError(t, err)
	assert.Equal(t, "order-1", o.ID)
	assert.Equal(t, "cust-1", o.CustomerID)
	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, 0, o.Version)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("25.50")), "2*10.00 + 1*5.50")

	events := o.UncommittedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, KindCreated, events[0].Kind)
	assert.Equal(t, 0, events[0].Version)
	assert.Equal(t, "order-1", events[0].AggregateID)
}

func TestCreate_EmptyItems(t *testing.T) {
	o := NewOrder()
	err := o.Create("order-1", "cust-1", nil, "addr")

	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Empty(t, o.UncommittedEvents())
	assert.Equal(t, store.NoStream, o.Version)
}

func TestCreate_InvalidQuantity(t *testing.T) {
	o := NewOrder()
	items := []Item{{ProductID: "prod-1", Quantity: 0, UnitPrice: decimal.RequireFromString("1.00")}}

	assert.ErrorIs(t, o.Create("order-1", "cust-1", items, "addr"), ErrInvalidCommand)
}

func TestCreate_NegativeUnitPrice(t *testing.T) {
	o := NewOrder()
	items := []Item{{ProductID: "prod-1", Quantity: 1, UnitPrice: decimal.RequireFromString("-0.01")}}

	assert.ErrorIs(t, o.Create("order-1", "cust-1", items, "addr"), ErrInvalidCommand)
}

func TestCreate_Twice(t *testing.T) {
	o := createdOrder(t)

	assert.ErrorIs(t, o.Create("order-1", "cust-1", testItems(), "addr"), ErrIllegalTransition)
}

// ============================================
// MarkPaid
// ============================================

func TestMarkPaid_Success(t *testing.T) {
	o := createdOrder(t)

	err := o.MarkPaid("pay-1", decimal.RequireFromString("25.50"), "card")

	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, 1, o.Version)
	assert.Equal(t, "pay-1", o.PaymentID)

	events := o.UncommittedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, KindPaid, events[1].Kind)
	assert.Equal(t, 1, events[1].Version)
}

func TestMarkPaid_AmountMismatch(t *testing.T) {
	o := createdOrder(t)

	err := o.MarkPaid("pay-1", decimal.RequireFromString("25.49"), "card")

	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Equal(t, StatusCreated, o.Status)
	assert.Len(t, o.UncommittedEvents(), 1, "only Created buffered")
}

func TestMarkPaid_AlreadyPaid(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))

	assert.ErrorIs(t, o.MarkPaid("pay-2", o.TotalAmount, "card"), ErrIllegalTransition)
}

func TestMarkPaid_Cancelled(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.Cancel("changed my mind"))

	assert.ErrorIs(t, o.MarkPaid("pay-1", o.TotalAmount, "card"), ErrIllegalTransition)
}

// ============================================
// Ship
// ============================================

func TestShip_Success(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))

	err := o.Ship("ship-1", "TRK-1")

	require.NoError(t, err)
	assert.Equal(t, StatusShipped, o.Status)
	assert.Equal(t, 2, o.Version)
	assert.Equal(t, "TRK-1", o.TrackingNumber)
}

func TestShip_BeforePay(t *testing.T) {
	o := createdOrder(t)

	err := o.Ship("ship-1", "TRK-1")

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Len(t, o.UncommittedEvents(), 1, "only Created buffered")
}

func TestShip_Twice(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))
	require.NoError(t, o.Ship("ship-1", "TRK-1"))

	assert.ErrorIs(t, o.Ship("ship-2", "TRK-2"), ErrIllegalTransition)
}

// ============================================
// Cancel
// ============================================

func TestCancel_FromCreated_NoRefund(t *testing.T) {
	o := createdOrder(t)

	require.NoError(t, o.Cancel("changed my mind"))

	assert.Equal(t, StatusCancelled, o.Status)
	events := o.UncommittedEvents()
	var data Cancelled
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &data))
	assert.False(t, data.RefundRequired)
	assert.Equal(t, "changed my mind", data.Reason)
}

func TestCancel_FromPaid_RequiresRefund(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))

	require.NoError(t, o.Cancel("fraud"))

	events := o.UncommittedEvents()
	var data Cancelled
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &data))
	assert.True(t, data.RefundRequired)
	assert.Equal(t, "fraud", data.Reason)
}

func TestCancel_Shipped(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))
	require.NoError(t, o.Ship("ship-1", "TRK-1"))

	assert.ErrorIs(t, o.Cancel("too late"), ErrIllegalTransition)
}

func TestCancel_Twice(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.Cancel("first"))

	assert.ErrorIs(t, o.Cancel("second"), ErrIllegalTransition)
}

// ============================================
// State machine
// ============================================

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusNone, StatusCreated, true},
		{StatusNone, StatusPaid, false},
		{StatusCreated, StatusPaid, true},
		{StatusCreated, StatusCancelled, true},
		{StatusCreated, StatusShipped, false},
		{StatusPaid, StatusShipped, true},
		{StatusPaid, StatusCancelled, true},
		{StatusPaid, StatusPaid, false},
		{StatusShipped, StatusCancelled, false},
		{StatusShipped, StatusShipped, false},
		{StatusCancelled, StatusPaid, false},
		{StatusCancelled, StatusCancelled, false},
	}

	for _, tt := range tests {
		o := &Order{Status: tt.from}
		assert.Equal(t, tt.allowed, o.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

// ============================================
// Rehydration
// ============================================

func TestRehydration_Fidelity(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))
	require.NoError(t, o.Ship("ship-1", "TRK-1"))

	replayed := NewOrder()
	for _, event := range o.UncommittedEvents() {
		require.NoError(t, replayed.ApplyEvent(event))
	}

	assert.Equal(t, o.ID, replayed.ID)
	assert.Equal(t, o.Status, replayed.Status)
	assert.Equal(t, o.Version, replayed.Version)
	assert.Equal(t, o.TrackingNumber, replayed.TrackingNumber)
	assert.Equal(t, o.PaymentID, replayed.PaymentID)
	assert.True(t, o.TotalAmount.Equal(replayed.TotalAmount))
	assert.Empty(t, replayed.UncommittedEvents(), "replay buffers nothing")
}

func TestRehydration_VersionGap(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))
	events := o.UncommittedEvents()

	replayed := NewOrder()
	require.NoError(t, replayed.ApplyEvent(events[0]))

	gapped := events[1]
	gapped.Version = 2 // skips version 1
	assert.ErrorIs(t, replayed.ApplyEvent(gapped), ErrCorruptStream)
}

func TestRehydration_NonMonotonic(t *testing.T) {
	o := createdOrder(t)
	events := o.UncommittedEvents()

	replayed := NewOrder()
	require.NoError(t, replayed.ApplyEvent(events[0]))
	assert.ErrorIs(t, replayed.ApplyEvent(events[0]), ErrCorruptStream, "version 0 twice")
}

func TestRehydration_UnknownKind(t *testing.T) {
	o := NewOrder()
	err := o.ApplyEvent(store.Event{AggregateID: "order-1", Kind: "refunded", Version: 0, Payload: []byte("{}")})

	assert.ErrorIs(t, err, ErrCorruptStream)
}

// ============================================
// Uncommitted buffer
// ============================================

func TestUncommittedEvents_DenseVersions(t *testing.T) {
	o := createdOrder(t)
	require.NoError(t, o.MarkPaid("pay-1", o.TotalAmount, "card"))
	require.NoError(t, o.Ship("ship-1", "TRK-1"))

	events := o.UncommittedEvents()
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, i, event.Version)
		assert.Equal(t, "order-1", event.AggregateID)
	}

	o.ClearUncommitted()
	assert.Empty(t, o.UncommittedEvents())
	assert.Equal(t, 2, o.Version, "state survives clearing the buffer")
}
