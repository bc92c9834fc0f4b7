package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-cqrs/internal/readmodel"
)

func createdRow(ts time.Time) readmodel.Order {
	return readmodel.Order{
		ID:              "order-1",
		CustomerID:      "cust-1",
		TotalAmount:     decimal.RequireFromString("20.00"),
		ShippingAddress: "A",
		Status:          "created",
		CreatedAt:       ts,
		UpdatedAt:       ts,
		LastVersion:     0,
		Items: []readmodel.OrderItem{
			{ProductID: "prod-1", ProductName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		},
	}
}

func TestApplyCreated_ThenPaid(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()
	ts := time.Now().UTC()

	require.NoError(t, rs.ApplyCreated(ctx, createdRow(ts)))
	require.NoError(t, rs.ApplyPaid(ctx, "order-1", 1, ts.Add(time.Minute), "pay-1", "card"))

	o, err := rs.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "paid", o.Status)
	assert.Equal(t, "pay-1", o.PaymentID)
	assert.Equal(t, 1, o.LastVersion)

	history, err := rs.GetStatusHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "created", history[0].Status)
	assert.Equal(t, "paid", history[1].Status)
}

func TestApplyCreated_Duplicate(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()
	ts := time.Now().UTC()

	require.NoError(t, rs.ApplyCreated(ctx, createdRow(ts)))
	require.NoError(t, rs.ApplyCreated(ctx, createdRow(ts)))

	history, err := rs.GetStatusHistory(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "duplicate apply adds no history row")
}

func TestApplyPaid_OutOfSequence(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()
	ts := time.Now().UTC()
	require.NoError(t, rs.ApplyCreated(ctx, createdRow(ts)))

	// Version 2 against last_version 0: the guard makes it a no-op.
	require.NoError(t, rs.ApplyShipped(ctx, "order-1", 2, ts, "ship-1", "TRK-1"))

	o, err := rs.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "created", o.Status)
	assert.Equal(t, 0, o.LastVersion)
}

func TestApplyUpdate_NoRow(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()

	require.NoError(t, rs.ApplyPaid(ctx, "missing", 1, time.Now(), "pay-1", "card"))

	last, err := rs.LastAppliedVersion(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, NoStream, last)
}

func TestApplyCancelled_RecordsReason(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()
	ts := time.Now().UTC()
	require.NoError(t, rs.ApplyCreated(ctx, createdRow(ts)))

	require.NoError(t, rs.ApplyCancelled(ctx, "order-1", 1, ts.Add(time.Minute), "fraud"))

	history, err := rs.GetStatusHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "cancelled", history[1].Status)
	assert.Equal(t, "fraud", history[1].Reason)
}

func TestListOrders(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()
	ts := time.Now().UTC()

	first := createdRow(ts)
	second := createdRow(ts)
	second.ID = "order-2"
	second.CustomerID = "cust-2"
	require.NoError(t, rs.ApplyCreated(ctx, first))
	require.NoError(t, rs.ApplyCreated(ctx, second))
	require.NoError(t, rs.ApplyPaid(ctx, "order-2", 1, ts, "pay-1", "card"))

	byCustomer, err := rs.ListOrdersByCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, "order-1", byCustomer[0].ID)

	byStatus, err := rs.ListOrdersByStatus(ctx, "paid")
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "order-2", byStatus[0].ID)
}

func TestListOrders_ReturnsCopies(t *testing.T) {
	rs := NewMemoryReadStore()
	ctx := context.Background()
	require.NoError(t, rs.ApplyCreated(ctx, createdRow(time.Now().UTC())))

	byCustomer, err := rs.ListOrdersByCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	require.Len(t, byCustomer[0].Items, 1)
	byCustomer[0].Items[0].ProductID = "mutated"

	o, err := rs.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "prod-1", o.Items[0].ProductID, "callers never share the stored items slice")
}
