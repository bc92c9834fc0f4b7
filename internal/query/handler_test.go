package query

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-cqrs/internal/infrastructure/store"
	"github.com/example/order-cqrs/internal/readmodel"
)

func seededHandler(t *testing.T) *Handler {
	t.Helper()
	rs := store.NewMemoryReadStore()
	ctx := context.Background()
	ts := time.Now().UTC()
	require.NoError(t, rs.ApplyCreated(ctx, readmodel.Order{
		ID:          "order-1",
		CustomerID:  "cust-1",
		TotalAmount: decimal.RequireFromString("20.00"),
		Status:      "created",
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}))
	require.NoError(t, rs.ApplyPaid(ctx, "order-1", 1, ts.Add(time.Minute), "pay-1", "card"))
	return NewHandler(rs)
}

func TestGetOrder(t *testing.T) {
	h := seededHandler(t)

	o, err := h.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "paid", o.Status)

	_, err = h.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStatusHistory(t *testing.T) {
	h := seededHandler(t)

	history, err := h.GetStatusHistory(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "paid", history[1].Status)

	_, err = h.GetStatusHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrders(t *testing.T) {
	h := seededHandler(t)

	orders, err := h.ListOrdersByCustomer(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	orders, err = h.ListOrdersByStatus(context.Background(), "created")
	require.NoError(t, err)
	assert.Empty(t, orders, "order-1 already moved to paid")
}
