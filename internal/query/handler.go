package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/order-cqrs/internal/infrastructure/store"
	"github.com/example/order-cqrs/internal/readmodel"
)

// ErrNotFound is returned when no read-model row exists for an order. The
// projection is asynchronous, so a just-created order may briefly 404 here.
var ErrNotFound = errors.New("order not found in read model")

// Handler serves queries from the read model.
type Handler struct {
	readStore store.ReadStore
}

func NewHandler(readStore store.ReadStore) *Handler {
	return &Handler{readStore: readStore}
}

func (h *Handler) GetOrder(ctx context.Context, orderID string) (*readmodel.Order, error) {
	o, err := h.readStore.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return o, nil
}

func (h *Handler) ListOrdersByCustomer(ctx context.Context, customerID string) ([]readmodel.Order, error) {
	return h.readStore.ListOrdersByCustomer(ctx, customerID)
}

func (h *Handler) ListOrdersByStatus(ctx context.Context, status string) ([]readmodel.Order, error) {
	return h.readStore.ListOrdersByStatus(ctx, status)
}

func (h *Handler) GetStatusHistory(ctx context.Context, orderID string) ([]readmodel.StatusChange, error) {
	history, err := h.readStore.GetStatusHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return history, nil
}
