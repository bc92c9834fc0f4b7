package store

import (
	"context"
	"sync"
	"time"

	"github.com/example/order-cqrs/internal/readmodel"
)

// MemoryReadStore is an in-memory read model store with the same apply
// semantics as the PostgreSQL implementation. Used in tests and local runs.
type MemoryReadStore struct {
	mu      sync.RWMutex
	orders  map[string]*readmodel.Order
	history map[string][]readmodel.StatusChange
}

func NewMemoryReadStore() *MemoryReadStore {
	return &MemoryReadStore{
		orders:  make(map[string]*readmodel.Order),
		history: make(map[string][]readmodel.StatusChange),
	}
}

func (rs *MemoryReadStore) LastAppliedVersion(ctx context.Context, orderID string) (int, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	o, ok := rs.orders[orderID]
	if !ok {
		return NoStream, nil
	}
	return o.LastVersion, nil
}

func (rs *MemoryReadStore) ApplyCreated(ctx context.Context, o readmodel.Order) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.orders[o.ID]; ok {
		return nil // already applied
	}
	cp := o
	cp.Items = append([]readmodel.OrderItem(nil), o.Items...)
	rs.orders[o.ID] = &cp
	rs.history[o.ID] = append(rs.history[o.ID], readmodel.StatusChange{
		Status:    o.Status,
		Timestamp: o.CreatedAt,
	})
	return nil
}

func (rs *MemoryReadStore) ApplyPaid(ctx context.Context, orderID string, version int, ts time.Time, paymentID, paymentMethod string) error {
	return rs.applyUpdate(orderID, version, ts, "paid", "", func(o *readmodel.Order) {
		o.PaymentID = paymentID
		o.PaymentMethod = paymentMethod
	})
}

func (rs *MemoryReadStore) ApplyShipped(ctx context.Context, orderID string, version int, ts time.Time, shipmentID, trackingNumber string) error {
	return rs.applyUpdate(orderID, version, ts, "shipped", "", func(o *readmodel.Order) {
		o.ShipmentID = shipmentID
		o.TrackingNumber = trackingNumber
	})
}

func (rs *MemoryReadStore) ApplyCancelled(ctx context.Context, orderID string, version int, ts time.Time, reason string) error {
	return rs.applyUpdate(orderID, version, ts, "cancelled", reason, func(o *readmodel.Order) {})
}

func (rs *MemoryReadStore) applyUpdate(orderID string, version int, ts time.Time, status, reason string, mutate func(*readmodel.Order)) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	o, ok := rs.orders[orderID]
	if !ok || o.LastVersion != version-1 {
		return nil // out of sequence, no-op; the projector gates ordering
	}
	o.Status = status
	o.UpdatedAt = ts
	o.LastVersion = version
	mutate(o)
	rs.history[orderID] = append(rs.history[orderID], readmodel.StatusChange{
		Status:    status,
		Timestamp: ts,
		Reason:    reason,
	})
	return nil
}

func (rs *MemoryReadStore) GetOrder(ctx context.Context, orderID string) (*readmodel.Order, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	o, ok := rs.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	cp.Items = append([]readmodel.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (rs *MemoryReadStore) ListOrdersByCustomer(ctx context.Context, customerID string) ([]readmodel.Order, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []readmodel.Order
	for _, o := range rs.orders {
		if o.CustomerID == customerID {
			cp := *o
			cp.Items = append([]readmodel.OrderItem(nil), o.Items...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (rs *MemoryReadStore) ListOrdersByStatus(ctx context.Context, status string) ([]readmodel.Order, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []readmodel.Order
	for _, o := range rs.orders {
		if o.Status == status {
			cp := *o
			cp.Items = append([]readmodel.OrderItem(nil), o.Items...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (rs *MemoryReadStore) GetStatusHistory(ctx context.Context, orderID string) ([]readmodel.StatusChange, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]readmodel.StatusChange(nil), rs.history[orderID]...), nil
}
