package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/order-cqrs/internal/infrastructure/store"
)

type Status string

const (
	// StatusNone is the state before the Created event; Version is -1.
	StatusNone      Status = ""
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

var (
	ErrInvalidCommand    = errors.New("invalid command")
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrCorruptStream     = errors.New("corrupt event stream")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusNone:      {StatusCreated},
	StatusCreated:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusCancelled},
	StatusShipped:   {}, // terminal state
	StatusCancelled: {}, // terminal state
}

// Order is the write-side aggregate: the fold of its event history plus the
// buffer of uncommitted events produced since load.
type Order struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	Items           []Item          `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Status          Status          `json:"status"`
	PaymentID       string          `json:"payment_id,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	ShipmentID      string          `json:"shipment_id,omitempty"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int             `json:"version"` // version of the last applied event, -1 pre-Created

	uncommitted []store.Event
}

func NewOrder() *Order {
	return &Order{Version: store.NoStream}
}

// Aggregate interface implementation
func (o *Order) GetID() string   { return o.ID }
func (o *Order) GetVersion() int { return o.Version }

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[o.Status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// transitionError returns an appropriate error for an invalid transition
func (o *Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusCancelled:
		return fmt.Errorf("%w: order is already cancelled", ErrIllegalTransition)
	case o.Status == StatusShipped && target == StatusCancelled:
		return fmt.Errorf("%w: cannot cancel a shipped order", ErrIllegalTransition)
	case (o.Status == StatusPaid || o.Status == StatusShipped) && target == StatusPaid:
		return fmt.Errorf("%w: order is already paid", ErrIllegalTransition)
	case o.Status == StatusCreated && target == StatusShipped:
		return fmt.Errorf("%w: order must be paid before shipping", ErrIllegalTransition)
	default:
		return fmt.Errorf("%w: cannot transition from %q to %q", ErrIllegalTransition, o.Status, target)
	}
}

// Create emits the Created event at version 0. The total amount is computed
// here and fixed for the lifetime of the order.
func (o *Order) Create(orderID, customerID string, items []Item, shippingAddress string) error {
	if !o.CanTransitionTo(StatusCreated) {
		return o.transitionError(StatusCreated)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: order must have at least one item", ErrInvalidCommand)
	}

	total := decimal.Zero
	for _, item := range items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %s has quantity %d", ErrInvalidCommand, item.ProductID, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %s has negative unit price", ErrInvalidCommand, item.ProductID)
		}
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	return o.emit(orderID, KindCreated, Created{
		CustomerID:      customerID,
		Items:           items,
		TotalAmount:     total,
		ShippingAddress: shippingAddress,
	})
}

// MarkPaid emits the Paid event. The amount must match the order total.
func (o *Order) MarkPaid(paymentID string, amount decimal.Decimal, paymentMethod string) error {
	if !o.CanTransitionTo(StatusPaid) {
		return o.transitionError(StatusPaid)
	}
	if !amount.Equal(o.TotalAmount) {
		return fmt.Errorf("%w: payment amount %s does not match order total %s",
			ErrInvalidCommand, amount, o.TotalAmount)
	}

	return o.emit(o.ID, KindPaid, Paid{
		PaymentID:     paymentID,
		AmountPaid:    amount,
		PaymentMethod: paymentMethod,
	})
}

// Ship emits the Shipped event. Only paid orders can ship.
func (o *Order) Ship(shipmentID, trackingNumber string) error {
	if !o.CanTransitionTo(StatusShipped) {
		return o.transitionError(StatusShipped)
	}

	return o.emit(o.ID, KindShipped, Shipped{
		ShipmentID:     shipmentID,
		TrackingNumber: trackingNumber,
		ShippedDate:    time.Now().UTC(),
	})
}

// Cancel emits the Cancelled event. A refund is required when the order had
// already been paid.
func (o *Order) Cancel(reason string) error {
	if !o.CanTransitionTo(StatusCancelled) {
		return o.transitionError(StatusCancelled)
	}

	return o.emit(o.ID, KindCancelled, Cancelled{
		Reason:         reason,
		RefundRequired: o.Status == StatusPaid,
	})
}

// emit builds the event at the next version, applies it, and buffers it as
// uncommitted.
func (o *Order) emit(aggregateID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	event := store.Event{
		ID:          uuid.New().String(),
		AggregateID: aggregateID,
		Kind:        kind,
		Version:     o.Version + 1,
		Timestamp:   time.Now().UTC(),
		Payload:     data,
	}
	if err := o.ApplyEvent(event); err != nil {
		return err
	}
	o.uncommitted = append(o.uncommitted, event)
	return nil
}

// ApplyEvent folds a single event into the order state. Histories whose
// versions are not dense and monotonic are rejected as corrupt.
func (o *Order) ApplyEvent(event store.Event) error {
	if event.Version != o.Version+1 {
		return fmt.Errorf("%w: aggregate %s at version %d got event version %d",
			ErrCorruptStream, event.AggregateID, o.Version, event.Version)
	}

	switch event.Kind {
	case KindCreated:
		var data Created
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: undecodable %s payload: %v", ErrCorruptStream, event.Kind, err)
		}
		o.ID = event.AggregateID
		o.CustomerID = data.CustomerID
		o.Items = data.Items
		o.TotalAmount = data.TotalAmount
		o.ShippingAddress = data.ShippingAddress
		o.Status = StatusCreated
		o.CreatedAt = event.Timestamp
		o.UpdatedAt = event.Timestamp
	case KindPaid:
		var data Paid
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: undecodable %s payload: %v", ErrCorruptStream, event.Kind, err)
		}
		o.Status = StatusPaid
		o.PaymentID = data.PaymentID
		o.PaymentMethod = data.PaymentMethod
		o.UpdatedAt = event.Timestamp
	case KindShipped:
		var data Shipped
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: undecodable %s payload: %v", ErrCorruptStream, event.Kind, err)
		}
		o.Status = StatusShipped
		o.ShipmentID = data.ShipmentID
		o.TrackingNumber = data.TrackingNumber
		o.UpdatedAt = event.Timestamp
	case KindCancelled:
		var data Cancelled
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("%w: undecodable %s payload: %v", ErrCorruptStream, event.Kind, err)
		}
		o.Status = StatusCancelled
		o.UpdatedAt = event.Timestamp
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrCorruptStream, event.Kind)
	}

	o.Version = event.Version
	return nil
}

// UncommittedEvents returns the events produced since load, in order.
func (o *Order) UncommittedEvents() []store.Event {
	return o.uncommitted
}

// ClearUncommitted discards the uncommitted buffer after a successful append.
func (o *Order) ClearUncommitted() {
	o.uncommitted = nil
}
