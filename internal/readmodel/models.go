package readmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the denormalized query-side row. LastVersion carries the
// idempotence key: the version of the last event applied to this row.
type Order struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PaymentID       string          `json:"payment_id,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	ShipmentID      string          `json:"shipment_id,omitempty"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	LastVersion     int             `json:"last_version"`
	Items           []OrderItem     `json:"items"`
}

type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// StatusChange is one row of the strictly time-ordered audit trail.
type StatusChange struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
