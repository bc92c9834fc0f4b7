package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds. The kind is the discriminator persisted with every event and
// the suffix of the topic the event is published on (orders.<kind>).
const (
	KindCreated   = "created"
	KindPaid      = "paid"
	KindShipped   = "shipped"
	KindCancelled = "cancelled"
)

type Item struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type Created struct {
	CustomerID      string          `json:"customer_id"`
	Items           []Item          `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
}

type Paid struct {
	PaymentID     string          `json:"payment_id"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method"`
}

type Shipped struct {
	ShipmentID     string    `json:"shipment_id"`
	TrackingNumber string    `json:"tracking_number"`
	ShippedDate    time.Time `json:"shipped_date"`
}

type Cancelled struct {
	Reason         string `json:"reason"`
	RefundRequired bool   `json:"refund_required"`
}
