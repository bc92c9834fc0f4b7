package command

import (
	"github.com/shopspring/decimal"

	"github.com/example/order-cqrs/internal/domain/order"
)

type CreateOrder struct {
	CustomerID      string       `json:"customer_id"`
	Items           []order.Item `json:"items"`
	ShippingAddress string       `json:"shipping_address"`
}

type PayOrder struct {
	OrderID       string          `json:"order_id"`
	PaymentID     string          `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

type ShipOrder struct {
	OrderID        string `json:"order_id"`
	ShipmentID     string `json:"shipment_id"`
	TrackingNumber string `json:"tracking_number"`
}

type CancelOrder struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
