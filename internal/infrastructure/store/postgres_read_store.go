package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/order-cqrs/internal/readmodel"
)

// PostgresReadStore implements ReadStore on PostgreSQL. The projector is
// the only writer. Every apply runs in one transaction and is guarded by
// the orders.last_version column, so replayed deliveries are no-ops.
type PostgresReadStore struct {
	db *sql.DB
}

func NewPostgresReadStore(db *sql.DB) *PostgresReadStore {
	return &PostgresReadStore{db: db}
}

// EnsureSchema creates the read-model tables and indexes if absent.
func (rs *PostgresReadStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id               TEXT PRIMARY KEY,
			customer_id      TEXT NOT NULL,
			total_amount     DECIMAL(18,2) NOT NULL,
			shipping_address TEXT NOT NULL,
			status           TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			payment_id       TEXT,
			payment_method   TEXT,
			shipment_id      TEXT,
			tracking_number  TEXT,
			last_version     INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id           SERIAL PRIMARY KEY,
			order_id     TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id   TEXT NOT NULL,
			product_name VARCHAR(200) NOT NULL,
			quantity     INT NOT NULL,
			unit_price   DECIMAL(18,2) NOT NULL,
			UNIQUE (order_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS order_status_history (
			id        SERIAL PRIMARY KEY,
			order_id  TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			status    TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			reason    VARCHAR(500)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_order_ts ON order_status_history(order_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := rs.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure read-model schema: %w", err)
		}
	}
	return nil
}

func (rs *PostgresReadStore) LastAppliedVersion(ctx context.Context, orderID string) (int, error) {
	var version int
	err := rs.db.QueryRowContext(ctx,
		"SELECT last_version FROM orders WHERE id = $1", orderID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return NoStream, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last applied version for %s: %w", orderID, err)
	}
	return version, nil
}

func (rs *PostgresReadStore) ApplyCreated(ctx context.Context, o readmodel.Order) error {
	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, total_amount, shipping_address, status, created_at, updated_at, last_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.CustomerID, o.TotalAmount, o.ShippingAddress, o.Status, o.CreatedAt, o.UpdatedAt, o.LastVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate delivery, row already exists
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %s for order %s: %w", item.ProductID, o.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_status_history (order_id, status, timestamp) VALUES ($1, $2, $3)`,
		o.ID, o.Status, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert status history for %s: %w", o.ID, err)
	}

	return tx.Commit()
}

func (rs *PostgresReadStore) ApplyPaid(ctx context.Context, orderID string, version int, ts time.Time, paymentID, paymentMethod string) error {
	return rs.applyUpdate(ctx, orderID, version, ts, "paid", "",
		`UPDATE orders
		 SET status = 'paid', updated_at = $3, payment_id = $4, payment_method = $5, last_version = $2
		 WHERE id = $1 AND last_version = $2 - 1`,
		orderID, version, ts, paymentID, paymentMethod)
}

func (rs *PostgresReadStore) ApplyShipped(ctx context.Context, orderID string, version int, ts time.Time, shipmentID, trackingNumber string) error {
	return rs.applyUpdate(ctx, orderID, version, ts, "shipped", "",
		`UPDATE orders
		 SET status = 'shipped', updated_at = $3, shipment_id = $4, tracking_number = $5, last_version = $2
		 WHERE id = $1 AND last_version = $2 - 1`,
		orderID, version, ts, shipmentID, trackingNumber)
}

func (rs *PostgresReadStore) ApplyCancelled(ctx context.Context, orderID string, version int, ts time.Time, reason string) error {
	return rs.applyUpdate(ctx, orderID, version, ts, "cancelled", reason,
		`UPDATE orders
		 SET status = 'cancelled', updated_at = $3, last_version = $2
		 WHERE id = $1 AND last_version = $2 - 1`,
		orderID, version, ts)
}

// applyUpdate runs the status update and, only when the version guard let
// it through, appends the history row in the same transaction.
func (rs *PostgresReadStore) applyUpdate(ctx context.Context, orderID string, version int, ts time.Time, status, reason, query string, args ...any) error {
	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order %s to %s: %w", orderID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate or out-of-sequence delivery
	}

	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_status_history (order_id, status, timestamp, reason) VALUES ($1, $2, $3, $4)`,
		orderID, status, ts, reasonArg,
	)
	if err != nil {
		return fmt.Errorf("failed to insert status history for %s: %w", orderID, err)
	}

	return tx.Commit()
}

func (rs *PostgresReadStore) GetOrder(ctx context.Context, orderID string) (*readmodel.Order, error) {
	var o readmodel.Order
	var paymentID, paymentMethod, shipmentID, trackingNumber sql.NullString
	err := rs.db.QueryRowContext(ctx,
		`SELECT id, customer_id, total_amount, shipping_address, status, created_at, updated_at,
		        payment_id, payment_method, shipment_id, tracking_number, last_version
		 FROM orders WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &o.ShippingAddress, &o.Status, &o.CreatedAt, &o.UpdatedAt,
		&paymentID, &paymentMethod, &shipmentID, &trackingNumber, &o.LastVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	o.PaymentID = paymentID.String
	o.PaymentMethod = paymentMethod.String
	o.ShipmentID = shipmentID.String
	o.TrackingNumber = trackingNumber.String

	items, err := rs.getItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (rs *PostgresReadStore) getItems(ctx context.Context, orderID string) ([]readmodel.OrderItem, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT product_id, product_name, quantity, unit_price
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get items for %s: %w", orderID, err)
	}
	defer rows.Close()

	var items []readmodel.OrderItem
	for rows.Next() {
		var it readmodel.OrderItem
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan item for %s: %w", orderID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (rs *PostgresReadStore) ListOrdersByCustomer(ctx context.Context, customerID string) ([]readmodel.Order, error) {
	return rs.listOrders(ctx,
		`SELECT id, customer_id, total_amount, shipping_address, status, created_at, updated_at,
		        payment_id, payment_method, shipment_id, tracking_number, last_version
		 FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`,
		customerID)
}

func (rs *PostgresReadStore) ListOrdersByStatus(ctx context.Context, status string) ([]readmodel.Order, error) {
	return rs.listOrders(ctx,
		`SELECT id, customer_id, total_amount, shipping_address, status, created_at, updated_at,
		        payment_id, payment_method, shipment_id, tracking_number, last_version
		 FROM orders WHERE status = $1 ORDER BY created_at DESC`,
		status)
}

func (rs *PostgresReadStore) listOrders(ctx context.Context, query string, arg any) ([]readmodel.Order, error) {
	rows, err := rs.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []readmodel.Order
	for rows.Next() {
		var o readmodel.Order
		var paymentID, paymentMethod, shipmentID, trackingNumber sql.NullString
		err := rows.Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &o.ShippingAddress, &o.Status, &o.CreatedAt, &o.UpdatedAt,
			&paymentID, &paymentMethod, &shipmentID, &trackingNumber, &o.LastVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.PaymentID = paymentID.String
		o.PaymentMethod = paymentMethod.String
		o.ShipmentID = shipmentID.String
		o.TrackingNumber = trackingNumber.String
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (rs *PostgresReadStore) GetStatusHistory(ctx context.Context, orderID string) ([]readmodel.StatusChange, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT status, timestamp, reason
		 FROM order_status_history WHERE order_id = $1 ORDER BY timestamp ASC, id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history for %s: %w", orderID, err)
	}
	defer rows.Close()

	var history []readmodel.StatusChange
	for rows.Next() {
		var (
			sc     readmodel.StatusChange
			reason sql.NullString
		)
		if err := rows.Scan(&sc.Status, &sc.Timestamp, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan status history for %s: %w", orderID, err)
		}
		sc.Reason = reason.String
		history = append(history, sc)
	}
	return history, rows.Err()
}
