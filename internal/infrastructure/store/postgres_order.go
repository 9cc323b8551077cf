package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ec-stock-saga/internal/domain/order"
)

// PostgresOrderStore persists orders with their items as a JSONB column, plus customers.
type PostgresOrderStore struct {
	db *sql.DB
}

var (
	_ order.Repository         = (*PostgresOrderStore)(nil)
	_ order.CustomerRepository = (*PostgresOrderStore)(nil)
)

func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

func (s *PostgresOrderStore) FindOrderByID(ctx context.Context, id string) (*order.Order, error) {
	var (
		o                                     order.Order
		status, paymentStatus                 string
		items                                 []byte
		confirmed, cancelled, delivered, done sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, order_number, customer_id, status, payment_status, subtotal, discount, total,
		        notes, cancel_reason, items, confirmed_at, cancelled_at, delivered_at, completed_at, created_at, updated_at
		 FROM orders WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &status, &paymentStatus, &o.Subtotal, &o.Discount, &o.Total,
		&o.Notes, &o.CancelReason, &items, &confirmed, &cancelled, &delivered, &done, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order %s: %w", id, err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", id, err)
	}
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.ConfirmedAt = timePtr(confirmed)
	o.CancelledAt = timePtr(cancelled)
	o.DeliveredAt = timePtr(delivered)
	o.CompletedAt = timePtr(done)
	return &o, nil
}

func (s *PostgresOrderStore) SaveOrder(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items of order %s: %w", o.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, order_number, customer_id, status, payment_status, subtotal, discount, total,
		                     notes, cancel_reason, items, confirmed_at, cancelled_at, delivered_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   payment_status = EXCLUDED.payment_status,
		   subtotal = EXCLUDED.subtotal,
		   discount = EXCLUDED.discount,
		   total = EXCLUDED.total,
		   notes = EXCLUDED.notes,
		   cancel_reason = EXCLUDED.cancel_reason,
		   items = EXCLUDED.items,
		   confirmed_at = EXCLUDED.confirmed_at,
		   cancelled_at = EXCLUDED.cancelled_at,
		   delivered_at = EXCLUDED.delivered_at,
		   completed_at = EXCLUDED.completed_at,
		   updated_at = EXCLUDED.updated_at`,
		o.ID, o.OrderNumber, o.CustomerID, string(o.Status), string(o.PaymentStatus), o.Subtotal, o.Discount, o.Total,
		o.Notes, o.CancelReason, items, nullTime(o.ConfirmedAt), nullTime(o.CancelledAt), nullTime(o.DeliveredAt),
		nullTime(o.CompletedAt), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresOrderStore) FindCustomerByID(ctx context.Context, id string) (*order.Customer, error) {
	var c order.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select customer %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresOrderStore) SaveCustomer(ctx context.Context, c *order.Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, email) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`,
		c.ID, c.Name, c.Email,
	)
	if err != nil {
		return fmt.Errorf("save customer %s: %w", c.ID, err)
	}
	return nil
}
