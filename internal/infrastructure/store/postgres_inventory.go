package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-stock-saga/internal/domain/inventory"
)

// PostgresInventoryStore runs inventory units of work inside one database transaction.
// Stock rows are read FOR UPDATE so concurrent processes serialize per product.
type PostgresInventoryStore struct {
	db *sql.DB
}

var _ inventory.RollbackRunner = (*PostgresInventoryStore)(nil)

func NewPostgresInventoryStore(db *sql.DB) *PostgresInventoryStore {
	return &PostgresInventoryStore{db: db}
}

// RollsBack reports that a failed unit leaves no writes behind.
func (s *PostgresInventoryStore) RollsBack() bool { return true }

func (s *PostgresInventoryStore) Run(ctx context.Context, fn func(inventory.Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin inventory tx: %w", err)
	}
	repo := &pgInventoryRepo{q: tx}
	if err := fn(inventory.Repositories{Stocks: repo, Reservations: repo}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback inventory tx: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit inventory tx: %w", err)
	}
	return nil
}

type pgInventoryRepo struct {
	q querier
}

var (
	_ inventory.StockRepository       = (*pgInventoryRepo)(nil)
	_ inventory.ReservationRepository = (*pgInventoryRepo)(nil)
)

func (r *pgInventoryRepo) FindStockByProduct(ctx context.Context, productID string) (*inventory.Stock, error) {
	var (
		st      inventory.Stock
		maximum sql.NullInt64
		lastMov sql.NullTime
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, product_id, product_name, quantity, minimum_stock, maximum_stock, last_movement_at, updated_at
		 FROM stocks WHERE product_id = $1 FOR UPDATE`,
		productID,
	).Scan(&st.ID, &st.ProductID, &st.ProductName, &st.Quantity, &st.MinimumStock, &maximum, &lastMov, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrStockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select stock %s: %w", productID, err)
	}
	if maximum.Valid {
		m := int(maximum.Int64)
		st.MaximumStock = &m
	}
	st.LastMovementAt = timePtr(lastMov)
	return &st, nil
}

func (r *pgInventoryRepo) SaveStock(ctx context.Context, st *inventory.Stock) error {
	var maximum sql.NullInt64
	if st.MaximumStock != nil {
		maximum = sql.NullInt64{Int64: int64(*st.MaximumStock), Valid: true}
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO stocks (id, product_id, product_name, quantity, minimum_stock, maximum_stock, last_movement_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   product_name = EXCLUDED.product_name,
		   quantity = EXCLUDED.quantity,
		   minimum_stock = EXCLUDED.minimum_stock,
		   maximum_stock = EXCLUDED.maximum_stock,
		   last_movement_at = EXCLUDED.last_movement_at,
		   updated_at = EXCLUDED.updated_at`,
		st.ID, st.ProductID, st.ProductName, st.Quantity, st.MinimumStock, maximum, nullTime(st.LastMovementAt), st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save stock %s: %w", st.ProductID, err)
	}
	return nil
}

func (r *pgInventoryRepo) SaveMovements(ctx context.Context, movements []inventory.Movement) error {
	for _, m := range movements {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO stock_movements (id, stock_id, product_id, type, delta, previous_quantity, new_quantity, reason, reference, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, m.StockID, m.ProductID, string(m.Type), m.Delta, m.PreviousQuantity, m.NewQuantity, m.Reason, nullString(m.Reference), m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert movement for %s: %w", m.ProductID, err)
		}
	}
	return nil
}

func (r *pgInventoryRepo) ListMovements(ctx context.Context, productID string) ([]inventory.Movement, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, stock_id, product_id, type, delta, previous_quantity, new_quantity, reason, reference, created_at
		 FROM stock_movements WHERE product_id = $1 ORDER BY created_at, id`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("list movements %s: %w", productID, err)
	}
	defer rows.Close()

	var out []inventory.Movement
	for rows.Next() {
		var (
			m   inventory.Movement
			typ string
			ref sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.StockID, &m.ProductID, &typ, &m.Delta, &m.PreviousQuantity, &m.NewQuantity, &m.Reason, &ref, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = inventory.MovementType(typ)
		m.Reference = stringPtr(ref)
		out = append(out, m)
	}
	return out, rows.Err()
}

const reservationColumns = `id, stock_id, product_id, order_id, quantity, status, reference, release_reason,
	reserved_at, expires_at, committed_at, released_at`

func scanReservation(row interface{ Scan(...any) error }) (*inventory.Reservation, error) {
	var (
		res                   inventory.Reservation
		status, reason        string
		committedAt, released sql.NullTime
	)
	err := row.Scan(&res.ID, &res.StockID, &res.ProductID, &res.OrderID, &res.Quantity, &status, &res.Reference, &reason,
		&res.ReservedAt, &res.ExpiresAt, &committedAt, &released)
	if err != nil {
		return nil, err
	}
	res.Status = inventory.ReservationStatus(status)
	res.ReleaseReason = inventory.ReleaseReason(reason)
	res.CommittedAt = timePtr(committedAt)
	res.ReleasedAt = timePtr(released)
	return &res, nil
}

func (r *pgInventoryRepo) queryReservations(ctx context.Context, query string, args ...any) ([]*inventory.Reservation, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []*inventory.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *pgInventoryRepo) FindReservation(ctx context.Context, orderID, productID string) (*inventory.Reservation, error) {
	res, err := scanReservation(r.q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE order_id = $1 AND product_id = $2`,
		orderID, productID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select reservation %s/%s: %w", orderID, productID, err)
	}
	return res, nil
}

func (r *pgInventoryRepo) FindReservationsByOrder(ctx context.Context, orderID string) ([]*inventory.Reservation, error) {
	return r.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE order_id = $1 ORDER BY reserved_at, id`,
		orderID)
}

func (r *pgInventoryRepo) FindPendingByOrder(ctx context.Context, orderID string) ([]*inventory.Reservation, error) {
	return r.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE order_id = $1 AND status = 'pending'
		 ORDER BY reserved_at, id FOR UPDATE`,
		orderID)
}

// FindExpiredPending skips rows another sweeper already holds.
func (r *pgInventoryRepo) FindExpiredPending(ctx context.Context, before time.Time, limit int) ([]*inventory.Reservation, error) {
	return r.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE status = 'pending' AND expires_at < $1
		 ORDER BY expires_at LIMIT $2 FOR UPDATE SKIP LOCKED`,
		before, limit)
}

func (r *pgInventoryRepo) SumPendingByStock(ctx context.Context, stockID string) (int, error) {
	var sum int
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM reservations WHERE stock_id = $1 AND status = 'pending'`,
		stockID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum pending for stock %s: %w", stockID, err)
	}
	return sum, nil
}

func (r *pgInventoryRepo) InsertReservation(ctx context.Context, res *inventory.Reservation) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		res.ID, res.StockID, res.ProductID, res.OrderID, res.Quantity, string(res.Status), res.Reference, string(res.ReleaseReason),
		res.ReservedAt, res.ExpiresAt, nullTime(res.CommittedAt), nullTime(res.ReleasedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reservation %s/%s: %w", res.OrderID, res.ProductID, err)
	}
	return nil
}

func (r *pgInventoryRepo) UpdateReservation(ctx context.Context, res *inventory.Reservation) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE reservations SET status = $2, release_reason = $3, committed_at = $4, released_at = $5
		 WHERE id = $1`,
		res.ID, string(res.Status), string(res.ReleaseReason), nullTime(res.CommittedAt), nullTime(res.ReleasedAt),
	)
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", res.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return inventory.ErrReservationNotFound
	}
	return nil
}
