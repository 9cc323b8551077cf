package inventory

import (
	"context"
	"time"
)

// StockRepository persists stock rows and their movement log.
type StockRepository interface {
	FindStockByProduct(ctx context.Context, productID string) (*Stock, error)
	SaveStock(ctx context.Context, stock *Stock) error
	SaveMovements(ctx context.Context, movements []Movement) error
	ListMovements(ctx context.Context, productID string) ([]Movement, error)
}

// ReservationRepository persists reservations. Reservations are never deleted.
type ReservationRepository interface {
	FindReservation(ctx context.Context, orderID, productID string) (*Reservation, error)
	FindReservationsByOrder(ctx context.Context, orderID string) ([]*Reservation, error)
	FindPendingByOrder(ctx context.Context, orderID string) ([]*Reservation, error)
	FindExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)
	SumPendingByStock(ctx context.Context, stockID string) (int, error)
	InsertReservation(ctx context.Context, r *Reservation) error
	UpdateReservation(ctx context.Context, r *Reservation) error
}

// Repositories are the repositories bound to one unit of work.
type Repositories struct {
	Stocks       StockRepository
	Reservations ReservationRepository
}

// TxRunner runs fn as one atomic unit. Implementations commit when fn returns nil.
type TxRunner interface {
	Run(ctx context.Context, fn func(repos Repositories) error) error
}

// RollbackRunner is a TxRunner that can report whether a failed unit discards its writes.
// Runners without rollback get explicit compensation instead.
type RollbackRunner interface {
	TxRunner
	RollsBack() bool
}
