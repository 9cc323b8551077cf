package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const DefaultReservationTTL = 15 * time.Minute

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationSettled  = errors.New("reservation is no longer pending")
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// ReleaseReason records why a hold ended without a commit.
type ReleaseReason string

const (
	ReleaseCancelled         ReleaseReason = "cancelled"
	ReleaseExpired           ReleaseReason = "expired"
	ReleaseInsufficientStock ReleaseReason = "insufficient_stock"
)

// Reservation is a soft, time-bounded hold of stock for one order line.
type Reservation struct {
	ID            string            `json:"id"`
	StockID       string            `json:"stock_id"`
	ProductID     string            `json:"product_id"`
	OrderID       string            `json:"order_id"`
	Quantity      int               `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	Reference     string            `json:"reference,omitempty"`
	ReleaseReason ReleaseReason     `json:"release_reason,omitempty"`
	ReservedAt    time.Time         `json:"reserved_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CommittedAt   *time.Time        `json:"committed_at,omitempty"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
}

func NewReservation(stock *Stock, orderID string, quantity int, reference string, now time.Time, ttl time.Duration) *Reservation {
	return &Reservation{
		ID:         uuid.New().String(),
		StockID:    stock.ID,
		ProductID:  stock.ProductID,
		OrderID:    orderID,
		Quantity:   quantity,
		Status:     ReservationPending,
		Reference:  reference,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func (r *Reservation) IsPending() bool {
	return r.Status == ReservationPending
}

func (r *Reservation) IsExpired(now time.Time) bool {
	return r.IsPending() && now.After(r.ExpiresAt)
}

func (r *Reservation) Commit(at time.Time) error {
	if !r.IsPending() {
		return ErrReservationSettled
	}
	r.Status = ReservationCommitted
	r.CommittedAt = &at
	return nil
}

func (r *Reservation) Release(reason ReleaseReason, at time.Time) error {
	if !r.IsPending() {
		return ErrReservationSettled
	}
	r.Status = ReservationReleased
	r.ReleaseReason = reason
	r.ReleasedAt = &at
	return nil
}

// revertCommit puts a committed line back to pending during commit compensation.
func (r *Reservation) revertCommit() {
	r.Status = ReservationPending
	r.CommittedAt = nil
}
