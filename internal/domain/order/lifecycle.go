package order

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusDraft          Status = "draft"
	StatusPending        Status = "pending"
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusConfirmed      Status = "confirmed"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrOutOfOrder marks a legal-looking step that arrived before its predecessor.
	// The event is worth retrying once the missing step has been applied.
	ErrOutOfOrder = errors.New("order event arrived out of order")
	// ErrAlreadyApplied means the order already holds the target status.
	ErrAlreadyApplied = errors.New("order transition already applied")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusDraft:          {StatusPending, StatusCancelled},
	StatusPending:        {StatusPendingPayment, StatusCancelled},
	StatusPendingPayment: {StatusPaid, StatusCancelled},
	StatusPaid:           {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusShipped, StatusCancelled},
	StatusShipped:        {StatusDelivered},
	StatusDelivered:      {StatusCompleted},
	StatusCompleted:      {}, // terminal state
	StatusCancelled:      {}, // terminal state
}

// happyPath is the forward order of the non-cancelled statuses.
var happyPath = []Status{
	StatusDraft,
	StatusPending,
	StatusPendingPayment,
	StatusPaid,
	StatusConfirmed,
	StatusShipped,
	StatusDelivered,
	StatusCompleted,
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo checks if the status has an edge to target in the table.
func (s Status) CanTransitionTo(target Status) bool {
	return slices.Contains(validTransitions[s], target)
}

// Reached reports whether s is target or lies beyond it on the forward path.
func (s Status) Reached(target Status) bool {
	if s == target {
		return true
	}
	if s == StatusCancelled || target == StatusCancelled {
		return false
	}
	return slices.Index(happyPath, s) > slices.Index(happyPath, target)
}

// precedes reports whether target is further along the forward path than s.
func (s Status) precedes(target Status) bool {
	if s.IsTerminal() || target == StatusCancelled {
		return false
	}
	return slices.Index(happyPath, s) < slices.Index(happyPath, target)
}

// ApplyTransition moves the order to target when the table allows it and records the
// side effects of entering the new status. On any other edge it returns
// ErrInvalidTransition and leaves the order untouched.
func ApplyTransition(o *Order, target Status, reason string, at time.Time) error {
	if !o.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, o.Status, target)
	}

	switch target {
	case StatusPending:
		o.ConfirmedAt = &at
		o.PaymentStatus = PaymentPending
	case StatusPaid:
		o.PaymentStatus = PaymentPaid
	case StatusCancelled:
		o.CancelledAt = &at
		o.CancelReason = reason
		if o.PaymentStatus == PaymentPaid {
			o.PaymentStatus = PaymentRefunded
		} else {
			o.PaymentStatus = PaymentFailed
		}
	case StatusDelivered:
		o.DeliveredAt = &at
	case StatusCompleted:
		o.CompletedAt = &at
	}

	o.Status = target
	o.UpdatedAt = at
	return nil
}
