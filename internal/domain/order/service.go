package order

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/example/ec-stock-saga/internal/event"
	"go.uber.org/zap"
)

const lockStripes = 64

type Service struct {
	orders    Repository
	customers CustomerRepository
	stripes   [lockStripes]sync.Mutex
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(orders Repository, customers CustomerRepository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		orders:    orders,
		customers: customers,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("order"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock serialises load-modify-save on one order.
func (s *Service) lock(orderID string) func() {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.FindOrderByID(ctx, orderID)
}

// Create opens a draft order for an existing customer.
func (s *Service) Create(ctx context.Context, customerID, notes string) (*Order, error) {
	if _, err := s.customers.FindCustomerByID(ctx, customerID); err != nil {
		return nil, err
	}
	o := New(customerID, notes, s.now())
	if err := s.orders.SaveOrder(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("customer_id", customerID))
	return o, nil
}

func (s *Service) AddItem(ctx context.Context, orderID string, item Item) (*Order, error) {
	unlock := s.lock(orderID)
	defer unlock()

	o, err := s.orders.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.AddItem(item, s.now()); err != nil {
		return nil, err
	}
	if err := s.orders.SaveOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Confirm freezes a draft order and emits sales.order.confirmed with its item snapshot.
func (s *Service) Confirm(ctx context.Context, orderID string) ([]event.Record, error) {
	unlock := s.lock(orderID)
	defer unlock()

	o, err := s.orders.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.Confirm(s.now()); err != nil {
		return nil, err
	}
	if err := s.orders.SaveOrder(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order confirmed",
		zap.String("order_id", o.ID),
		zap.String("total", o.Total.StringFixed(2)),
		zap.Int("items", len(o.Items)))
	return []event.Record{confirmedEvent(o)}, nil
}

// Cancel cancels the order and emits sales.order.cancelled so inventory releases its holds.
// Cancelling an already cancelled order changes nothing but emits the event again, in
// case the first publish was lost after the save.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) ([]event.Record, error) {
	o, err := s.advance(ctx, orderID, reason, StatusCancelled)
	if err != nil {
		return reemit(o, err, cancelledEvent)
	}
	return []event.Record{cancelledEvent(o)}, nil
}

func (s *Service) MarkReserved(ctx context.Context, orderID string) ([]event.Record, error) {
	_, err := s.advance(ctx, orderID, "", StatusPendingPayment)
	return nil, ignoreApplied(err)
}

func (s *Service) MarkReservationFailed(ctx context.Context, orderID string) ([]event.Record, error) {
	return s.Cancel(ctx, orderID, ReasonInsufficientStock)
}

func (s *Service) MarkReservationExpired(ctx context.Context, orderID string) ([]event.Record, error) {
	return s.Cancel(ctx, orderID, ReasonReservationExpired)
}

// MarkPaid records the approved payment and emits sales.order.paid, the commit trigger.
// A redelivery on an order already past paid emits the event again; commit is idempotent.
func (s *Service) MarkPaid(ctx context.Context, orderID string) ([]event.Record, error) {
	o, err := s.advance(ctx, orderID, "", StatusPaid)
	if err != nil {
		return reemit(o, err, paidEvent)
	}
	return []event.Record{paidEvent(o)}, nil
}

func (s *Service) MarkPaymentFailed(ctx context.Context, orderID string) ([]event.Record, error) {
	return s.Cancel(ctx, orderID, ReasonPaymentFailed)
}

func (s *Service) MarkStockCommitted(ctx context.Context, orderID string) ([]event.Record, error) {
	_, err := s.advance(ctx, orderID, "", StatusConfirmed)
	return nil, ignoreApplied(err)
}

func (s *Service) MarkShipped(ctx context.Context, orderID string) ([]event.Record, error) {
	_, err := s.advance(ctx, orderID, "", StatusShipped)
	return nil, ignoreApplied(err)
}

// MarkDelivered moves the order to delivered. A confirmed order whose shipment event was
// lost passes through shipped on the way.
func (s *Service) MarkDelivered(ctx context.Context, orderID string) ([]event.Record, error) {
	_, err := s.advance(ctx, orderID, "", StatusShipped, StatusDelivered)
	return nil, ignoreApplied(err)
}

// CompleteIfDelivered closes a delivered order. Orders in any other status are left alone.
func (s *Service) CompleteIfDelivered(ctx context.Context, orderID string) ([]event.Record, error) {
	o, err := s.orders.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusDelivered {
		return nil, nil
	}
	_, err = s.advance(ctx, orderID, "", StatusCompleted)
	return nil, ignoreApplied(err)
}

// advance walks the order through each step not reached yet and saves it once.
// It returns ErrAlreadyApplied when the final step was reached before the call.
func (s *Service) advance(ctx context.Context, orderID, reason string, steps ...Status) (*Order, error) {
	unlock := s.lock(orderID)
	defer unlock()

	o, err := s.orders.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := o.Status
	final := steps[len(steps)-1]
	if o.Status.Reached(final) {
		return o, fmt.Errorf("%w: order %s is %s", ErrAlreadyApplied, o.ID, o.Status)
	}

	now := s.now()
	for _, target := range steps {
		if o.Status.Reached(target) {
			continue
		}
		if err := ApplyTransition(o, target, reason, now); err != nil {
			if o.Status.precedes(target) {
				return nil, fmt.Errorf("%w: %w", ErrOutOfOrder, err)
			}
			return nil, err
		}
	}
	if err := s.orders.SaveOrder(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
		zap.String("payment_status", string(o.PaymentStatus)))
	return o, nil
}

// reemit answers a step that was already applied with the record its first run emitted.
func reemit(o *Order, err error, record func(*Order) event.Record) ([]event.Record, error) {
	if errors.Is(err, ErrAlreadyApplied) {
		return []event.Record{record(o)}, nil
	}
	return nil, err
}

func ignoreApplied(err error) error {
	if errors.Is(err, ErrAlreadyApplied) {
		return nil
	}
	return err
}
