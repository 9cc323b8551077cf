package inventory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/example/ec-stock-saga/internal/event"
	"go.uber.org/zap"
)

const (
	reasonReservationCommit  = "reservation commit"
	reasonCommitCompensation = "commit compensation"
	reasonInitialStock       = "initial stock"
)

var (
	// ErrCommitAborted means a commit failed part way and its applied lines were undone.
	ErrCommitAborted = errors.New("reservation commit aborted")
	// ErrCompensationFailed means undoing a failed commit also failed; stock needs a manual look.
	ErrCompensationFailed = errors.New("commit compensation failed")
)

// Availability is the reservable view of one stock.
type Availability struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

type Service struct {
	tx        TxRunner
	rollsBack bool
	locks     *keyedLocker
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Service)

func WithReservationTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(tx TxRunner, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		tx:     tx,
		locks:  newKeyedLocker(),
		ttl:    DefaultReservationTTL,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("inventory"),
	}
	if rb, ok := tx.(RollbackRunner); ok {
		s.rollsBack = rb.RollsBack()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterStock creates the stock row for a product, recording the opening quantity.
func (s *Service) RegisterStock(ctx context.Context, productID, productName string, quantity, minimum int, maximum *int) (*Stock, []event.Record, error) {
	if quantity < 0 || minimum < 0 {
		return nil, nil, ErrInvalidQuantity
	}
	unlock := s.locks.lock(productID)
	defer unlock()

	stock := NewStock(productID, productName, minimum, maximum)
	var alerts []event.Record
	err := s.tx.Run(ctx, func(repos Repositories) error {
		if _, err := repos.Stocks.FindStockByProduct(ctx, productID); err == nil {
			return fmt.Errorf("stock for product %s already registered", productID)
		} else if !errors.Is(err, ErrStockNotFound) {
			return err
		}
		var movements []Movement
		if quantity > 0 {
			m, a, err := stock.Increase(quantity, reasonInitialStock, nil, s.now())
			if err != nil {
				return err
			}
			movements, alerts = append(movements, m), a
		}
		if err := repos.Stocks.SaveStock(ctx, stock); err != nil {
			return err
		}
		return repos.Stocks.SaveMovements(ctx, movements)
	})
	if err != nil {
		return nil, nil, err
	}
	return stock, alerts, nil
}

func (s *Service) Increase(ctx context.Context, productID string, qty int, reason string, ref *string) ([]event.Record, error) {
	return s.mutate(ctx, productID, func(stock *Stock, at time.Time) (Movement, []event.Record, error) {
		return stock.Increase(qty, reason, ref, at)
	})
}

func (s *Service) Decrease(ctx context.Context, productID string, qty int, reason string, ref *string) ([]event.Record, error) {
	return s.mutate(ctx, productID, func(stock *Stock, at time.Time) (Movement, []event.Record, error) {
		return stock.Decrease(qty, reason, ref, at)
	})
}

func (s *Service) Adjust(ctx context.Context, productID string, newQty int, reason string) ([]event.Record, error) {
	return s.mutate(ctx, productID, func(stock *Stock, at time.Time) (Movement, []event.Record, error) {
		return stock.Adjust(newQty, reason, at)
	})
}

func (s *Service) mutate(ctx context.Context, productID string, change func(*Stock, time.Time) (Movement, []event.Record, error)) ([]event.Record, error) {
	unlock := s.locks.lock(productID)
	defer unlock()

	var alerts []event.Record
	err := s.tx.Run(ctx, func(repos Repositories) error {
		stock, err := repos.Stocks.FindStockByProduct(ctx, productID)
		if err != nil {
			return err
		}
		a, err := s.applyMovement(ctx, repos, stock, change)
		alerts = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// applyMovement mutates the stock and persists the row together with its movement.
func (s *Service) applyMovement(ctx context.Context, repos Repositories, stock *Stock, change func(*Stock, time.Time) (Movement, []event.Record, error)) ([]event.Record, error) {
	m, alerts, err := change(stock, s.now())
	if err != nil {
		return nil, err
	}
	if err := repos.Stocks.SaveStock(ctx, stock); err != nil {
		return nil, err
	}
	if err := repos.Stocks.SaveMovements(ctx, []Movement{m}); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Service) Availability(ctx context.Context, productID string) (Availability, error) {
	var a Availability
	err := s.tx.Run(ctx, func(repos Repositories) error {
		stock, err := repos.Stocks.FindStockByProduct(ctx, productID)
		if err != nil {
			return err
		}
		reserved, err := repos.Reservations.SumPendingByStock(ctx, stock.ID)
		if err != nil {
			return err
		}
		a = Availability{
			ProductID: productID,
			Quantity:  stock.Quantity,
			Reserved:  reserved,
			Available: stock.Quantity - reserved,
		}
		return nil
	})
	return a, err
}

func (s *Service) Movements(ctx context.Context, productID string) ([]Movement, error) {
	var out []Movement
	err := s.tx.Run(ctx, func(repos Repositories) error {
		var err error
		out, err = repos.Stocks.ListMovements(ctx, productID)
		return err
	})
	return out, err
}

// Reservations returns every reservation of an order, whatever its status.
func (s *Service) Reservations(ctx context.Context, orderID string) ([]*Reservation, error) {
	var out []*Reservation
	err := s.tx.Run(ctx, func(repos Repositories) error {
		var err error
		out, err = repos.Reservations.FindReservationsByOrder(ctx, orderID)
		return err
	})
	return out, err
}

// Reserve places a pending hold for one order line. Stock quantity is not touched.
// An existing reservation for the same order and product makes the call a no-op.
func (s *Service) Reserve(ctx context.Context, orderID, productID string, qty int, reference string) (*Reservation, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	unlock := s.locks.lock(productID)
	defer unlock()

	var res *Reservation
	err := s.tx.Run(ctx, func(repos Repositories) error {
		var err error
		res, err = s.reserve(ctx, repos, orderID, productID, qty, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// reserve must run under the product lock.
func (s *Service) reserve(ctx context.Context, repos Repositories, orderID, productID string, qty int, reference string) (*Reservation, error) {
	existing, err := repos.Reservations.FindReservation(ctx, orderID, productID)
	switch {
	case err == nil:
		s.logger.Debug("reservation already exists",
			zap.String("order_id", orderID),
			zap.String("product_id", productID),
			zap.String("status", string(existing.Status)))
		return existing, nil
	case !errors.Is(err, ErrReservationNotFound):
		return nil, err
	}

	stock, err := repos.Stocks.FindStockByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	reserved, err := repos.Reservations.SumPendingByStock(ctx, stock.ID)
	if err != nil {
		return nil, err
	}
	if available := stock.Quantity - reserved; available < qty {
		return nil, fmt.Errorf("%w: product %s has %d available, requested %d", ErrInsufficientStock, productID, available, qty)
	}

	res := NewReservation(stock, orderID, qty, reference, s.now(), s.ttl)
	if err := repos.Reservations.InsertReservation(ctx, res); err != nil {
		return nil, err
	}
	s.logger.Info("stock reserved",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
		zap.Int("quantity", qty),
		zap.Time("expires_at", res.ExpiresAt))
	return res, nil
}

// Line is one product requested by an order.
type Line struct {
	ProductID string
	Quantity  int
}

// OrderReservation is the outcome of reserving every line of an order.
type OrderReservation struct {
	OrderID      string
	Reserved     bool
	Reservations []*Reservation
	// FailedProductID names the line that could not be held.
	FailedProductID string
	Reason          string
}

// ReserveOrder holds stock for every line of an order. When any line cannot be held the
// order's pending holds are released and the outcome reports the failure; that is a
// business result, not an error. Redelivery replays the same outcome.
func (s *Service) ReserveOrder(ctx context.Context, orderID, reference string, lines []Line) (OrderReservation, []event.Record, error) {
	out := OrderReservation{OrderID: orderID}
	merged, err := mergeLines(lines)
	if err != nil {
		return out, nil, err
	}

	existing, err := s.Reservations(ctx, orderID)
	if err != nil {
		return out, nil, err
	}
	held := make(map[string]*Reservation, len(existing))
	for _, r := range existing {
		if r.Status == ReservationReleased {
			out.FailedProductID = r.ProductID
			out.Reason = fmt.Sprintf("reservation for product %s was released (%s)", r.ProductID, r.ReleaseReason)
			return out, []event.Record{insufficientRecord(orderID)}, nil
		}
		held[r.ProductID] = r
	}

	for _, line := range merged {
		if r, ok := held[line.ProductID]; ok {
			out.Reservations = append(out.Reservations, r)
			continue
		}
		r, err := s.Reserve(ctx, orderID, line.ProductID, line.Quantity, reference)
		if err != nil {
			if !errors.Is(err, ErrInsufficientStock) && !errors.Is(err, ErrStockNotFound) {
				return out, nil, err
			}
			if _, relErr := s.Release(ctx, orderID, ReleaseInsufficientStock); relErr != nil {
				return out, nil, errors.Join(err, relErr)
			}
			s.logger.Warn("order reservation failed",
				zap.String("order_id", orderID),
				zap.String("product_id", line.ProductID),
				zap.Error(err))
			out.Reservations = nil
			out.FailedProductID = line.ProductID
			out.Reason = err.Error()
			return out, []event.Record{insufficientRecord(orderID)}, nil
		}
		out.Reservations = append(out.Reservations, r)
	}

	out.Reserved = true
	return out, []event.Record{event.New(event.InventoryStockReserved, orderID, event.OrderRef{OrderID: orderID})}, nil
}

func insufficientRecord(orderID string) event.Record {
	return event.New(event.InventoryStockInsufficient, orderID, event.OrderRef{OrderID: orderID})
}

// mergeLines folds repeated products into one line, keeping first-seen order.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order has no lines", ErrInvalidQuantity)
	}
	index := make(map[string]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %q quantity %d", ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// Commit turns every pending hold of the order into a permanent decrement, as one unit.
// If any line fails the lines already applied are reversed and put back to pending.
// Without pending holds the call is a no-op; an already committed order reports
// the committed event again so a replay sees the same outcome. An order with any
// released hold is never committed.
func (s *Service) Commit(ctx context.Context, orderID string) ([]event.Record, error) {
	all, err := s.Reservations(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	locked := make(map[string]bool, len(all))
	products := make([]string, 0, len(all))
	for _, r := range all {
		locked[r.ProductID] = true
		products = append(products, r.ProductID)
	}

	unlock := s.locks.lock(products...)
	defer unlock()

	var records []event.Record
	err = s.tx.Run(ctx, func(repos Repositories) error {
		current, err := repos.Reservations.FindReservationsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if i := slices.IndexFunc(current, func(r *Reservation) bool { return r.Status == ReservationReleased }); i >= 0 {
			s.logger.Warn("commit refused, order has a released reservation",
				zap.String("order_id", orderID),
				zap.String("product_id", current[i].ProductID),
				zap.String("release_reason", string(current[i].ReleaseReason)))
			return nil
		}
		pending, err := repos.Reservations.FindPendingByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			records = s.replayCommitted(ctx, repos, orderID)
			return nil
		}
		for _, r := range pending {
			if !locked[r.ProductID] {
				return fmt.Errorf("order %s gained reservation for %s during commit", orderID, r.ProductID)
			}
		}
		alerts, err := s.commitLines(ctx, repos, orderID, pending)
		if err != nil {
			return err
		}
		records = append(alerts, event.New(event.InventoryStockCommitted, orderID, event.OrderRef{OrderID: orderID}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		s.logger.Info("reservations committed", zap.String("order_id", orderID))
	}
	return records, nil
}

func (s *Service) replayCommitted(ctx context.Context, repos Repositories, orderID string) []event.Record {
	all, err := repos.Reservations.FindReservationsByOrder(ctx, orderID)
	if err != nil || len(all) == 0 {
		return nil
	}
	for _, r := range all {
		if r.Status != ReservationCommitted {
			return nil
		}
	}
	return []event.Record{event.New(event.InventoryStockCommitted, orderID, event.OrderRef{OrderID: orderID})}
}

// appliedLine is a decrement already persisted during a commit. res is set once the
// reservation itself has been flipped to committed.
type appliedLine struct {
	stock *Stock
	qty   int
	res   *Reservation
}

func (s *Service) commitLines(ctx context.Context, repos Repositories, orderID string, pending []*Reservation) ([]event.Record, error) {
	ref := orderID
	var (
		alerts  []event.Record
		applied []appliedLine
	)
	abort := func(res *Reservation, cause error) error {
		s.logger.Error("commit line failed, compensating",
			zap.String("order_id", orderID),
			zap.String("product_id", res.ProductID),
			zap.Int("applied_lines", len(applied)),
			zap.Error(cause))
		// a rolled back unit already discards the applied lines
		if s.rollsBack {
			return fmt.Errorf("%w: order %s: %w", ErrCommitAborted, orderID, cause)
		}
		if cerr := s.compensate(ctx, repos, orderID, applied); cerr != nil {
			return fmt.Errorf("%w: %w: order %s: %w (%v)", ErrCommitAborted, ErrCompensationFailed, orderID, cause, cerr)
		}
		return fmt.Errorf("%w: order %s: %w", ErrCommitAborted, orderID, cause)
	}

	for _, res := range pending {
		stock, err := repos.Stocks.FindStockByProduct(ctx, res.ProductID)
		if err != nil {
			return nil, abort(res, err)
		}
		a, err := s.applyMovement(ctx, repos, stock, func(st *Stock, at time.Time) (Movement, []event.Record, error) {
			return st.Decrease(res.Quantity, reasonReservationCommit, &ref, at)
		})
		if err != nil {
			return nil, abort(res, err)
		}
		applied = append(applied, appliedLine{stock: stock, qty: res.Quantity})

		if err := res.Commit(s.now()); err != nil {
			return nil, abort(res, err)
		}
		if err := repos.Reservations.UpdateReservation(ctx, res); err != nil {
			return nil, abort(res, err)
		}
		applied[len(applied)-1].res = res
		alerts = append(alerts, a...)
	}
	return alerts, nil
}

// compensate reverses applied decrements and reverts their reservations to pending.
func (s *Service) compensate(ctx context.Context, repos Repositories, orderID string, applied []appliedLine) error {
	ref := orderID
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		line := applied[i]
		if _, err := s.applyMovement(ctx, repos, line.stock, func(st *Stock, at time.Time) (Movement, []event.Record, error) {
			return st.Increase(line.qty, reasonCommitCompensation, &ref, at)
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		if line.res == nil {
			continue
		}
		line.res.revertCommit()
		if err := repos.Reservations.UpdateReservation(ctx, line.res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release ends every pending hold of the order without touching stock quantity.
// It returns how many holds were released; zero on redelivery.
func (s *Service) Release(ctx context.Context, orderID string, reason ReleaseReason) (int, error) {
	released, err := s.releaseOrder(ctx, orderID, reason, nil)
	return len(released), err
}

// releaseOrder releases the pending holds of an order under their product locks. When
// due is set the holds are only released if due accepts them, checked inside the unit.
func (s *Service) releaseOrder(ctx context.Context, orderID string, reason ReleaseReason, due func([]*Reservation) bool) ([]*Reservation, error) {
	all, err := s.Reservations(ctx, orderID)
	if err != nil {
		return nil, err
	}
	products := make([]string, 0, len(all))
	for _, r := range all {
		if r.IsPending() {
			products = append(products, r.ProductID)
		}
	}
	if len(products) == 0 {
		return nil, nil
	}

	unlock := s.locks.lock(products...)
	defer unlock()

	var released []*Reservation
	err = s.tx.Run(ctx, func(repos Repositories) error {
		pending, err := repos.Reservations.FindPendingByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if due != nil && !due(pending) {
			return nil
		}
		for _, r := range pending {
			if !slices.Contains(products, r.ProductID) {
				return fmt.Errorf("order %s gained reservation for %s during release", orderID, r.ProductID)
			}
			if err := r.Release(reason, s.now()); err != nil {
				return err
			}
			if err := repos.Reservations.UpdateReservation(ctx, r); err != nil {
				return err
			}
			released = append(released, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		s.logger.Info("reservations released",
			zap.String("order_id", orderID),
			zap.String("reason", string(reason)),
			zap.Int("count", len(released)))
	}
	return released, nil
}

// ExpireDue finds holds whose expiry is before now and releases their whole order,
// reporting one expiry per released line. limit bounds the holds scanned, not the
// records returned.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) ([]event.Record, error) {
	var due []*Reservation
	err := s.tx.Run(ctx, func(repos Repositories) error {
		var err error
		due, err = repos.Reservations.FindExpiredPending(ctx, now, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	var records []event.Record
	seen := make(map[string]bool, len(due))
	for _, candidate := range due {
		if seen[candidate.OrderID] {
			continue
		}
		seen[candidate.OrderID] = true
		recs, err := s.expireOrder(ctx, candidate.OrderID, now)
		if err != nil {
			return records, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (s *Service) expireOrder(ctx context.Context, orderID string, now time.Time) ([]event.Record, error) {
	// a commit or release may have won the race since the scan
	lapsed := func(pending []*Reservation) bool {
		return slices.ContainsFunc(pending, func(r *Reservation) bool { return r.IsExpired(now) })
	}
	released, err := s.releaseOrder(ctx, orderID, ReleaseExpired, lapsed)
	if err != nil {
		return nil, err
	}
	records := make([]event.Record, 0, len(released))
	for _, r := range released {
		records = append(records, expiredRecord(r))
	}
	return records, nil
}

// expiredRecord is the expiry notice for one hold released by the sweep.
func expiredRecord(r *Reservation) event.Record {
	return event.New(event.InventoryReservationExpired, r.OrderID, event.ReservationExpired{
		OrderID:   r.OrderID,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
	})
}
