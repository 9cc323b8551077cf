package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/example/ec-stock-saga/internal/domain/inventory"
)

// MemoryInventoryStore keeps stock, movements and reservations in process memory.
// Reads hand out copies so callers only change state through Save/Update.
type MemoryInventoryStore struct {
	mu           sync.RWMutex
	stocks       map[string]inventory.Stock // productID -> stock
	movements    []inventory.Movement
	reservations []inventory.Reservation
}

var (
	_ inventory.StockRepository       = (*MemoryInventoryStore)(nil)
	_ inventory.ReservationRepository = (*MemoryInventoryStore)(nil)
	_ inventory.TxRunner              = (*MemoryInventoryStore)(nil)
)

func NewMemoryInventoryStore() *MemoryInventoryStore {
	return &MemoryInventoryStore{stocks: make(map[string]inventory.Stock)}
}

// Run calls fn directly. The memory store has no rollback; the inventory service
// compensates its own partial work.
func (s *MemoryInventoryStore) Run(ctx context.Context, fn func(inventory.Repositories) error) error {
	return fn(inventory.Repositories{Stocks: s, Reservations: s})
}

func (s *MemoryInventoryStore) FindStockByProduct(ctx context.Context, productID string) (*inventory.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stocks[productID]
	if !ok {
		return nil, inventory.ErrStockNotFound
	}
	return &st, nil
}

func (s *MemoryInventoryStore) SaveStock(ctx context.Context, stock *inventory.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stocks[stock.ProductID] = *stock
	return nil
}

func (s *MemoryInventoryStore) SaveMovements(ctx context.Context, movements []inventory.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, movements...)
	return nil
}

func (s *MemoryInventoryStore) ListMovements(ctx context.Context, productID string) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inventory.Movement
	for _, m := range s.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryInventoryStore) FindReservation(ctx context.Context, orderID, productID string) (*inventory.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reservations {
		if r.OrderID == orderID && r.ProductID == productID {
			return &r, nil
		}
	}
	return nil, inventory.ErrReservationNotFound
}

func (s *MemoryInventoryStore) FindReservationsByOrder(ctx context.Context, orderID string) ([]*inventory.Reservation, error) {
	return s.filter(func(r inventory.Reservation) bool { return r.OrderID == orderID }, 0), nil
}

func (s *MemoryInventoryStore) FindPendingByOrder(ctx context.Context, orderID string) ([]*inventory.Reservation, error) {
	return s.filter(func(r inventory.Reservation) bool {
		return r.OrderID == orderID && r.IsPending()
	}, 0), nil
}

func (s *MemoryInventoryStore) FindExpiredPending(ctx context.Context, before time.Time, limit int) ([]*inventory.Reservation, error) {
	return s.filter(func(r inventory.Reservation) bool { return r.IsExpired(before) }, limit), nil
}

func (s *MemoryInventoryStore) SumPendingByStock(ctx context.Context, stockID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := 0
	for _, r := range s.reservations {
		if r.StockID == stockID && r.IsPending() {
			sum += r.Quantity
		}
	}
	return sum, nil
}

func (s *MemoryInventoryStore) InsertReservation(ctx context.Context, r *inventory.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations = append(s.reservations, *r)
	return nil
}

func (s *MemoryInventoryStore) UpdateReservation(ctx context.Context, r *inventory.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.reservations, func(x inventory.Reservation) bool { return x.ID == r.ID })
	if i < 0 {
		return inventory.ErrReservationNotFound
	}
	s.reservations[i] = *r
	return nil
}

// filter returns copies of matching reservations in insertion order.
func (s *MemoryInventoryStore) filter(match func(inventory.Reservation) bool, limit int) []*inventory.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*inventory.Reservation
	for _, r := range s.reservations {
		if !match(r) {
			continue
		}
		r := r
		out = append(out, &r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
