package store

import (
	"context"
	"sync"

	"github.com/example/ec-stock-saga/internal/domain/order"
)

// MemoryOrderStore keeps orders and customers in process memory.
type MemoryOrderStore struct {
	mu        sync.RWMutex
	orders    map[string]*order.Order
	customers map[string]order.Customer
}

var (
	_ order.Repository         = (*MemoryOrderStore)(nil)
	_ order.CustomerRepository = (*MemoryOrderStore)(nil)
)

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders:    make(map[string]*order.Order),
		customers: make(map[string]order.Customer),
	}
}

func (s *MemoryOrderStore) FindOrderByID(ctx context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) SaveOrder(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryOrderStore) FindCustomerByID(ctx context.Context, id string) (*order.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, order.ErrCustomerNotFound
	}
	return &c, nil
}

func (s *MemoryOrderStore) SaveCustomer(ctx context.Context, c *order.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = *c
	return nil
}
