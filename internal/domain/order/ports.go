package order

import (
	"context"
	"errors"
)

var ErrCustomerNotFound = errors.New("customer not found")

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Repository persists orders with their items.
type Repository interface {
	FindOrderByID(ctx context.Context, id string) (*Order, error)
	SaveOrder(ctx context.Context, o *Order) error
}

type CustomerRepository interface {
	FindCustomerByID(ctx context.Context, id string) (*Customer, error)
}
