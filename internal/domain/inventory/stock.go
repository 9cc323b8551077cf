package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-stock-saga/internal/event"
	"github.com/google/uuid"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrStockNotFound     = errors.New("stock not found")
)

type MovementType string

const (
	MovementIncrease   MovementType = "increase"
	MovementDecrease   MovementType = "decrease"
	MovementAdjustment MovementType = "adjustment"
)

// Stock is the physical quantity of one product.
type Stock struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	ProductName    string     `json:"product_name"`
	Quantity       int        `json:"quantity"`
	MinimumStock   int        `json:"minimum_stock"`
	MaximumStock   *int       `json:"maximum_stock,omitempty"`
	LastMovementAt *time.Time `json:"last_movement_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Movement is an immutable audit record of a single stock mutation.
type Movement struct {
	ID               string       `json:"id"`
	StockID          string       `json:"stock_id"`
	ProductID        string       `json:"product_id"`
	Type             MovementType `json:"type"`
	Delta            int          `json:"delta"`
	PreviousQuantity int          `json:"previous_quantity"`
	NewQuantity      int          `json:"new_quantity"`
	Reason           string       `json:"reason"`
	Reference        *string      `json:"reference,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

func NewStock(productID, productName string, minimum int, maximum *int) *Stock {
	return &Stock{
		ID:           uuid.New().String(),
		ProductID:    productID,
		ProductName:  productName,
		MinimumStock: minimum,
		MaximumStock: maximum,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (s *Stock) IsLowStock() bool {
	return s.Quantity > 0 && s.Quantity <= s.MinimumStock
}

func (s *Stock) IsDepleted() bool {
	return s.Quantity == 0
}

// Increase adds qty units and returns the movement plus any threshold alert.
func (s *Stock) Increase(qty int, reason string, ref *string, at time.Time) (Movement, []event.Record, error) {
	if qty <= 0 {
		return Movement{}, nil, ErrInvalidQuantity
	}
	return s.apply(MovementIncrease, s.Quantity+qty, reason, ref, at)
}

// Decrease removes qty units. It fails rather than clamping when qty exceeds the quantity.
func (s *Stock) Decrease(qty int, reason string, ref *string, at time.Time) (Movement, []event.Record, error) {
	if qty <= 0 {
		return Movement{}, nil, ErrInvalidQuantity
	}
	if qty > s.Quantity {
		return Movement{}, nil, fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, s.ProductID, s.Quantity, qty)
	}
	return s.apply(MovementDecrease, s.Quantity-qty, reason, ref, at)
}

// Adjust sets the quantity to an absolute value, e.g. after a physical count.
func (s *Stock) Adjust(newQty int, reason string, at time.Time) (Movement, []event.Record, error) {
	if newQty < 0 {
		return Movement{}, nil, ErrInvalidQuantity
	}
	return s.apply(MovementAdjustment, newQty, reason, nil, at)
}

func (s *Stock) apply(kind MovementType, newQty int, reason string, ref *string, at time.Time) (Movement, []event.Record, error) {
	wasLow, wasDepleted := s.IsLowStock(), s.IsDepleted()

	m := Movement{
		ID:               uuid.New().String(),
		StockID:          s.ID,
		ProductID:        s.ProductID,
		Type:             kind,
		Delta:            newQty - s.Quantity,
		PreviousQuantity: s.Quantity,
		NewQuantity:      newQty,
		Reason:           reason,
		Reference:        ref,
		CreatedAt:        at,
	}

	s.Quantity = newQty
	s.LastMovementAt = &at
	s.UpdatedAt = at

	var alerts []event.Record
	switch {
	case s.IsDepleted() && !wasDepleted:
		alerts = append(alerts, s.alert(event.InventoryStockDepleted))
	case s.IsLowStock() && !wasLow:
		alerts = append(alerts, s.alert(event.InventoryStockLow))
	}
	return m, alerts, nil
}

func (s *Stock) alert(name string) event.Record {
	current, minimum := s.Quantity, s.MinimumStock
	return event.New(name, s.ProductID, event.StockAlert{
		ProductID:    s.ProductID,
		ProductName:  s.ProductName,
		CurrentStock: &current,
		MinimumStock: &minimum,
	})
}
