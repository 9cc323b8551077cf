package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrEmptyOrder    = errors.New("order must have at least one item")
	ErrOrderNotDraft = errors.New("order items can only change while draft")
	ErrInvalidItem   = errors.New("invalid order item")
)

type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
}

// gross is the line amount before discount.
func (i Item) gross() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"order_number"`
	CustomerID    string          `json:"customer_id"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	Notes         string          `json:"notes,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	Items         []Item          `json:"items"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// New creates a draft order with no items.
func New(customerID, notes string, at time.Time) *Order {
	id := uuid.New().String()
	return &Order{
		ID:            id,
		OrderNumber:   newOrderNumber(id, at),
		CustomerID:    customerID,
		Status:        StatusDraft,
		PaymentStatus: PaymentUnpaid,
		Subtotal:      decimal.Zero,
		Discount:      decimal.Zero,
		Total:         decimal.Zero,
		Notes:         notes,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// newOrderNumber formats SO-YYYYMMDD-XXXXXXXX from the creation date and id.
func newOrderNumber(id string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))[:8]
	return fmt.Sprintf("SO-%s-%s", at.Format("20060102"), suffix)
}

// AddItem appends a line to a draft order and refreshes the totals.
func (o *Order) AddItem(item Item, at time.Time) error {
	if o.Status != StatusDraft {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotDraft, o.ID, o.Status)
	}
	if item.ProductID == "" || item.Quantity <= 0 {
		return fmt.Errorf("%w: product %q quantity %d", ErrInvalidItem, item.ProductID, item.Quantity)
	}
	if item.UnitPrice.IsNegative() || item.Discount.IsNegative() || item.Discount.GreaterThan(item.gross()) {
		return fmt.Errorf("%w: price %s discount %s", ErrInvalidItem, item.UnitPrice, item.Discount)
	}
	item.Total = item.gross().Sub(item.Discount)
	o.Items = append(o.Items, item)
	o.recalculate()
	o.UpdatedAt = at
	return nil
}

// recalculate derives subtotal, discount and total from the items.
func (o *Order) recalculate() {
	subtotal, discount := decimal.Zero, decimal.Zero
	for i := range o.Items {
		item := &o.Items[i]
		item.Total = item.gross().Sub(item.Discount)
		subtotal = subtotal.Add(item.gross())
		discount = discount.Add(item.Discount)
	}
	o.Subtotal = subtotal
	o.Discount = discount
	o.Total = subtotal.Sub(discount)
}

// Confirm freezes the items, recomputes totals and moves the order to pending.
func (o *Order) Confirm(at time.Time) error {
	if o.Status != StatusDraft {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotDraft, o.ID, o.Status)
	}
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	o.recalculate()
	return ApplyTransition(o, StatusPending, "", at)
}

// Lines folds the items into one quantity per product, keeping first-seen order.
func (o *Order) Lines() []Line {
	index := make(map[string]int, len(o.Items))
	lines := make([]Line, 0, len(o.Items))
	for _, item := range o.Items {
		if i, ok := index[item.ProductID]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(lines)
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// Line is the quantity of one product an order asks for.
type Line struct {
	ProductID string
	Quantity  int
}

// Clone returns a deep copy so stores never share item slices or timestamps.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.ConfirmedAt = cloneTime(o.ConfirmedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
