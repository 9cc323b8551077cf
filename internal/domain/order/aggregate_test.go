package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newDraftOrder(t *testing.T, items ...Item) *Order {
	t.Helper()
	o := New("cust-1", "", testNow)
	for _, item := range items {
		require.NoError(t, o.AddItem(item, testNow))
	}
	return o
}

// ============================================
// New Order Tests
// ============================================

func TestNew_Draft(t *testing.T) {
	o := New("cust-1", "leave at door", testNow)

	assert.NotEmpty(t, o.ID)
	assert.Regexp(t, `^SO-20260301-[0-9A-F]{8}$`, o.OrderNumber)
	assert.Equal(t, StatusDraft, o.Status)
	assert.Equal(t, PaymentUnpaid, o.PaymentStatus)
	assert.True(t, o.Total.IsZero())
	assert.Equal(t, "leave at door", o.Notes)
}

// ============================================
// AddItem Tests
// ============================================

func TestOrder_AddItem_Totals(t *testing.T) {
	o := newDraftOrder(t,
		Item{ProductID: "prod-1", Name: "Mug", SKU: "MUG-1", Quantity: 2, UnitPrice: price("10.50")},
		Item{ProductID: "prod-2", Name: "Tea", SKU: "TEA-1", Quantity: 3, UnitPrice: price("4.00"), Discount: price("2.00")},
	)

	assert.True(t, price("33.00").Equal(o.Subtotal), o.Subtotal.String())
	assert.True(t, price("2.00").Equal(o.Discount), o.Discount.String())
	assert.True(t, price("31.00").Equal(o.Total), o.Total.String())
	assert.True(t, price("21.00").Equal(o.Items[0].Total))
	assert.True(t, price("10.00").Equal(o.Items[1].Total))
}

func TestOrder_AddItem_Invalid(t *testing.T) {
	tests := []struct {
		name string
		item Item
	}{
		{"missing product", Item{Quantity: 1, UnitPrice: price("1")}},
		{"zero quantity", Item{ProductID: "p", Quantity: 0, UnitPrice: price("1")}},
		{"negative price", Item{ProductID: "p", Quantity: 1, UnitPrice: price("-1")}},
		{"discount above gross", Item{ProductID: "p", Quantity: 1, UnitPrice: price("5"), Discount: price("6")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New("cust-1", "", testNow)
			err := o.AddItem(tt.item, testNow)
			assert.ErrorIs(t, err, ErrInvalidItem)
			assert.Empty(t, o.Items)
		})
	}
}

func TestOrder_AddItem_OnlyWhileDraft(t *testing.T) {
	o := newDraftOrder(t, Item{ProductID: "prod-1", Quantity: 1, UnitPrice: price("5")})
	require.NoError(t, o.Confirm(testNow))

	err := o.AddItem(Item{ProductID: "prod-2", Quantity: 1, UnitPrice: price("5")}, testNow)

	assert.ErrorIs(t, err, ErrOrderNotDraft)
	assert.Len(t, o.Items, 1)
	assert.True(t, price("5").Equal(o.Total))
}

// ============================================
// Confirm Tests
// ============================================

func TestOrder_Confirm(t *testing.T) {
	o := newDraftOrder(t, Item{ProductID: "prod-1", Quantity: 2, UnitPrice: price("7.25")})

	require.NoError(t, o.Confirm(testNow))

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentPending, o.PaymentStatus)
	require.NotNil(t, o.ConfirmedAt)
	assert.Equal(t, testNow, *o.ConfirmedAt)
	assert.True(t, price("14.50").Equal(o.Total))
}

func TestOrder_Confirm_Empty(t *testing.T) {
	o := New("cust-1", "", testNow)

	err := o.Confirm(testNow)

	assert.ErrorIs(t, err, ErrEmptyOrder)
	assert.Equal(t, StatusDraft, o.Status)
}

func TestOrder_Confirm_Twice(t *testing.T) {
	o := newDraftOrder(t, Item{ProductID: "prod-1", Quantity: 1, UnitPrice: price("1")})
	require.NoError(t, o.Confirm(testNow))

	assert.ErrorIs(t, o.Confirm(testNow), ErrOrderNotDraft)
}

func TestOrder_Lines_MergesProducts(t *testing.T) {
	o := newDraftOrder(t,
		Item{ProductID: "prod-1", Quantity: 1, UnitPrice: price("1")},
		Item{ProductID: "prod-2", Quantity: 2, UnitPrice: price("1")},
		Item{ProductID: "prod-1", Quantity: 4, UnitPrice: price("1")},
	)

	assert.Equal(t, []Line{
		{ProductID: "prod-1", Quantity: 5},
		{ProductID: "prod-2", Quantity: 2},
	}, o.Lines())
}

func TestOrder_Clone_IsIndependent(t *testing.T) {
	o := newDraftOrder(t, Item{ProductID: "prod-1", Quantity: 1, UnitPrice: price("1")})
	require.NoError(t, o.Confirm(testNow))

	c := o.Clone()
	c.Items[0].Quantity = 99
	*c.ConfirmedAt = testNow.Add(time.Hour)

	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.Equal(t, testNow, *o.ConfirmedAt)
}

// ============================================
// Event Payload Tests
// ============================================

func TestConfirmedEvent_Payload(t *testing.T) {
	o := newDraftOrder(t,
		Item{ProductID: "prod-1", Quantity: 1, UnitPrice: price("3")},
		Item{ProductID: "prod-1", Quantity: 2, UnitPrice: price("3")},
	)
	require.NoError(t, o.Confirm(testNow))

	rec := confirmedEvent(o)
	env, err := rec.Envelope()
	require.NoError(t, err)

	assert.Equal(t, "sales.order.confirmed", env.Name)
	assert.JSONEq(t, `{
		"order_id": "`+o.ID+`",
		"customer_id": "cust-1",
		"items": [{"product_id": "prod-1", "quantity": 3}],
		"total_amount": "9"
	}`, string(env.Payload))
	assert.Equal(t, o.ID, rec.Key)
}
