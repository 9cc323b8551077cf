package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/ec-stock-saga/internal/domain/order"
	"github.com/example/ec-stock-saga/internal/event"
	"github.com/example/ec-stock-saga/internal/infrastructure/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOrderService(t *testing.T) (*order.Service, *store.MemoryOrderStore) {
	t.Helper()
	st := store.NewMemoryOrderStore()
	require.NoError(t, st.SaveCustomer(context.Background(), &order.Customer{
		ID: "cust-1", Name: "Ada", Email: "ada@example.com",
	}))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := order.NewService(st, st, zap.NewNop(), order.WithClock(func() time.Time { return now }))
	return svc, st
}

// newConfirmedOrder creates an order with one line and confirms it.
func newConfirmedOrder(t *testing.T, svc *order.Service) *order.Order {
	t.Helper()
	ctx := context.Background()
	o, err := svc.Create(ctx, "cust-1", "")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, o.ID, order.Item{
		ProductID: "prod-1", Name: "Mug", SKU: "MUG-1", Quantity: 2, UnitPrice: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, o.ID)
	require.NoError(t, err)
	return o
}

func statusOf(t *testing.T, svc *order.Service, id string) order.Status {
	t.Helper()
	o, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func names(records []event.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

// ============================================
// Create / Confirm Tests
// ============================================

func TestService_Create_UnknownCustomer(t *testing.T) {
	svc, _ := newTestOrderService(t)

	o, err := svc.Create(context.Background(), "nobody", "")

	assert.ErrorIs(t, err, order.ErrCustomerNotFound)
	assert.Nil(t, o)
}

func TestService_Confirm_EmitsItemSnapshot(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o, err := svc.Create(ctx, "cust-1", "")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, o.ID, order.Item{ProductID: "prod-1", Quantity: 2, UnitPrice: decimal.NewFromInt(10)})
	require.NoError(t, err)

	records, err := svc.Confirm(ctx, o.ID)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, event.SalesOrderConfirmed, records[0].Name)
	payload := records[0].Payload.(event.OrderConfirmed)
	assert.Equal(t, "cust-1", payload.CustomerID)
	assert.Equal(t, []event.OrderLine{{ProductID: "prod-1", Quantity: 2}}, payload.Items)
	assert.True(t, decimal.NewFromInt(20).Equal(payload.TotalAmount))
	assert.Equal(t, order.StatusPending, statusOf(t, svc, o.ID))
}

func TestService_Confirm_EmptyOrder(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o, err := svc.Create(ctx, "cust-1", "")
	require.NoError(t, err)

	records, err := svc.Confirm(ctx, o.ID)

	assert.ErrorIs(t, err, order.ErrEmptyOrder)
	assert.Empty(t, records)
}

func TestService_Confirm_NotFound(t *testing.T) {
	svc, _ := newTestOrderService(t)

	_, err := svc.Confirm(context.Background(), "missing")

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

// ============================================
// Saga Progress Tests
// ============================================

func TestService_HappyPath(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)

	_, err := svc.MarkReserved(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, statusOf(t, svc, o.ID))

	records, err := svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{event.SalesOrderPaid}, names(records))

	_, err = svc.MarkStockCommitted(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkShipped(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkDelivered(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.CompleteIfDelivered(ctx, o.ID)
	require.NoError(t, err)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestService_Redelivery_ReemitsPaid(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	_, err := svc.MarkReserved(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)

	_, err = svc.MarkReserved(ctx, o.ID)
	assert.NoError(t, err, "reserved replayed after paid")
	records, err := svc.MarkPaid(ctx, o.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{event.SalesOrderPaid}, names(records), "a lost publish gets another chance")
	assert.Equal(t, event.OrderRef{OrderID: o.ID}, records[0].Payload)
	assert.Equal(t, order.StatusPaid, statusOf(t, svc, o.ID))
}

func TestService_Redelivery_PaidAfterCommitStillReemits(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	for _, step := range []func(context.Context, string) ([]event.Record, error){
		svc.MarkReserved, svc.MarkPaid, svc.MarkStockCommitted,
	} {
		_, err := step(ctx, o.ID)
		require.NoError(t, err)
	}

	records, err := svc.MarkPaid(ctx, o.ID)

	require.NoError(t, err)
	assert.Equal(t, []string{event.SalesOrderPaid}, names(records))
	assert.Equal(t, order.StatusConfirmed, statusOf(t, svc, o.ID))
}

func TestService_Redelivery_PaidOnCancelledOrderEmitsNothing(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	_, err := svc.MarkReservationExpired(ctx, o.ID)
	require.NoError(t, err)

	records, err := svc.MarkPaid(ctx, o.ID)

	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.Empty(t, records)
}

func TestService_MarkDelivered_PassesThroughShipped(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	for _, step := range []func(context.Context, string) ([]event.Record, error){
		svc.MarkReserved, svc.MarkPaid, svc.MarkStockCommitted,
	} {
		_, err := step(ctx, o.ID)
		require.NoError(t, err)
	}

	_, err := svc.MarkDelivered(ctx, o.ID)

	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, statusOf(t, svc, o.ID))
}

func TestService_MarkDelivered_BeforeCommitIsOutOfOrder(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	_, err := svc.MarkReserved(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)

	_, err = svc.MarkDelivered(ctx, o.ID)

	assert.ErrorIs(t, err, order.ErrOutOfOrder)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.Equal(t, order.StatusPaid, statusOf(t, svc, o.ID))
}

func TestService_CompleteIfDelivered_IgnoresOtherStatuses(t *testing.T) {
	svc, _ := newTestOrderService(t)
	o := newConfirmedOrder(t, svc)

	records, err := svc.CompleteIfDelivered(context.Background(), o.ID)

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, order.StatusPending, statusOf(t, svc, o.ID))
}

// ============================================
// Cancellation Tests
// ============================================

func TestService_MarkReservationFailed_Cancels(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)

	records, err := svc.MarkReservationFailed(ctx, o.ID)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, event.SalesOrderCancelled, records[0].Name)
	assert.Equal(t, event.OrderCancelled{OrderID: o.ID, Reason: order.ReasonInsufficientStock}, records[0].Payload)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, order.PaymentFailed, got.PaymentStatus)

	records, err = svc.MarkReservationFailed(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, records, 1, "second delivery re-emits the cancellation")
	assert.Equal(t, event.OrderCancelled{OrderID: o.ID, Reason: order.ReasonInsufficientStock}, records[0].Payload)
	assert.Equal(t, order.StatusCancelled, statusOf(t, svc, o.ID))
}

func TestService_Cancel_AfterPaymentRefunds(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	_, err := svc.MarkReserved(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, o.ID, "customer request")

	require.NoError(t, err)
	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, "customer request", got.CancelReason)
}

func TestService_Cancel_ShippedFails(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	for _, step := range []func(context.Context, string) ([]event.Record, error){
		svc.MarkReserved, svc.MarkPaid, svc.MarkStockCommitted, svc.MarkShipped,
	} {
		_, err := step(ctx, o.ID)
		require.NoError(t, err)
	}

	records, err := svc.Cancel(ctx, o.ID, "too late")

	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.NotErrorIs(t, err, order.ErrOutOfOrder)
	assert.Empty(t, records)
	assert.Equal(t, order.StatusShipped, statusOf(t, svc, o.ID))
}

func TestService_StaleReservedAfterCancel(t *testing.T) {
	svc, _ := newTestOrderService(t)
	ctx := context.Background()
	o := newConfirmedOrder(t, svc)
	_, err := svc.MarkReservationExpired(ctx, o.ID)
	require.NoError(t, err)

	_, err = svc.MarkReserved(ctx, o.ID)

	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.NotErrorIs(t, err, order.ErrOutOfOrder)
	assert.Equal(t, order.StatusCancelled, statusOf(t, svc, o.ID))
}
