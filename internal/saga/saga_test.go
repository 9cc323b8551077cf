package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ec-stock-saga/internal/domain/inventory"
	"github.com/example/ec-stock-saga/internal/domain/order"
	"github.com/example/ec-stock-saga/internal/event"
	"github.com/example/ec-stock-saga/internal/infrastructure/store"
	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires both sides of the saga to one in-memory broker. pump delivers queued
// messages straight to the routed handlers until both queues are idle.
type harness struct {
	t         *testing.T
	broker    *messaging.MemoryBroker
	publisher *messaging.Publisher
	stock     *inventory.Service
	stockDB   *store.MemoryInventoryStore
	orders    *order.Service
	sweeper   *Sweeper
	clock     *testClock
	routers   map[string]*messaging.Router
	cursor    map[string]int
	errs      []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	broker := messaging.NewMemoryBroker()
	publisher := messaging.NewPublisher(broker, messaging.NewMemoryOutbox(), logger)

	stockDB := store.NewMemoryInventoryStore()
	stock := inventory.NewService(stockDB, logger, inventory.WithClock(clock.Now))
	orderDB := store.NewMemoryOrderStore()
	require.NoError(t, orderDB.SaveCustomer(context.Background(), &order.Customer{ID: "cust-1", Name: "Ada"}))
	orders := order.NewService(orderDB, orderDB, logger, order.WithClock(clock.Now))

	invRouter := messaging.NewRouter()
	NewInventoryHandlers(stock, publisher, logger).Register(invRouter)
	salesRouter := messaging.NewRouter()
	NewSalesHandlers(orders, publisher, logger).Register(salesRouter)

	sweeper := NewSweeper(stock, publisher, time.Minute, logger)
	sweeper.now = clock.Now

	return &harness{
		t:         t,
		broker:    broker,
		publisher: publisher,
		stock:     stock,
		stockDB:   stockDB,
		orders:    orders,
		sweeper:   sweeper,
		clock:     clock,
		routers: map[string]*messaging.Router{
			messaging.InventoryQueue: invRouter,
			messaging.SalesQueue:     salesRouter,
		},
		cursor: make(map[string]int),
	}
}

func (h *harness) pump() {
	h.t.Helper()
	ctx := context.Background()
	for progressed := true; progressed; {
		progressed = false
		for queue, router := range h.routers {
			msgs := h.broker.Messages(queue)
			for ; h.cursor[queue] < len(msgs); h.cursor[queue]++ {
				progressed = true
				env, err := event.Decode(msgs[h.cursor[queue]].Value)
				require.NoError(h.t, err)
				handler, ok := router.Lookup(env.Name)
				if !ok {
					continue
				}
				if err := handler(ctx, env); err != nil {
					h.errs = append(h.errs, err)
				}
			}
		}
	}
}

// replay delivers every message of every queue a second time.
func (h *harness) replay() {
	h.t.Helper()
	h.cursor = make(map[string]int)
	h.pump()
}

func (h *harness) external(name, orderID string) {
	h.t.Helper()
	require.NoError(h.t, h.publisher.Publish(context.Background(), event.New(name, orderID, event.OrderRef{OrderID: orderID})))
	h.pump()
}

func (h *harness) registerStock(productID string, qty, minimum int) {
	h.t.Helper()
	_, _, err := h.stock.RegisterStock(context.Background(), productID, "Product "+productID, qty, minimum, nil)
	require.NoError(h.t, err)
}

// placeOrder creates, fills and confirms an order, then lets inventory react.
func (h *harness) placeOrder(lines map[string]int) string {
	h.t.Helper()
	ctx := context.Background()
	o, err := h.orders.Create(ctx, "cust-1", "")
	require.NoError(h.t, err)
	for productID, qty := range lines {
		_, err := h.orders.AddItem(ctx, o.ID, order.Item{
			ProductID: productID, Name: "Product " + productID, Quantity: qty, UnitPrice: decimal.NewFromInt(5),
		})
		require.NoError(h.t, err)
	}
	records, err := h.orders.Confirm(ctx, o.ID)
	require.NoError(h.t, err)
	require.NoError(h.t, h.publisher.Publish(ctx, records...))
	h.pump()
	return o.ID
}

func (h *harness) status(orderID string) order.Status {
	h.t.Helper()
	o, err := h.orders.Get(context.Background(), orderID)
	require.NoError(h.t, err)
	return o.Status
}

func (h *harness) availability(productID string) inventory.Availability {
	h.t.Helper()
	a, err := h.stock.Availability(context.Background(), productID)
	require.NoError(h.t, err)
	return a
}

// flakyPublisher fails its first fails calls, then hands records on to next.
type flakyPublisher struct {
	next  Publisher
	fails int
	calls int
}

func (p *flakyPublisher) Publish(ctx context.Context, records ...event.Record) error {
	p.calls++
	if p.calls <= p.fails {
		return fmt.Errorf("%w: outbox unavailable", messaging.ErrTransient)
	}
	return p.next.Publish(ctx, records...)
}

// deliverTwice runs the sales handler for name against a publisher that fails once,
// the way a consumer retries after a lost publish.
func (h *harness) deliverTwice(name, orderID string) (first, second error) {
	h.t.Helper()
	router := messaging.NewRouter()
	NewSalesHandlers(h.orders, &flakyPublisher{next: h.publisher, fails: 1}, zap.NewNop()).Register(router)
	handler, ok := router.Lookup(name)
	require.True(h.t, ok)
	env, err := event.New(name, orderID, event.OrderRef{OrderID: orderID}).Envelope()
	require.NoError(h.t, err)

	ctx := context.Background()
	return handler(ctx, env), handler(ctx, env)
}

func (h *harness) eventNames(queue string) []string {
	var names []string
	for _, m := range h.broker.Messages(queue) {
		names = append(names, m.Headers[messaging.HeaderEventName])
	}
	return names
}

// ============================================
// Saga Scenario Tests
// ============================================

func TestSaga_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 5)
	h.registerStock("prod-2", 20, 2)

	orderID := h.placeOrder(map[string]int{"prod-1": 5, "prod-2": 1})
	assert.Equal(t, order.StatusPendingPayment, h.status(orderID))
	assert.Equal(t, 5, h.availability("prod-1").Available)
	assert.Equal(t, 10, h.availability("prod-1").Quantity)

	h.external(event.FinancialPaymentApproved, orderID)
	assert.Equal(t, order.StatusConfirmed, h.status(orderID))
	assert.Equal(t, 5, h.availability("prod-1").Quantity)
	assert.Equal(t, 19, h.availability("prod-2").Quantity)

	h.external(event.LogisticsShipmentShipped, orderID)
	assert.Equal(t, order.StatusShipped, h.status(orderID))

	h.external(event.LogisticsShipmentDelivered, orderID)
	assert.Equal(t, order.StatusCompleted, h.status(orderID))
	assert.Equal(t, 5, h.availability("prod-1").Quantity, "delivery does not commit twice")

	assert.Empty(t, h.errs)
	assert.Contains(t, h.eventNames(messaging.NotificationsQueue), event.InventoryStockLow)
}

func TestSaga_InsufficientStockCancelsOrder(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 5, 1)

	orderID := h.placeOrder(map[string]int{"prod-1": 8})

	o, err := h.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, order.ReasonInsufficientStock, o.CancelReason)
	assert.Equal(t, 5, h.availability("prod-1").Available)
	assert.Contains(t, h.eventNames(messaging.InventoryQueue), event.SalesOrderCancelled)
	assert.Empty(t, h.errs)
}

func TestSaga_PaymentFailedReleasesStock(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	orderID := h.placeOrder(map[string]int{"prod-1": 3})
	require.Equal(t, 7, h.availability("prod-1").Available)

	h.external(event.FinancialPaymentFailed, orderID)

	assert.Equal(t, order.StatusCancelled, h.status(orderID))
	a := h.availability("prod-1")
	assert.Equal(t, 10, a.Available)
	assert.Equal(t, 10, a.Quantity)
	res, err := h.stockDB.FindReservation(context.Background(), orderID, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationReleased, res.Status)
	assert.Equal(t, inventory.ReleaseCancelled, res.ReleaseReason)
}

func TestSaga_ExpiredReservationCancelsOrder(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	orderID := h.placeOrder(map[string]int{"prod-1": 4})

	h.clock.Advance(16 * time.Minute)
	n, err := h.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.pump()

	assert.Equal(t, order.StatusCancelled, h.status(orderID))
	assert.Equal(t, 10, h.availability("prod-1").Available)

	// late payment cannot revive the order or touch stock
	h.external(event.FinancialPaymentApproved, orderID)
	assert.Equal(t, order.StatusCancelled, h.status(orderID))
	assert.Equal(t, 10, h.availability("prod-1").Quantity)
}

func TestSaga_RedeliveryIsHarmless(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	orderID := h.placeOrder(map[string]int{"prod-1": 4})
	h.external(event.FinancialPaymentApproved, orderID)
	require.Equal(t, order.StatusConfirmed, h.status(orderID))

	h.replay()

	assert.Equal(t, order.StatusConfirmed, h.status(orderID))
	a := h.availability("prod-1")
	assert.Equal(t, 6, a.Quantity, "committed exactly once")
	assert.Equal(t, 6, a.Available)
	reservations, err := h.stock.Reservations(context.Background(), orderID)
	require.NoError(t, err)
	assert.Len(t, reservations, 1)
}

func TestSaga_DeliveredWithoutShippedEvent(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	orderID := h.placeOrder(map[string]int{"prod-1": 1})
	h.external(event.FinancialPaymentApproved, orderID)

	h.external(event.LogisticsShipmentDelivered, orderID)

	o, err := h.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.NotNil(t, o.DeliveredAt)
	assert.Empty(t, h.errs)
}

// ============================================
// Lost Publish Tests
// ============================================

func TestSaga_PaidPublishLostThenRedelivered(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	orderID := h.placeOrder(map[string]int{"prod-1": 4})

	first, second := h.deliverTwice(event.FinancialPaymentApproved, orderID)

	require.Error(t, first)
	assert.Equal(t, messaging.ClassTransient, messaging.Classify(first))
	require.NoError(t, second)
	assert.Contains(t, h.eventNames(messaging.InventoryQueue), event.SalesOrderPaid)

	h.pump()
	assert.Equal(t, order.StatusConfirmed, h.status(orderID))
	assert.Equal(t, 6, h.availability("prod-1").Quantity)
	assert.Empty(t, h.errs)
}

func TestSaga_CancelledPublishLostThenRedelivered(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	orderID := h.placeOrder(map[string]int{"prod-1": 4})

	first, second := h.deliverTwice(event.FinancialPaymentFailed, orderID)

	require.Error(t, first)
	require.NoError(t, second)
	h.pump()
	assert.Equal(t, order.StatusCancelled, h.status(orderID))
	assert.Equal(t, 10, h.availability("prod-1").Available, "holds released by the re-emitted cancellation")
}

// ============================================
// Handler Validation Tests
// ============================================

func TestInventoryHandlers_RejectsMissingOrderID(t *testing.T) {
	h := newHarness(t)
	router := h.routers[messaging.InventoryQueue]
	handler, ok := router.Lookup(event.SalesOrderPaid)
	require.True(t, ok)

	env, err := event.New(event.SalesOrderPaid, "", event.OrderRef{}).Envelope()
	require.NoError(t, err)

	err = handler(context.Background(), env)

	assert.ErrorIs(t, err, messaging.ErrValidation)
	assert.Equal(t, messaging.ClassValidation, messaging.Classify(err))
}

func TestInventoryHandlers_ConfirmedWithoutItems(t *testing.T) {
	h := newHarness(t)
	handler, ok := h.routers[messaging.InventoryQueue].Lookup(event.SalesOrderConfirmed)
	require.True(t, ok)

	env, err := event.New(event.SalesOrderConfirmed, "o-1", event.OrderConfirmed{OrderID: "o-1"}).Envelope()
	require.NoError(t, err)

	assert.ErrorIs(t, handler(context.Background(), env), messaging.ErrValidation)
}

func TestSalesHandlers_UnknownOrderIsBusinessRule(t *testing.T) {
	h := newHarness(t)
	handler, ok := h.routers[messaging.SalesQueue].Lookup(event.InventoryStockReserved)
	require.True(t, ok)

	env, err := event.New(event.InventoryStockReserved, "ghost", event.OrderRef{OrderID: "ghost"}).Envelope()
	require.NoError(t, err)
	err = handler(context.Background(), env)

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
	assert.Equal(t, messaging.ClassBusinessRule, messaging.Classify(err))
}

// ============================================
// Consumer Wiring Tests
// ============================================

func TestSaga_ThroughConsumers(t *testing.T) {
	h := newHarness(t)
	h.registerStock("prod-1", 10, 0)
	ctx := context.Background()
	o, err := h.orders.Create(ctx, "cust-1", "")
	require.NoError(t, err)
	_, err = h.orders.AddItem(ctx, o.ID, order.Item{ProductID: "prod-1", Quantity: 2, UnitPrice: decimal.NewFromInt(3)})
	require.NoError(t, err)
	records, err := h.orders.Confirm(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, h.publisher.Publish(ctx, records...))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for queue, router := range h.routers {
		c := messaging.NewConsumer(messaging.ConsumerConfig{Queue: queue}, h.broker.Source(queue), router, messaging.NewMemoryInbox(), h.broker, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Run(runCtx))
		}()
	}

	require.Eventually(t, func() bool {
		got, err := h.orders.Get(ctx, o.ID)
		return err == nil && got.Status == order.StatusPendingPayment
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
	assert.Equal(t, 8, h.availability("prod-1").Available)
}

func TestSaga_ReorderedEventsThroughConsumer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, err := h.orders.Create(ctx, "cust-1", "")
	require.NoError(t, err)
	_, err = h.orders.AddItem(ctx, o.ID, order.Item{ProductID: "prod-1", Quantity: 1, UnitPrice: decimal.NewFromInt(3)})
	require.NoError(t, err)
	_, err = h.orders.Confirm(ctx, o.ID)
	require.NoError(t, err)
	// the payment overtakes the reservation on the sales queue
	require.NoError(t, h.publisher.Publish(ctx,
		event.New(event.FinancialPaymentApproved, o.ID, event.OrderRef{OrderID: o.ID}),
		event.New(event.InventoryStockReserved, o.ID, event.OrderRef{OrderID: o.ID}),
	))

	c := messaging.NewConsumer(messaging.ConsumerConfig{Queue: messaging.SalesQueue},
		h.broker.Source(messaging.SalesQueue), h.routers[messaging.SalesQueue], messaging.NewMemoryInbox(), h.broker, zap.NewNop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := h.orders.Get(ctx, o.ID)
		return err == nil && got.Status == order.StatusPaid
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, h.broker.Messages(messaging.DeadLetterQueue(messaging.SalesQueue)))
	assert.Contains(t, h.eventNames(messaging.InventoryQueue), event.SalesOrderPaid)
}
