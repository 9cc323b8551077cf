package messaging

import (
	"context"
	"slices"

	"github.com/example/ec-stock-saga/internal/event"
)

// Queues, one per consuming service.
const (
	InventoryQueue     = "inventory.queue"
	SalesQueue         = "sales.queue"
	NotificationsQueue = "notifications.queue"
)

// DeadLetterQueue names the queue that receives messages its consumer gave up on.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// Routes maps an event name to the queues that carry it.
type Routes map[string][]string

// DefaultRoutes is the route table shared by every publisher.
var DefaultRoutes = Routes{
	event.SalesOrderConfirmed: {InventoryQueue},
	event.SalesOrderCancelled: {InventoryQueue},
	event.SalesOrderPaid:      {InventoryQueue},

	event.InventoryStockReserved:      {SalesQueue},
	event.InventoryStockInsufficient:  {SalesQueue},
	event.InventoryStockCommitted:     {SalesQueue},
	event.InventoryReservationExpired: {SalesQueue},
	event.InventoryStockLow:           {NotificationsQueue},
	event.InventoryStockDepleted:      {NotificationsQueue},

	event.FinancialPaymentApproved: {SalesQueue},
	event.FinancialPaymentFailed:   {SalesQueue},

	event.LogisticsShipmentShipped:   {SalesQueue},
	event.LogisticsShipmentDelivered: {InventoryQueue, SalesQueue},
}

func (r Routes) Queues(name string) []string {
	return r[name]
}

// Handler processes one decoded event.
type Handler func(ctx context.Context, env event.Envelope) error

// Router dispatches envelopes to handlers by event name.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Handle(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Router) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered event names in sorted order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
