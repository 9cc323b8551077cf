package order

import "github.com/example/ec-stock-saga/internal/event"

// Cancellation reasons recorded on the order and carried by sales.order.cancelled.
const (
	ReasonInsufficientStock  = "insufficient stock"
	ReasonReservationExpired = "reservation expired"
	ReasonPaymentFailed      = "payment failed"
)

func confirmedEvent(o *Order) event.Record {
	lines := o.Lines()
	items := make([]event.OrderLine, 0, len(lines))
	for _, l := range lines {
		items = append(items, event.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return event.New(event.SalesOrderConfirmed, o.ID, event.OrderConfirmed{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Items:       items,
		TotalAmount: o.Total,
	})
}

func cancelledEvent(o *Order) event.Record {
	return event.New(event.SalesOrderCancelled, o.ID, event.OrderCancelled{
		OrderID: o.ID,
		Reason:  o.CancelReason,
	})
}

func paidEvent(o *Order) event.Record {
	return event.New(event.SalesOrderPaid, o.ID, event.OrderRef{OrderID: o.ID})
}
