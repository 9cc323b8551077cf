package saga

import (
	"context"
	"fmt"

	"github.com/example/ec-stock-saga/internal/domain/order"
	"github.com/example/ec-stock-saga/internal/event"
	"github.com/example/ec-stock-saga/internal/messaging"
	"go.uber.org/zap"
)

// SalesHandlers advance the order lifecycle from inventory, financial and logistics events.
type SalesHandlers struct {
	orders    *order.Service
	publisher Publisher
	logger    *zap.Logger
}

func NewSalesHandlers(orders *order.Service, publisher Publisher, logger *zap.Logger) *SalesHandlers {
	return &SalesHandlers{
		orders:    orders,
		publisher: publisher,
		logger:    logger.Named("sales-saga"),
	}
}

type orderStep func(ctx context.Context, orderID string) ([]event.Record, error)

func (h *SalesHandlers) Register(r *messaging.Router) {
	r.Handle(event.InventoryStockReserved, h.step(h.orders.MarkReserved))
	r.Handle(event.InventoryStockInsufficient, h.step(h.orders.MarkReservationFailed))
	r.Handle(event.InventoryStockCommitted, h.step(h.orders.MarkStockCommitted))
	r.Handle(event.FinancialPaymentApproved, h.step(h.orders.MarkPaid))
	r.Handle(event.FinancialPaymentFailed, h.step(h.orders.MarkPaymentFailed))
	r.Handle(event.LogisticsShipmentShipped, h.step(h.orders.MarkShipped))
	r.Handle(event.LogisticsShipmentDelivered, h.step(h.orders.MarkDelivered, h.orders.CompleteIfDelivered))
	r.Handle(event.InventoryReservationExpired, h.onReservationExpired)
}

// step builds a handler that runs each order step in turn and publishes what they emit.
func (h *SalesHandlers) step(steps ...orderStep) messaging.Handler {
	return func(ctx context.Context, env event.Envelope) error {
		ref, err := bindOrderRef(env)
		if err != nil {
			return err
		}
		return h.run(ctx, ref.OrderID, steps...)
	}
}

func (h *SalesHandlers) run(ctx context.Context, orderID string, steps ...orderStep) error {
	for _, s := range steps {
		records, err := s(ctx, orderID)
		if err != nil {
			return err
		}
		if err := h.publisher.Publish(ctx, records...); err != nil {
			return err
		}
	}
	return nil
}

// onReservationExpired cancels the order once any of its holds lapsed.
func (h *SalesHandlers) onReservationExpired(ctx context.Context, env event.Envelope) error {
	var p event.ReservationExpired
	if err := env.Bind(&p); err != nil {
		return err
	}
	if p.OrderID == "" {
		return fmt.Errorf("%w: %s without order_id", messaging.ErrValidation, env.Name)
	}
	h.logger.Info("reservation expired, cancelling order",
		zap.String("order_id", p.OrderID),
		zap.String("product_id", p.ProductID),
		zap.Int("quantity", p.Quantity))
	return h.run(ctx, p.OrderID, h.orders.MarkReservationExpired)
}
