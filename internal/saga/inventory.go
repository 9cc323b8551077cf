package saga

import (
	"context"
	"fmt"

	"github.com/example/ec-stock-saga/internal/domain/inventory"
	"github.com/example/ec-stock-saga/internal/event"
	"github.com/example/ec-stock-saga/internal/messaging"
	"go.uber.org/zap"
)

// Publisher sends the records a handler produced.
type Publisher interface {
	Publish(ctx context.Context, records ...event.Record) error
}

// InventoryHandlers turn sales and logistics events into reservation protocol calls.
type InventoryHandlers struct {
	stock     *inventory.Service
	publisher Publisher
	logger    *zap.Logger
}

func NewInventoryHandlers(stock *inventory.Service, publisher Publisher, logger *zap.Logger) *InventoryHandlers {
	return &InventoryHandlers{
		stock:     stock,
		publisher: publisher,
		logger:    logger.Named("inventory-saga"),
	}
}

func (h *InventoryHandlers) Register(r *messaging.Router) {
	r.Handle(event.SalesOrderConfirmed, h.onOrderConfirmed)
	r.Handle(event.SalesOrderCancelled, h.onOrderCancelled)
	r.Handle(event.SalesOrderPaid, h.onCommitTrigger)
	r.Handle(event.LogisticsShipmentDelivered, h.onCommitTrigger)
}

func (h *InventoryHandlers) onOrderConfirmed(ctx context.Context, env event.Envelope) error {
	var p event.OrderConfirmed
	if err := env.Bind(&p); err != nil {
		return err
	}
	if p.OrderID == "" || len(p.Items) == 0 {
		return fmt.Errorf("%w: %s needs order_id and items", messaging.ErrValidation, env.Name)
	}

	lines := make([]inventory.Line, 0, len(p.Items))
	for _, item := range p.Items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	out, records, err := h.stock.ReserveOrder(ctx, p.OrderID, p.OrderID, lines)
	if err != nil {
		return err
	}
	if !out.Reserved {
		h.logger.Info("order could not be reserved",
			zap.String("order_id", p.OrderID),
			zap.String("product_id", out.FailedProductID),
			zap.String("reason", out.Reason))
	}
	return h.publisher.Publish(ctx, records...)
}

func (h *InventoryHandlers) onOrderCancelled(ctx context.Context, env event.Envelope) error {
	var p event.OrderCancelled
	if err := env.Bind(&p); err != nil {
		return err
	}
	if p.OrderID == "" {
		return fmt.Errorf("%w: %s without order_id", messaging.ErrValidation, env.Name)
	}

	n, err := h.stock.Release(ctx, p.OrderID, inventory.ReleaseCancelled)
	if err != nil {
		return err
	}
	if n == 0 {
		h.logger.Debug("nothing pending to release", zap.String("order_id", p.OrderID))
	}
	return nil
}

// onCommitTrigger commits on payment and again on delivery; the second call finds
// nothing pending and replays the committed event.
func (h *InventoryHandlers) onCommitTrigger(ctx context.Context, env event.Envelope) error {
	ref, err := bindOrderRef(env)
	if err != nil {
		return err
	}
	records, err := h.stock.Commit(ctx, ref.OrderID)
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, records...)
}

func bindOrderRef(env event.Envelope) (event.OrderRef, error) {
	var p event.OrderRef
	if err := env.Bind(&p); err != nil {
		return p, err
	}
	if p.OrderID == "" {
		return p, fmt.Errorf("%w: %s without order_id", messaging.ErrValidation, env.Name)
	}
	return p, nil
}
