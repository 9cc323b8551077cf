package notification

import (
	"context"
	"fmt"

	"github.com/example/ec-stock-saga/internal/email"
	"github.com/example/ec-stock-saga/internal/event"
	"github.com/example/ec-stock-saga/internal/messaging"
	"go.uber.org/zap"
)

// Mailer sends stock alert emails.
type Mailer interface {
	SendStockAlert(to string, alert email.StockAlert) error
}

// Handler emails the inventory team when stock runs low or out
type Handler struct {
	mailer    Mailer
	recipient string
	logger    *zap.Logger
}

// NewHandler creates a new notification handler
func NewHandler(mailer Mailer, recipient string, logger *zap.Logger) *Handler {
	return &Handler{
		mailer:    mailer,
		recipient: recipient,
		logger:    logger.Named("notifier"),
	}
}

func (h *Handler) Register(r *messaging.Router) {
	r.Handle(event.InventoryStockLow, h.handleStockAlert)
	r.Handle(event.InventoryStockDepleted, h.handleStockAlert)
}

func (h *Handler) handleStockAlert(ctx context.Context, env event.Envelope) error {
	var p event.StockAlert
	if err := env.Bind(&p); err != nil {
		return err
	}
	if p.ProductID == "" {
		return fmt.Errorf("%w: %s without product_id", messaging.ErrValidation, env.Name)
	}

	alert := email.StockAlert{
		ProductID:    p.ProductID,
		ProductName:  p.ProductName,
		Depleted:     env.Name == event.InventoryStockDepleted,
		CurrentStock: p.CurrentStock,
		MinimumStock: p.MinimumStock,
	}
	if err := h.mailer.SendStockAlert(h.recipient, alert); err != nil {
		return fmt.Errorf("%w: send stock alert for %s: %w", messaging.ErrTransient, p.ProductID, err)
	}

	h.logger.Info("stock alert sent",
		zap.String("event", env.Name),
		zap.String("product_id", p.ProductID),
		zap.String("to", h.recipient))
	return nil
}
