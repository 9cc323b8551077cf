package event

import "github.com/shopspring/decimal"

// Event names crossing the broker.
const (
	SalesOrderConfirmed = "sales.order.confirmed"
	SalesOrderCancelled = "sales.order.cancelled"
	SalesOrderPaid      = "sales.order.paid"

	InventoryStockReserved      = "inventory.stock.reserved"
	InventoryStockInsufficient  = "inventory.stock.insufficient"
	InventoryStockCommitted     = "inventory.stock.committed"
	InventoryStockLow           = "inventory.stock.low"
	InventoryStockDepleted      = "inventory.stock.depleted"
	InventoryReservationExpired = "inventory.reservation.expired"

	FinancialPaymentApproved = "financial.payment.approved"
	FinancialPaymentFailed   = "financial.payment.failed"

	LogisticsShipmentShipped   = "logistics.shipment.shipped"
	LogisticsShipmentDelivered = "logistics.shipment.delivered"
)

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderConfirmed struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []OrderLine     `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderRef is the payload of every event that only names an order.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

type ReservationExpired struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type StockAlert struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	CurrentStock *int   `json:"current_stock,omitempty"`
	MinimumStock *int   `json:"minimum_stock,omitempty"`
}
