package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is a step of the order lifecycle
type OrderStatus string

// Order statuses
const (
	StatusPending          OrderStatus = "pending"
	StatusPaymentConfirmed OrderStatus = "payment_confirmed"
	StatusInProgress       OrderStatus = "in_progress"
	StatusReady            OrderStatus = "ready"
	StatusCompleted        OrderStatus = "completed"
	StatusCancelled        OrderStatus = "cancelled"
)

// Payment methods
const (
	PaymentCash    = "cash"
	PaymentCard    = "card"
	PaymentMobile  = "mobile"
	PaymentLoyalty = "loyalty" // fully covered by free drinks
)

// CoffeeItem is a menu entry
type CoffeeItem struct {
	TenantID  string          `db:"tenant_id" json:"-"`
	ID        string          `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Category  string          `db:"category" json:"category"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stampable bool            `db:"stampable" json:"stampable"`
	IsActive  bool            `db:"is_active" json:"isActive"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// Order represents a placed order. ClientRef is the client-supplied
// idempotency key (the outbox temp id for replayed offline orders).
type Order struct {
	ID                 int64           `db:"id" json:"id"`
	TenantID           string          `db:"tenant_id" json:"tenantId"`
	OrderNumber        string          `db:"order_number" json:"orderNumber"`
	ClientRef          *string         `db:"client_ref" json:"clientRef,omitempty"`
	CustomerID         *int64          `db:"customer_id" json:"customerId,omitempty"`
	CardID             *int64          `db:"card_id" json:"cardId,omitempty"`
	TerminalID         string          `db:"terminal_id" json:"terminalId"`
	Status             OrderStatus     `db:"status" json:"status"`
	Subtotal           decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount     decimal.Decimal `db:"discount_amount" json:"discountAmount"`
	TotalAmount        decimal.Decimal `db:"total_amount" json:"totalAmount"`
	UsedFreeDrinks     int             `db:"used_free_drinks" json:"usedFreeDrinks"`
	PaymentMethod      string          `db:"payment_method" json:"paymentMethod"`
	CancellationReason string          `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
	CompletedAt        *time.Time      `db:"completed_at" json:"completedAt,omitempty"`

	Items []OrderItem `db:"-" json:"items"`
}

// OrderItem is an order line. UnitPrice is a snapshot taken when the order
// was placed so historical totals never follow later menu changes.
type OrderItem struct {
	OrderID      int64           `db:"order_id" json:"-"`
	LineNo       int             `db:"line_no" json:"lineNo"`
	CoffeeItemID string          `db:"coffee_item_id" json:"coffeeItemId"`
	Name         string          `db:"name" json:"name"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unitPrice"`
	FreeQuantity int             `db:"free_quantity" json:"freeQuantity"`
	Stampable    bool            `db:"stampable" json:"stampable"`
}
