package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// OrderRepository handles order data operations
type OrderRepository struct{}

// NewOrderRepository creates a new order repository
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{}
}

const orderColumns = `id, tenant_id, order_number, client_ref, customer_id, card_id, terminal_id, status,
	subtotal, discount_amount, total_amount, used_free_drinks, payment_method, cancellation_reason,
	created_at, updated_at, completed_at`

const orderItemColumns = `order_id, line_no, coffee_item_id, name, quantity, unit_price, free_quantity, stampable`

// CreateOrder inserts an order. When another order already holds the same
// client reference nothing is written and false is returned.
func (r *OrderRepository) CreateOrder(ctx context.Context, db DBExecutor, o *model.Order) (bool, error) {
	query := db.Rebind(`
		INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, client_ref) DO NOTHING
	`)

	result, err := db.ExecContext(ctx, query,
		o.ID, o.TenantID, o.OrderNumber, o.ClientRef, o.CustomerID, o.CardID, o.TerminalID, o.Status,
		o.Subtotal, o.DiscountAmount, o.TotalAmount, o.UsedFreeDrinks, o.PaymentMethod, o.CancellationReason,
		o.CreatedAt, o.UpdatedAt, o.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create order: %w", err)
	}
	return affected(result)
}

// CreateOrderItems inserts the lines of an order
func (r *OrderRepository) CreateOrderItems(ctx context.Context, db DBExecutor, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}

	valuesClause := make([]string, len(items))
	args := make([]interface{}, 0, len(items)*8)
	for i, it := range items {
		valuesClause[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, it.OrderID, it.LineNo, it.CoffeeItemID, it.Name, it.Quantity, it.UnitPrice, it.FreeQuantity, it.Stampable)
	}

	query := db.Rebind(`INSERT INTO order_items (` + orderItemColumns + `) VALUES ` + strings.Join(valuesClause, ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert order items: %w", err)
	}
	return nil
}

// GetOrder retrieves an order header by ID
func (r *OrderRepository) GetOrder(ctx context.Context, db DBExecutor, tenantID string, id int64) (*model.Order, error) {
	return r.getOne(ctx, db, `tenant_id = ? AND id = ?`, tenantID, id)
}

// GetOrderByNumber retrieves an order header by its order number
func (r *OrderRepository) GetOrderByNumber(ctx context.Context, db DBExecutor, tenantID, orderNumber string) (*model.Order, error) {
	return r.getOne(ctx, db, `tenant_id = ? AND order_number = ?`, tenantID, orderNumber)
}

// GetOrderByClientRef retrieves the order created for an idempotency key
func (r *OrderRepository) GetOrderByClientRef(ctx context.Context, db DBExecutor, tenantID, clientRef string) (*model.Order, error) {
	return r.getOne(ctx, db, `tenant_id = ? AND client_ref = ?`, tenantID, clientRef)
}

func (r *OrderRepository) getOne(ctx context.Context, db DBExecutor, where string, args ...interface{}) (*model.Order, error) {
	query := db.Rebind(`SELECT ` + orderColumns + ` FROM orders WHERE ` + where)

	var o model.Order
	if err := db.GetContext(ctx, &o, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get order: %w", notFound(err))
	}
	return &o, nil
}

// GetOrderItems returns the lines of an order in line order
func (r *OrderRepository) GetOrderItems(ctx context.Context, db DBExecutor, orderID int64) ([]model.OrderItem, error) {
	query := db.Rebind(`SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = ? ORDER BY line_no`)

	items := []model.OrderItem{}
	if err := db.SelectContext(ctx, &items, query, orderID); err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return items, nil
}

// ListOrders returns the newest orders of a tenant, optionally by status
func (r *OrderRepository) ListOrders(ctx context.Context, db DBExecutor, tenantID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	orders := []model.Order{}
	if err := db.SelectContext(ctx, &orders, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// UpdateOrderStatus moves an order from one status to another. Returns false
// if the order was no longer in the expected status.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, db DBExecutor, id int64, from, to model.OrderStatus, reason string, now time.Time) (bool, error) {
	var completedAt *time.Time
	if to == model.StatusCompleted {
		completedAt = &now
	}

	query := db.Rebind(`
		UPDATE orders
		SET status = ?, cancellation_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, to, reason, completedAt, now, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ok, nil
}

// ApplyRedemption records free drinks redeemed against a pending order that
// had none. Returns false if the order left pending or was already redeemed.
func (r *OrderRepository) ApplyRedemption(ctx context.Context, db DBExecutor, o *model.Order, now time.Time) (bool, error) {
	query := db.Rebind(`
		UPDATE orders
		SET card_id = ?, customer_id = ?, used_free_drinks = ?, discount_amount = ?, total_amount = ?, updated_at = ?
		WHERE id = ? AND status = ? AND used_free_drinks = 0
	`)

	result, err := db.ExecContext(ctx, query,
		o.CardID, o.CustomerID, o.UsedFreeDrinks, o.DiscountAmount, o.TotalAmount, now,
		o.ID, model.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to apply redemption: %w", err)
	}
	return affected(result)
}

// SetFreeQuantity stores how many units of an order line were free
func (r *OrderRepository) SetFreeQuantity(ctx context.Context, db DBExecutor, orderID int64, lineNo, free int) error {
	query := db.Rebind(`UPDATE order_items SET free_quantity = ? WHERE order_id = ? AND line_no = ?`)

	if _, err := db.ExecContext(ctx, query, free, orderID, lineNo); err != nil {
		return fmt.Errorf("failed to update order item: %w", err)
	}
	return nil
}

// AttachCard links an order to the card issued for it. An order that
// already has a card is left alone.
func (r *OrderRepository) AttachCard(ctx context.Context, db DBExecutor, orderID, cardID int64) error {
	query := db.Rebind(`UPDATE orders SET card_id = ? WHERE id = ? AND card_id IS NULL`)

	if _, err := db.ExecContext(ctx, query, cardID, orderID); err != nil {
		return fmt.Errorf("failed to attach card: %w", err)
	}
	return nil
}
