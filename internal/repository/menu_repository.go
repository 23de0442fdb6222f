package repository

import (
	"context"
	"fmt"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// MenuRepository handles coffee item data operations
type MenuRepository struct{}

// NewMenuRepository creates a new menu repository
func NewMenuRepository() *MenuRepository {
	return &MenuRepository{}
}

const itemColumns = `tenant_id, id, name, category, price, stampable, is_active, updated_at`

// UpsertItem creates or replaces a menu item. Orders keep their own price
// snapshot, so changing a price here never alters placed orders.
func (r *MenuRepository) UpsertItem(ctx context.Context, db DBExecutor, item *model.CoffeeItem) error {
	query := db.Rebind(`
		INSERT INTO coffee_items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			price = excluded.price,
			stampable = excluded.stampable,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`)

	_, err := db.ExecContext(ctx, query,
		item.TenantID, item.ID, item.Name, item.Category, item.Price, item.Stampable, item.IsActive, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert coffee item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem retrieves a menu item
func (r *MenuRepository) GetItem(ctx context.Context, db DBExecutor, tenantID, id string) (*model.CoffeeItem, error) {
	query := db.Rebind(`SELECT ` + itemColumns + ` FROM coffee_items WHERE tenant_id = ? AND id = ?`)

	var item model.CoffeeItem
	if err := db.GetContext(ctx, &item, query, tenantID, id); err != nil {
		return nil, fmt.Errorf("failed to get coffee item %s: %w", id, notFound(err))
	}
	return &item, nil
}

// ListItems returns the tenant's menu ordered by category and name
func (r *MenuRepository) ListItems(ctx context.Context, db DBExecutor, tenantID string, activeOnly bool) ([]model.CoffeeItem, error) {
	query := `SELECT ` + itemColumns + ` FROM coffee_items WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY category, name`

	items := []model.CoffeeItem{}
	if err := db.SelectContext(ctx, &items, db.Rebind(query), tenantID); err != nil {
		return nil, fmt.Errorf("failed to list coffee items: %w", err)
	}
	return items, nil
}
