package repository

import (
	"context"
	"fmt"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// CustomerRepository handles customer data operations
type CustomerRepository struct{}

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository() *CustomerRepository {
	return &CustomerRepository{}
}

const customerColumns = `id, tenant_id, phone, name, created_at`

// CreateCustomer inserts the customer unless the phone is already known in
// the tenant. Returns false when an existing row won.
func (r *CustomerRepository) CreateCustomer(ctx context.Context, db DBExecutor, c *model.Customer) (bool, error) {
	query := db.Rebind(`
		INSERT INTO customers (id, tenant_id, phone, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone) DO NOTHING
	`)

	result, err := db.ExecContext(ctx, query, c.ID, c.TenantID, c.Phone, c.Name, c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create customer: %w", err)
	}
	return affected(result)
}

// GetCustomer retrieves a customer by ID
func (r *CustomerRepository) GetCustomer(ctx context.Context, db DBExecutor, tenantID string, id int64) (*model.Customer, error) {
	query := db.Rebind(`SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = ? AND id = ?`)

	var c model.Customer
	if err := db.GetContext(ctx, &c, query, tenantID, id); err != nil {
		return nil, fmt.Errorf("failed to get customer %d: %w", id, notFound(err))
	}
	return &c, nil
}

// GetCustomerByPhone retrieves a customer by phone number
func (r *CustomerRepository) GetCustomerByPhone(ctx context.Context, db DBExecutor, tenantID, phone string) (*model.Customer, error) {
	query := db.Rebind(`SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = ? AND phone = ?`)

	var c model.Customer
	if err := db.GetContext(ctx, &c, query, tenantID, phone); err != nil {
		return nil, fmt.Errorf("failed to get customer by phone: %w", notFound(err))
	}
	return &c, nil
}
