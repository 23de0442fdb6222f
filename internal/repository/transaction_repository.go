package repository

import (
	"context"
	"fmt"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// TransactionRepository handles the append-only loyalty audit log
type TransactionRepository struct{}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{}
}

const transactionColumns = `id, card_id, order_id, type, stamps_change, cups_change, points_change,
	discount_amount, note, created_at`

// InsertTransaction appends an entry. An entry of the same type for the same
// order is kept as is and false is returned; this is what makes accrual,
// redemption and refunds once-per-order.
func (r *TransactionRepository) InsertTransaction(ctx context.Context, db DBExecutor, tx *model.LoyaltyTransaction) (bool, error) {
	query := db.Rebind(`
		INSERT INTO loyalty_transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id, type) DO NOTHING
	`)

	result, err := db.ExecContext(ctx, query,
		tx.ID, tx.CardID, tx.OrderID, tx.Type, tx.StampsChange, tx.CupsChange, tx.PointsChange,
		tx.DiscountAmount, tx.Note, tx.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s transaction: %w", tx.Type, err)
	}
	return affected(result)
}

// GetOrderTransaction retrieves the entry of a given type recorded for an order
func (r *TransactionRepository) GetOrderTransaction(ctx context.Context, db DBExecutor, orderID int64, txType string) (*model.LoyaltyTransaction, error) {
	query := db.Rebind(`SELECT ` + transactionColumns + ` FROM loyalty_transactions WHERE order_id = ? AND type = ?`)

	var tx model.LoyaltyTransaction
	if err := db.GetContext(ctx, &tx, query, orderID, txType); err != nil {
		return nil, fmt.Errorf("failed to get %s transaction for order %d: %w", txType, orderID, notFound(err))
	}
	return &tx, nil
}

// ListCardTransactions returns a card's entries oldest first
func (r *TransactionRepository) ListCardTransactions(ctx context.Context, db DBExecutor, cardID int64) ([]model.LoyaltyTransaction, error) {
	query := db.Rebind(`
		SELECT ` + transactionColumns + `
		FROM loyalty_transactions
		WHERE card_id = ?
		ORDER BY created_at ASC, id ASC
	`)

	txs := []model.LoyaltyTransaction{}
	if err := db.SelectContext(ctx, &txs, query, cardID); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}
