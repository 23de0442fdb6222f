package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// CardRepository handles loyalty card data operations. Counter updates are
// single conditional statements so concurrent requests cannot interleave a
// read and a write.
type CardRepository struct{}

// NewCardRepository creates a new card repository
func NewCardRepository() *CardRepository {
	return &CardRepository{}
}

const cardColumns = `c.id, c.tenant_id, c.customer_id, c.card_number, c.qr_token, c.stamps,
	c.free_cups_earned, c.free_cups_redeemed, c.points, c.total_spent, c.is_active,
	c.created_at, c.updated_at`

// effectiveEarned is max(stored earned, stamps / stampsPerFreeCup); it takes
// the ratio twice as a bind argument.
const effectiveEarned = `CASE WHEN stamps / ? > free_cups_earned THEN stamps / ? ELSE free_cups_earned END`

// CreateCard inserts a card unless the customer already owns one.
// Returns false when an existing card won.
func (r *CardRepository) CreateCard(ctx context.Context, db DBExecutor, card *model.LoyaltyCard) (bool, error) {
	query := db.Rebind(`
		INSERT INTO loyalty_cards (id, tenant_id, customer_id, card_number, qr_token, stamps,
			free_cups_earned, free_cups_redeemed, points, total_spent, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, customer_id) DO NOTHING
	`)

	result, err := db.ExecContext(ctx, query,
		card.ID, card.TenantID, card.CustomerID, card.CardNumber, card.QRToken, card.Stamps,
		card.FreeCupsEarned, card.FreeCupsRedeemed, card.Points, card.TotalSpent, card.IsActive,
		card.CreatedAt, card.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create card: %w", err)
	}
	return affected(result)
}

// GetCard retrieves a card by ID
func (r *CardRepository) GetCard(ctx context.Context, db DBExecutor, tenantID string, id int64) (*model.LoyaltyCard, error) {
	return r.getOne(ctx, db, `c.tenant_id = ? AND c.id = ?`, tenantID, id)
}

// GetCardByCustomer retrieves the card owned by a customer
func (r *CardRepository) GetCardByCustomer(ctx context.Context, db DBExecutor, tenantID string, customerID int64) (*model.LoyaltyCard, error) {
	return r.getOne(ctx, db, `c.tenant_id = ? AND c.customer_id = ?`, tenantID, customerID)
}

// GetCardByNumber retrieves a card by its printed card number
func (r *CardRepository) GetCardByNumber(ctx context.Context, db DBExecutor, tenantID, cardNumber string) (*model.LoyaltyCard, error) {
	return r.getOne(ctx, db, `c.tenant_id = ? AND c.card_number = ?`, tenantID, strings.ToUpper(cardNumber))
}

// GetCardByQRToken retrieves a card by the token encoded in its QR code
func (r *CardRepository) GetCardByQRToken(ctx context.Context, db DBExecutor, tenantID, token string) (*model.LoyaltyCard, error) {
	return r.getOne(ctx, db, `c.tenant_id = ? AND c.qr_token = ?`, tenantID, token)
}

// GetCardByPhone retrieves the card of the customer with the given phone
func (r *CardRepository) GetCardByPhone(ctx context.Context, db DBExecutor, tenantID, phone string) (*model.LoyaltyCard, error) {
	query := db.Rebind(`
		SELECT ` + cardColumns + `
		FROM loyalty_cards c
		JOIN customers cu ON cu.id = c.customer_id
		WHERE cu.tenant_id = ? AND cu.phone = ?
	`)

	var card model.LoyaltyCard
	if err := db.GetContext(ctx, &card, query, tenantID, phone); err != nil {
		return nil, fmt.Errorf("failed to get card by phone: %w", notFound(err))
	}
	return &card, nil
}

func (r *CardRepository) getOne(ctx context.Context, db DBExecutor, where string, args ...interface{}) (*model.LoyaltyCard, error) {
	query := db.Rebind(`SELECT ` + cardColumns + ` FROM loyalty_cards c WHERE ` + where)

	var card model.LoyaltyCard
	if err := db.GetContext(ctx, &card, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get card: %w", notFound(err))
	}
	return &card, nil
}

// ApplyAccrual adds stamps, points and spend to a card and recomputes the
// earned free cups in the same statement
func (r *CardRepository) ApplyAccrual(ctx context.Context, db DBExecutor, id int64, stamps, points int, spent decimal.Decimal, stampsPerFreeCup int) error {
	query := db.Rebind(`
		UPDATE loyalty_cards
		SET stamps = stamps + ?,
			free_cups_earned = CASE WHEN (stamps + ?) / ? > free_cups_earned
				THEN (stamps + ?) / ? ELSE free_cups_earned END,
			points = points + ?,
			total_spent = total_spent + ?,
			updated_at = ?
		WHERE id = ?
	`)

	result, err := db.ExecContext(ctx, query,
		stamps, stamps, stampsPerFreeCup, stamps, stampsPerFreeCup,
		points, spent, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to apply accrual: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to apply accrual to card %d: %w", id, ErrNotFound)
	}
	return nil
}

// RedeemIfAvailable increments free_cups_redeemed by n only if the active card
// still has n free cups available. Returns false when the guard rejected it.
func (r *CardRepository) RedeemIfAvailable(ctx context.Context, db DBExecutor, id int64, n, stampsPerFreeCup int) (bool, error) {
	query := db.Rebind(`
		UPDATE loyalty_cards
		SET free_cups_earned = ` + effectiveEarned + `,
			free_cups_redeemed = free_cups_redeemed + ?,
			updated_at = ?
		WHERE id = ? AND is_active = TRUE
			AND free_cups_redeemed + ? <= ` + effectiveEarned)

	result, err := db.ExecContext(ctx, query,
		stampsPerFreeCup, stampsPerFreeCup,
		n, time.Now().UTC(),
		id, n, stampsPerFreeCup, stampsPerFreeCup)
	if err != nil {
		return false, fmt.Errorf("failed to redeem free cups: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ok, nil
}

// ReturnCups gives back n redeemed cups. Returns false if the card has
// fewer than n redeemed cups.
func (r *CardRepository) ReturnCups(ctx context.Context, db DBExecutor, id int64, n int) (bool, error) {
	query := db.Rebind(`
		UPDATE loyalty_cards
		SET free_cups_redeemed = free_cups_redeemed - ?, updated_at = ?
		WHERE id = ? AND free_cups_redeemed >= ?
	`)

	result, err := db.ExecContext(ctx, query, n, time.Now().UTC(), id, n)
	if err != nil {
		return false, fmt.Errorf("failed to return free cups: %w", err)
	}
	return affected(result)
}

// AdjustStamps applies a manual stamp correction and recomputes earned cups
// from the new stamp count. It refuses to go below zero stamps or below the
// cups already redeemed.
func (r *CardRepository) AdjustStamps(ctx context.Context, db DBExecutor, id int64, delta, stampsPerFreeCup int) (bool, error) {
	query := db.Rebind(`
		UPDATE loyalty_cards
		SET stamps = stamps + ?,
			free_cups_earned = (stamps + ?) / ?,
			updated_at = ?
		WHERE id = ? AND stamps + ? >= 0 AND (stamps + ?) / ? >= free_cups_redeemed
	`)

	result, err := db.ExecContext(ctx, query,
		delta, delta, stampsPerFreeCup, time.Now().UTC(),
		id, delta, delta, stampsPerFreeCup)
	if err != nil {
		return false, fmt.Errorf("failed to adjust stamps: %w", err)
	}
	return affected(result)
}

// SetActive activates or deactivates a card. Cards are never deleted.
func (r *CardRepository) SetActive(ctx context.Context, db DBExecutor, tenantID string, id int64, active bool) error {
	query := db.Rebind(`UPDATE loyalty_cards SET is_active = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`)

	result, err := db.ExecContext(ctx, query, active, time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to update card status: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if !ok {
		return fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	return nil
}
