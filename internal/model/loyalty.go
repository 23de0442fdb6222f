package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer is a shop customer identified by phone number within a tenant
type Customer struct {
	ID        int64     `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenantId"`
	Phone     string    `db:"phone" json:"phone"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// LoyaltyCard represents a customer's stamp card in the database.
// Counters are only changed by the ledger; free_cups_redeemed never exceeds
// free_cups_earned (enforced by a table CHECK and by conditional updates).
type LoyaltyCard struct {
	ID               int64           `db:"id" json:"id"`
	TenantID         string          `db:"tenant_id" json:"tenantId"`
	CustomerID       int64           `db:"customer_id" json:"customerId"`
	CardNumber       string          `db:"card_number" json:"cardNumber"`
	QRToken          string          `db:"qr_token" json:"qrToken"`
	Stamps           int             `db:"stamps" json:"stamps"`
	FreeCupsEarned   int             `db:"free_cups_earned" json:"freeCupsEarned"`
	FreeCupsRedeemed int             `db:"free_cups_redeemed" json:"freeCupsRedeemed"`
	Points           int             `db:"points" json:"points"`
	TotalSpent       decimal.Decimal `db:"total_spent" json:"totalSpent"`
	IsActive         bool            `db:"is_active" json:"isActive"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// Loyalty transaction types
const (
	TxAccrual    = "accrual"
	TxRedemption = "redemption"
	TxAdjustment = "adjustment"
)

// LoyaltyTransaction is a write-once audit entry for a card mutation.
// CupsChange is the delta applied to free_cups_redeemed.
type LoyaltyTransaction struct {
	ID             int64           `db:"id" json:"id"`
	CardID         int64           `db:"card_id" json:"cardId"`
	OrderID        *int64          `db:"order_id" json:"orderId,omitempty"`
	Type           string          `db:"type" json:"type"`
	StampsChange   int             `db:"stamps_change" json:"stampsChange"`
	CupsChange     int             `db:"cups_change" json:"cupsChange"`
	PointsChange   int             `db:"points_change" json:"pointsChange"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discountAmount"`
	Note           string          `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}
