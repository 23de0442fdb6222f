package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/metrics"
	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/repository"
)

var (
	// ErrCardNotFound means no card matches; callers treat it as a guest
	// with zero balance, not as a failure.
	ErrCardNotFound = errors.New("loyalty card not found")
	// ErrInsufficientBalance rejects a redemption larger than the available free cups
	ErrInsufficientBalance = errors.New("insufficient free drink balance")
	// ErrCardInactive rejects mutations of a deactivated card
	ErrCardInactive = errors.New("loyalty card is inactive")
	// ErrInvalidAdjustment rejects a stamp correction that would take back redeemed cups
	ErrInvalidAdjustment = errors.New("adjustment would leave fewer earned than redeemed cups")
	// ErrInvalidRequest rejects malformed ledger input
	ErrInvalidRequest = errors.New("invalid ledger request")
)

// CardKey selects a card by exactly one of its lookup keys
type CardKey struct {
	Phone      string
	CardNumber string
	QRToken    string
}

// Accrual is what a completed order adds to a card
type Accrual struct {
	OrderID int64
	Stamps  int
	Points  int
	Spent   decimal.Decimal
}

// AccrualResult reports the outcome of Accrue. Duplicate is set when the
// order had already been accrued and nothing changed.
type AccrualResult struct {
	Card        *model.LoyaltyCard
	Duplicate   bool
	StampsAdded int
	NewFreeCups int
}

// Redemption claims free cups for an order
type Redemption struct {
	CardID   int64
	OrderID  int64
	Count    int
	Discount decimal.Decimal
}

// RedemptionResult reports the outcome of Redeem. Replayed is set when the
// order's redemption had already been committed.
type RedemptionResult struct {
	Card     *model.LoyaltyCard
	Redeemed int
	Replayed bool
}

// Ledger applies loyalty mutations. Every counter change goes through it.
type Ledger struct {
	db        *sqlx.DB
	customers *repository.CustomerRepository
	cards     *repository.CardRepository
	txs       *repository.TransactionRepository
	policy    Policy
	ids       *snowflake.Node
	log       zerolog.Logger
}

// New creates a Ledger
func New(db *sqlx.DB, policy Policy, ids *snowflake.Node, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:        db,
		customers: repository.NewCustomerRepository(),
		cards:     repository.NewCardRepository(),
		txs:       repository.NewTransactionRepository(),
		policy:    policy,
		ids:       ids,
		log:       log.With().Str("component", "ledger").Logger(),
	}
}

// Policy returns the loyalty rules in effect
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Lookup finds a card by phone, card number or QR token
func (l *Ledger) Lookup(ctx context.Context, tenantID string, key CardKey) (*model.LoyaltyCard, error) {
	var (
		card *model.LoyaltyCard
		err  error
	)
	switch {
	case key.QRToken != "":
		card, err = l.cards.GetCardByQRToken(ctx, l.db, tenantID, key.QRToken)
	case key.CardNumber != "":
		card, err = l.cards.GetCardByNumber(ctx, l.db, tenantID, strings.TrimSpace(key.CardNumber))
	case key.Phone != "":
		card, err = l.cards.GetCardByPhone(ctx, l.db, tenantID, NormalizePhone(key.Phone))
	default:
		return nil, fmt.Errorf("%w: phone, card number or QR token required", ErrInvalidRequest)
	}
	if err != nil {
		return nil, cardErr(err)
	}
	return card, nil
}

// GetCard returns a card by ID
func (l *Ledger) GetCard(ctx context.Context, tenantID string, cardID int64) (*model.LoyaltyCard, error) {
	card, err := l.cards.GetCard(ctx, l.db, tenantID, cardID)
	if err != nil {
		return nil, cardErr(err)
	}
	return card, nil
}

// CardIn returns a card by ID using the caller's transaction
func (l *Ledger) CardIn(ctx context.Context, db repository.DBExecutor, tenantID string, cardID int64) (*model.LoyaltyCard, error) {
	card, err := l.cards.GetCard(ctx, db, tenantID, cardID)
	if err != nil {
		return nil, cardErr(err)
	}
	return card, nil
}

// Register returns the card of the customer with this phone, creating the
// customer and card when needed
func (l *Ledger) Register(ctx context.Context, tenantID, phone, name string) (*model.LoyaltyCard, error) {
	if NormalizePhone(phone) == "" {
		return nil, fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}

	var card *model.LoyaltyCard
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		customer, err := l.EnsureCustomer(ctx, tx, tenantID, phone, name)
		if err != nil {
			return err
		}
		card, err = l.EnsureCard(ctx, tx, tenantID, customer.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

// EnsureCustomer returns the customer with this phone, creating it if needed
func (l *Ledger) EnsureCustomer(ctx context.Context, db repository.DBExecutor, tenantID, phone, name string) (*model.Customer, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}

	customer, err := l.customers.GetCustomerByPhone(ctx, db, tenantID, phone)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if _, err := l.customers.CreateCustomer(ctx, db, &model.Customer{
		ID:        l.ids.Generate().Int64(),
		TenantID:  tenantID,
		Phone:     phone,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return l.customers.GetCustomerByPhone(ctx, db, tenantID, phone)
}

// EnsureCard returns the customer's card, issuing one on first use
func (l *Ledger) EnsureCard(ctx context.Context, db repository.DBExecutor, tenantID string, customerID int64) (*model.LoyaltyCard, error) {
	card, err := l.cards.GetCardByCustomer(ctx, db, tenantID, customerID)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	id := l.ids.Generate()
	now := time.Now().UTC()
	created, err := l.cards.CreateCard(ctx, db, &model.LoyaltyCard{
		ID:         id.Int64(),
		TenantID:   tenantID,
		CustomerID: customerID,
		CardNumber: "BW-" + strings.ToUpper(id.Base36()),
		QRToken:    uuid.NewString(),
		TotalSpent: decimal.Zero,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		l.log.Info().Str("tenant", tenantID).Int64("customer_id", customerID).Int64("card_id", id.Int64()).Msg("card issued")
	}
	return l.cards.GetCardByCustomer(ctx, db, tenantID, customerID)
}

// Accrue adds a completed order to a card. It is idempotent per order: a
// second call for the same order changes nothing and reports Duplicate.
func (l *Ledger) Accrue(ctx context.Context, db repository.DBExecutor, tenantID string, cardID int64, a Accrual) (AccrualResult, error) {
	if a.Stamps < 0 || a.Points < 0 || a.Spent.IsNegative() {
		return AccrualResult{}, fmt.Errorf("%w: accrual must not be negative", ErrInvalidRequest)
	}

	card, err := l.cards.GetCard(ctx, db, tenantID, cardID)
	if err != nil {
		return AccrualResult{}, cardErr(err)
	}
	if !card.IsActive {
		metrics.RecordLedgerMutation(model.TxAccrual, "inactive")
		return AccrualResult{Card: card}, ErrCardInactive
	}

	orderID := a.OrderID
	inserted, err := l.txs.InsertTransaction(ctx, db, &model.LoyaltyTransaction{
		ID:             l.ids.Generate().Int64(),
		CardID:         cardID,
		OrderID:        &orderID,
		Type:           model.TxAccrual,
		StampsChange:   a.Stamps,
		PointsChange:   a.Points,
		DiscountAmount: decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return AccrualResult{}, err
	}
	if !inserted {
		metrics.RecordLedgerMutation(model.TxAccrual, "duplicate")
		l.log.Debug().Int64("card_id", cardID).Int64("order_id", orderID).Msg("accrual already recorded")
		return AccrualResult{Card: card, Duplicate: true}, nil
	}

	before := l.policy.FreeCupsEarned(*card)
	if err := l.cards.ApplyAccrual(ctx, db, cardID, a.Stamps, a.Points, a.Spent, l.policy.StampsPerFreeCup); err != nil {
		return AccrualResult{}, err
	}
	updated, err := l.cards.GetCard(ctx, db, tenantID, cardID)
	if err != nil {
		return AccrualResult{}, err
	}

	metrics.RecordLedgerMutation(model.TxAccrual, "applied")
	return AccrualResult{
		Card:        updated,
		StampsAdded: a.Stamps,
		NewFreeCups: l.policy.FreeCupsEarned(*updated) - before,
	}, nil
}

// Redeem consumes free cups for an order inside the caller's transaction.
// The balance check and the increment are one conditional update. On any
// error the caller must roll back. A repeated call for the same order
// returns the committed redemption with Replayed set.
func (l *Ledger) Redeem(ctx context.Context, db repository.DBExecutor, tenantID string, r Redemption) (RedemptionResult, error) {
	start := time.Now()
	status := "failed"
	defer func() {
		metrics.RecordRedeemDuration(status, time.Since(start).Seconds())
	}()

	if r.Count <= 0 {
		return RedemptionResult{}, fmt.Errorf("%w: free drink count must be positive", ErrInvalidRequest)
	}

	card, err := l.cards.GetCard(ctx, db, tenantID, r.CardID)
	if err != nil {
		return RedemptionResult{}, cardErr(err)
	}

	orderID := r.OrderID
	inserted, err := l.txs.InsertTransaction(ctx, db, &model.LoyaltyTransaction{
		ID:             l.ids.Generate().Int64(),
		CardID:         r.CardID,
		OrderID:        &orderID,
		Type:           model.TxRedemption,
		CupsChange:     r.Count,
		DiscountAmount: r.Discount,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return RedemptionResult{}, err
	}
	if !inserted {
		prev, err := l.txs.GetOrderTransaction(ctx, db, orderID, model.TxRedemption)
		if err != nil {
			return RedemptionResult{}, err
		}
		if prev.CardID != r.CardID {
			return RedemptionResult{}, fmt.Errorf("%w: order %d was redeemed on another card", ErrInvalidRequest, orderID)
		}
		if prev.CupsChange != r.Count {
			return RedemptionResult{}, fmt.Errorf("%w: order %d already redeemed %d free drinks, not %d",
				ErrInvalidRequest, orderID, prev.CupsChange, r.Count)
		}
		status = "duplicate"
		metrics.RecordLedgerMutation(model.TxRedemption, "duplicate")
		return RedemptionResult{Card: card, Redeemed: prev.CupsChange, Replayed: true}, nil
	}

	ok, err := l.cards.RedeemIfAvailable(ctx, db, r.CardID, r.Count, l.policy.StampsPerFreeCup)
	if err != nil {
		return RedemptionResult{}, err
	}
	if !ok {
		current, err := l.cards.GetCard(ctx, db, tenantID, r.CardID)
		if err != nil {
			return RedemptionResult{}, err
		}
		if !current.IsActive {
			status = "inactive"
			metrics.RecordLedgerMutation(model.TxRedemption, "inactive")
			return RedemptionResult{}, ErrCardInactive
		}
		status = "insufficient"
		metrics.RecordLedgerMutation(model.TxRedemption, "insufficient")
		return RedemptionResult{}, fmt.Errorf("%w: requested %d, available %d",
			ErrInsufficientBalance, r.Count, l.policy.AvailableFreeDrinks(*current))
	}

	updated, err := l.cards.GetCard(ctx, db, tenantID, r.CardID)
	if err != nil {
		return RedemptionResult{}, err
	}
	status = "success"
	metrics.RecordLedgerMutation(model.TxRedemption, "applied")
	return RedemptionResult{Card: updated, Redeemed: r.Count}, nil
}

// Refund returns the cups redeemed by a cancelled order. It runs at most once
// per order.
func (l *Ledger) Refund(ctx context.Context, db repository.DBExecutor, cardID, orderID int64, count int, reason string) error {
	if count <= 0 {
		return nil
	}

	inserted, err := l.txs.InsertTransaction(ctx, db, &model.LoyaltyTransaction{
		ID:             l.ids.Generate().Int64(),
		CardID:         cardID,
		OrderID:        &orderID,
		Type:           model.TxAdjustment,
		CupsChange:     -count,
		DiscountAmount: decimal.Zero,
		Note:           "order cancelled: " + reason,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		metrics.RecordLedgerMutation(model.TxAdjustment, "duplicate")
		return nil
	}

	ok, err := l.cards.ReturnCups(ctx, db, cardID, count)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("card %d has fewer than %d redeemed cups to return", cardID, count)
	}
	metrics.RecordLedgerMutation(model.TxAdjustment, "applied")
	return nil
}

// Adjust applies a manual stamp correction and records it in the log
func (l *Ledger) Adjust(ctx context.Context, tenantID string, cardID int64, stampsDelta int, note string) (*model.LoyaltyCard, error) {
	if stampsDelta == 0 {
		return nil, fmt.Errorf("%w: stamp delta must not be zero", ErrInvalidRequest)
	}
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("%w: adjustment note is required", ErrInvalidRequest)
	}

	var card *model.LoyaltyCard
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := l.cards.GetCard(ctx, tx, tenantID, cardID); err != nil {
			return cardErr(err)
		}
		if _, err := l.txs.InsertTransaction(ctx, tx, &model.LoyaltyTransaction{
			ID:             l.ids.Generate().Int64(),
			CardID:         cardID,
			Type:           model.TxAdjustment,
			StampsChange:   stampsDelta,
			DiscountAmount: decimal.Zero,
			Note:           note,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return err
		}
		ok, err := l.cards.AdjustStamps(ctx, tx, cardID, stampsDelta, l.policy.StampsPerFreeCup)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidAdjustment
		}
		card, err = l.cards.GetCard(ctx, tx, tenantID, cardID)
		return err
	})
	if err != nil {
		metrics.RecordLedgerMutation(model.TxAdjustment, "rejected")
		return nil, err
	}

	metrics.RecordLedgerMutation(model.TxAdjustment, "applied")
	l.log.Info().Str("tenant", tenantID).Int64("card_id", cardID).Int("stamps_delta", stampsDelta).Str("note", note).Msg("card adjusted")
	return card, nil
}

// Deactivate retires a card. Cards are never deleted.
func (l *Ledger) Deactivate(ctx context.Context, tenantID string, cardID int64) (*model.LoyaltyCard, error) {
	if err := l.cards.SetActive(ctx, l.db, tenantID, cardID, false); err != nil {
		return nil, cardErr(err)
	}
	l.log.Info().Str("tenant", tenantID).Int64("card_id", cardID).Msg("card deactivated")
	return l.GetCard(ctx, tenantID, cardID)
}

// History returns a card's transactions oldest first
func (l *Ledger) History(ctx context.Context, tenantID string, cardID int64) ([]model.LoyaltyTransaction, error) {
	if _, err := l.GetCard(ctx, tenantID, cardID); err != nil {
		return nil, err
	}
	return l.txs.ListCardTransactions(ctx, l.db, cardID)
}

// Audit rebuilds a card's counters from its log and compares them
func (l *Ledger) Audit(ctx context.Context, tenantID string, cardID int64) (*AuditReport, error) {
	var report AuditReport
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		card, err := l.cards.GetCard(ctx, tx, tenantID, cardID)
		if err != nil {
			return cardErr(err)
		}
		txs, err := l.txs.ListCardTransactions(ctx, tx, cardID)
		if err != nil {
			return err
		}
		report = l.policy.Audit(*card, txs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		l.log.Warn().Int64("card_id", cardID).Interface("stored", report.Stored).Interface("reconstructed", report.Reconstructed).Msg("card counters drifted from log")
	}
	return &report, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func cardErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrCardNotFound
	}
	return err
}

// NormalizePhone keeps digits and a leading plus sign
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if unicode.IsDigit(r) || (i == 0 && r == '+') {
			b.WriteRune(r)
		}
	}
	if b.String() == "+" {
		return ""
	}
	return b.String()
}
