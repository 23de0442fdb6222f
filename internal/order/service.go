// Package order places orders, runs their status machine and triggers the
// loyalty ledger: redemption when an order is placed, accrual when it
// completes and a refund of redeemed cups when it is cancelled.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/metrics"
	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/repository"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrUnknownItem       = errors.New("unknown or inactive menu item")
	ErrTotalMismatch     = errors.New("order total does not match")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("cancellation reason is required")
	// ErrConcurrentUpdate means another request moved the order first
	ErrConcurrentUpdate = errors.New("order was updated concurrently")
	// ErrNotRedeemable rejects free drinks on an order that is no longer pending
	ErrNotRedeemable = errors.New("order no longer accepts free drinks")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Item is a requested order line. UnitPrice is the price the terminal showed
// the customer; when nil the current menu price is used.
type Item struct {
	CoffeeItemID string
	Quantity     int
	UnitPrice    *decimal.Decimal
}

// CreateInput is an order creation request. ClientRef is the idempotency
// key: a retried request with the same ClientRef returns the first order.
type CreateInput struct {
	ClientRef      string
	TerminalID     string
	Items          []Item
	TotalAmount    *decimal.Decimal
	PaymentMethod  string
	CustomerID     *int64
	CustomerPhone  string
	CustomerName   string
	CardID         *int64
	UsedFreeDrinks int
}

// Service handles orders
type Service struct {
	db        *sqlx.DB
	orders    *repository.OrderRepository
	menu      *repository.MenuRepository
	customers *repository.CustomerRepository
	ledger    *ledger.Ledger
	ids       *snowflake.Node
	log       zerolog.Logger
}

// NewService creates a new order service
func NewService(db *sqlx.DB, l *ledger.Ledger, ids *snowflake.Node, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		orders:    repository.NewOrderRepository(),
		menu:      repository.NewMenuRepository(),
		customers: repository.NewCustomerRepository(),
		ledger:    l,
		ids:       ids,
		log:       log.With().Str("component", "order").Logger(),
	}
}

// Create places an order and, when free drinks are claimed, redeems them in
// the same transaction. The bool result is true when the order already
// existed for the ClientRef and nothing new was written.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (*model.Order, bool, error) {
	o, replayed, err := s.create(ctx, tenantID, in)
	switch {
	case err != nil:
		metrics.RecordOrderCreated("rejected")
	case replayed:
		metrics.RecordOrderCreated("replayed")
	default:
		metrics.RecordOrderCreated("created")
	}
	return o, replayed, err
}

func (s *Service) create(ctx context.Context, tenantID string, in CreateInput) (*model.Order, bool, error) {
	if err := validateCreate(in); err != nil {
		return nil, false, err
	}
	clientRef := strings.TrimSpace(in.ClientRef)

	// fast path for replays
	if clientRef != "" {
		existing, err := s.orders.GetOrderByClientRef(ctx, s.db, tenantID, clientRef)
		if err == nil {
			return s.withItems(ctx, s.db, existing, true)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
	}

	var card *model.LoyaltyCard
	if in.CardID != nil {
		c, err := s.ledger.GetCard(ctx, tenantID, *in.CardID)
		if err != nil {
			return nil, false, err
		}
		card = c
	}

	items, err := s.priceItems(ctx, tenantID, in.Items)
	if err != nil {
		return nil, false, err
	}

	quote := quoteItems(items, in.UsedFreeDrinks)
	if quote.FreeCount < in.UsedFreeDrinks {
		return nil, false, fmt.Errorf("%w: %d free drinks claimed but only %d eligible drinks in the order",
			ErrInvalidOrder, in.UsedFreeDrinks, quote.FreeCount)
	}
	if in.TotalAmount != nil && !in.TotalAmount.Equal(quote.Total) {
		return nil, false, fmt.Errorf("%w: claimed %s, computed %s", ErrTotalMismatch, in.TotalAmount.StringFixed(2), quote.Total.StringFixed(2))
	}
	if in.PaymentMethod == model.PaymentLoyalty && !quote.Total.IsZero() {
		return nil, false, fmt.Errorf("%w: loyalty payment only covers fully free orders", ErrInvalidOrder)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	customerID, err := s.resolveCustomer(ctx, tx, tenantID, in, card)
	if err != nil {
		return nil, false, err
	}
	if card == nil && in.UsedFreeDrinks > 0 {
		if customerID == nil {
			return nil, false, fmt.Errorf("%w: free drinks require a loyalty customer", ErrInvalidOrder)
		}
		if card, err = s.ledger.EnsureCard(ctx, tx, tenantID, *customerID); err != nil {
			return nil, false, err
		}
	}

	id := s.ids.Generate()
	now := time.Now().UTC()
	o := &model.Order{
		ID:             id.Int64(),
		TenantID:       tenantID,
		OrderNumber:    id.String(),
		CustomerID:     customerID,
		TerminalID:     in.TerminalID,
		Status:         model.StatusPending,
		Subtotal:       quote.Subtotal,
		DiscountAmount: quote.Discount,
		TotalAmount:    quote.Total,
		UsedFreeDrinks: in.UsedFreeDrinks,
		PaymentMethod:  in.PaymentMethod,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if clientRef != "" {
		o.ClientRef = &clientRef
	}
	if card != nil {
		o.CardID = &card.ID
	}

	inserted, err := s.orders.CreateOrder(ctx, tx, o)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		// lost the race against a concurrent replay of the same request
		existing, err := s.orders.GetOrderByClientRef(ctx, tx, tenantID, clientRef)
		if err != nil {
			return nil, false, err
		}
		return s.withItems(ctx, tx, existing, true)
	}

	for i := range items {
		items[i].OrderID = o.ID
		items[i].FreeQuantity = quote.FreePerLine[i]
	}
	if err := s.orders.CreateOrderItems(ctx, tx, items); err != nil {
		return nil, false, err
	}

	if in.UsedFreeDrinks > 0 {
		if _, err := s.ledger.Redeem(ctx, tx, tenantID, ledger.Redemption{
			CardID:   card.ID,
			OrderID:  o.ID,
			Count:    in.UsedFreeDrinks,
			Discount: quote.Discount,
		}); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	o.Items = items
	s.log.Info().
		Str("tenant", tenantID).
		Str("order_number", o.OrderNumber).
		Str("client_ref", clientRef).
		Int("free_drinks", o.UsedFreeDrinks).
		Str("total", o.TotalAmount.StringFixed(2)).
		Msg("order created")
	return o, false, nil
}

// RedeemInput claims free drinks for an order that was placed without them
type RedeemInput struct {
	OrderID  int64
	CardID   int64
	Count    int
	Discount decimal.Decimal
}

// Redeem spends free drinks on an existing pending order of the tenant. The
// order records the card and the count so that cancelling it refunds the
// cups. Repeating the same request returns the committed redemption.
func (s *Service) Redeem(ctx context.Context, tenantID string, in RedeemInput) (*model.Order, ledger.RedemptionResult, error) {
	if in.Count <= 0 {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("%w: free drink count must be positive", ErrInvalidOrder)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	o, err := s.orders.GetOrder(ctx, tx, tenantID, in.OrderID)
	if err != nil {
		return nil, ledger.RedemptionResult{}, orderErr(err)
	}
	if o.CardID != nil && *o.CardID != in.CardID {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("%w: order %s belongs to another card", ErrInvalidOrder, o.OrderNumber)
	}

	redemption := ledger.Redemption{CardID: in.CardID, OrderID: o.ID, Count: in.Count}
	if o.UsedFreeDrinks > 0 {
		redemption.Discount = o.DiscountAmount
		res, err := s.ledger.Redeem(ctx, tx, tenantID, redemption)
		if err != nil {
			return nil, ledger.RedemptionResult{}, err
		}
		order, _, err := s.withItems(ctx, tx, o, true)
		return order, res, err
	}
	if o.Status != model.StatusPending {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("%w: %s is %s", ErrNotRedeemable, o.OrderNumber, o.Status)
	}

	card, err := s.ledger.CardIn(ctx, tx, tenantID, in.CardID)
	if err != nil {
		return nil, ledger.RedemptionResult{}, err
	}
	if o.CustomerID != nil && *o.CustomerID != card.CustomerID {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("%w: order %s belongs to another customer", ErrInvalidOrder, o.OrderNumber)
	}

	items, err := s.orders.GetOrderItems(ctx, tx, o.ID)
	if err != nil {
		return nil, ledger.RedemptionResult{}, err
	}
	quote := quoteItems(items, in.Count)
	if quote.FreeCount < in.Count {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("%w: %d free drinks claimed but only %d eligible drinks in the order",
			ErrInvalidOrder, in.Count, quote.FreeCount)
	}
	if !in.Discount.IsZero() && !in.Discount.Equal(quote.Discount) {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("%w: claimed discount %s, computed %s",
			ErrTotalMismatch, in.Discount.StringFixed(2), quote.Discount.StringFixed(2))
	}

	redemption.Discount = quote.Discount
	res, err := s.ledger.Redeem(ctx, tx, tenantID, redemption)
	if err != nil {
		return nil, ledger.RedemptionResult{}, err
	}

	customerID := card.CustomerID
	o.CardID = &card.ID
	o.CustomerID = &customerID
	o.UsedFreeDrinks = in.Count
	o.DiscountAmount = quote.Discount
	o.TotalAmount = quote.Total
	ok, err := s.orders.ApplyRedemption(ctx, tx, o, time.Now().UTC())
	if err != nil {
		return nil, ledger.RedemptionResult{}, err
	}
	if !ok {
		return nil, ledger.RedemptionResult{}, ErrConcurrentUpdate
	}
	for i := range items {
		items[i].FreeQuantity = quote.FreePerLine[i]
		if items[i].FreeQuantity > 0 {
			if err := s.orders.SetFreeQuantity(ctx, tx, o.ID, items[i].LineNo, items[i].FreeQuantity); err != nil {
				return nil, ledger.RedemptionResult{}, err
			}
		}
	}

	updated, err := s.orders.GetOrder(ctx, tx, tenantID, o.ID)
	if err != nil {
		return nil, ledger.RedemptionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, ledger.RedemptionResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Str("tenant", tenantID).
		Str("order_number", o.OrderNumber).
		Int64("card_id", card.ID).
		Int("free_drinks", in.Count).
		Msg("free drinks redeemed on order")
	updated.Items = items
	return updated, res, nil
}

func validateCreate(in CreateInput) error {
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidOrder)
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.CoffeeItemID) == "" {
			return fmt.Errorf("%w: item id is required", ErrInvalidOrder)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: quantity of %s must be positive", ErrInvalidOrder, it.CoffeeItemID)
		}
		if it.UnitPrice != nil && it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: price of %s must not be negative", ErrInvalidOrder, it.CoffeeItemID)
		}
	}
	if in.UsedFreeDrinks < 0 {
		return fmt.Errorf("%w: free drink count must not be negative", ErrInvalidOrder)
	}
	switch in.PaymentMethod {
	case model.PaymentCash, model.PaymentCard, model.PaymentMobile, model.PaymentLoyalty:
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, in.PaymentMethod)
	}
	return nil
}

// priceItems snapshots name, price and stampability of each line
func (s *Service) priceItems(ctx context.Context, tenantID string, req []Item) ([]model.OrderItem, error) {
	items := make([]model.OrderItem, 0, len(req))
	for i, it := range req {
		menuItem, err := s.menu.GetItem(ctx, s.db, tenantID, it.CoffeeItemID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && !menuItem.IsActive) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownItem, it.CoffeeItemID)
		}
		if err != nil {
			return nil, err
		}

		price := menuItem.Price
		if it.UnitPrice != nil {
			price = *it.UnitPrice
		}
		items = append(items, model.OrderItem{
			LineNo:       i + 1,
			CoffeeItemID: menuItem.ID,
			Name:         menuItem.Name,
			Quantity:     it.Quantity,
			UnitPrice:    price,
			Stampable:    menuItem.Stampable,
		})
	}
	return items, nil
}

// quoteItems prices the order, spending the free drink budget on stampable
// lines only. FreePerLine is aligned with items.
func quoteItems(items []model.OrderItem, freeDrinks int) ledger.Quote {
	var (
		lines []ledger.CartLine
		index []int
	)
	for i, it := range items {
		if it.Stampable {
			lines = append(lines, ledger.CartLine{ItemID: it.CoffeeItemID, UnitPrice: it.UnitPrice, Quantity: it.Quantity})
			index = append(index, i)
		}
	}
	drinks := ledger.QuoteCart(lines, freeDrinks)

	q := ledger.Quote{FreePerLine: make([]int, len(items)), FreeCount: drinks.FreeCount, Discount: drinks.Discount}
	for j, n := range drinks.FreePerLine {
		q.FreePerLine[index[j]] = n
	}
	for _, it := range items {
		q.Subtotal = q.Subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	q.Total = q.Subtotal.Sub(q.Discount)
	return q
}

func (s *Service) resolveCustomer(ctx context.Context, tx *sqlx.Tx, tenantID string, in CreateInput, card *model.LoyaltyCard) (*int64, error) {
	switch {
	case card != nil:
		id := card.CustomerID
		return &id, nil
	case in.CustomerID != nil:
		if _, err := s.customers.GetCustomer(ctx, tx, tenantID, *in.CustomerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown customer %d", ErrInvalidOrder, *in.CustomerID)
			}
			return nil, err
		}
		id := *in.CustomerID
		return &id, nil
	case strings.TrimSpace(in.CustomerPhone) != "":
		customer, err := s.ledger.EnsureCustomer(ctx, tx, tenantID, in.CustomerPhone, in.CustomerName)
		if err != nil {
			return nil, err
		}
		return &customer.ID, nil
	}
	return nil, nil
}

// Transition moves an order to a new status. Requesting the current status
// is a no-op. Completing an order accrues its stamps exactly once; cancelling
// it returns the free cups it redeemed.
func (s *Service) Transition(ctx context.Context, tenantID, orderNumber string, to model.OrderStatus, reason string) (*model.Order, error) {
	if !IsValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	reason = strings.TrimSpace(reason)
	if to == model.StatusCancelled && reason == "" {
		return nil, ErrReasonRequired
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	o, err := s.orders.GetOrderByNumber(ctx, tx, tenantID, orderNumber)
	if err != nil {
		return nil, orderErr(err)
	}
	if o.Status == to {
		order, _, err := s.withItems(ctx, tx, o, false)
		return order, err
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	if to != model.StatusCancelled {
		reason = ""
	}
	ok, err := s.orders.UpdateOrderStatus(ctx, tx, o.ID, o.Status, to, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConcurrentUpdate
	}

	items, err := s.orders.GetOrderItems(ctx, tx, o.ID)
	if err != nil {
		return nil, err
	}

	switch to {
	case model.StatusCompleted:
		if err := s.accrue(ctx, tx, o, items); err != nil {
			return nil, err
		}
	case model.StatusCancelled:
		if o.CardID != nil && o.UsedFreeDrinks > 0 {
			if err := s.ledger.Refund(ctx, tx, *o.CardID, o.ID, o.UsedFreeDrinks, reason); err != nil {
				return nil, err
			}
		}
	}

	updated, err := s.orders.GetOrder(ctx, tx, tenantID, o.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordOrderTransition(string(to))
	s.log.Info().Str("tenant", tenantID).Str("order_number", orderNumber).
		Str("from", string(o.Status)).Str("to", string(to)).Msg("order status changed")

	updated.Items = items
	return updated, nil
}

// accrue credits a completed order to the customer's card, issuing the card
// on the customer's first completed order. Guest orders accrue nothing.
func (s *Service) accrue(ctx context.Context, tx *sqlx.Tx, o *model.Order, items []model.OrderItem) error {
	if o.CustomerID == nil {
		return nil
	}

	var cardID int64
	if o.CardID != nil {
		cardID = *o.CardID
	} else {
		card, err := s.ledger.EnsureCard(ctx, tx, o.TenantID, *o.CustomerID)
		if err != nil {
			return err
		}
		cardID = card.ID
		if err := s.orders.AttachCard(ctx, tx, o.ID, cardID); err != nil {
			return err
		}
	}

	stamps := 0
	for _, it := range items {
		if it.Stampable {
			stamps += it.Quantity
		}
	}
	policy := s.ledger.Policy()
	res, err := s.ledger.Accrue(ctx, tx, o.TenantID, cardID, ledger.Accrual{
		OrderID: o.ID,
		Stamps:  stamps,
		Points:  int(o.TotalAmount.IntPart()) * policy.PointsPerUnit,
		Spent:   o.TotalAmount,
	})
	if errors.Is(err, ledger.ErrCardInactive) {
		s.log.Warn().Int64("card_id", cardID).Str("order_number", o.OrderNumber).Msg("card inactive, accrual skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if res.NewFreeCups > 0 {
		s.log.Info().Int64("card_id", cardID).Int("new_free_cups", res.NewFreeCups).Msg("free cups earned")
	}
	return nil
}

// Get returns an order with its lines
func (s *Service) Get(ctx context.Context, tenantID, orderNumber string) (*model.Order, error) {
	o, err := s.orders.GetOrderByNumber(ctx, s.db, tenantID, orderNumber)
	if err != nil {
		return nil, orderErr(err)
	}
	order, _, err := s.withItems(ctx, s.db, o, false)
	return order, err
}

// List returns the newest orders, optionally filtered by status. Lines are
// not loaded.
func (s *Service) List(ctx context.Context, tenantID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	if status != "" && !IsValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.orders.ListOrders(ctx, s.db, tenantID, status, limit)
}

// ListMenu returns the active menu of a tenant
func (s *Service) ListMenu(ctx context.Context, tenantID string) ([]model.CoffeeItem, error) {
	return s.menu.ListItems(ctx, s.db, tenantID, true)
}

func (s *Service) withItems(ctx context.Context, db repository.DBExecutor, o *model.Order, replayed bool) (*model.Order, bool, error) {
	items, err := s.orders.GetOrderItems(ctx, db, o.ID)
	if err != nil {
		return nil, false, err
	}
	o.Items = items
	return o, replayed, nil
}

func orderErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrOrderNotFound
	}
	return err
}
