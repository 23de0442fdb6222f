// Package terminal holds the point-of-sale application state: card
// recognition with a local fallback, cart quotes, and checkout through the
// offline outbox.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/outbox"
)

var (
	// ErrInvalidCart rejects an empty cart or a non-positive quantity
	ErrInvalidCart = errors.New("invalid cart")
	// ErrUnknownItem means a cart line is not on the cached menu
	ErrUnknownItem = errors.New("item is not on the menu")
	// ErrInvalidLookup rejects a card lookup without a key
	ErrInvalidLookup = errors.New("invalid card lookup")
	// ErrFreeDrinksUnavailable rejects free drinks the card cannot cover
	ErrFreeDrinksUnavailable = errors.New("not enough free drinks on card")
)

// CardLookup is the server call used to recognize a customer
type CardLookup interface {
	LookupCard(context.Context, *connect.Request[api.LookupCardRequest]) (*connect.Response[api.LookupCardResponse], error)
}

// MenuSource is the server call used to refresh the cached menu
type MenuSource interface {
	ListMenu(context.Context, *connect.Request[api.ListMenuRequest]) (*connect.Response[api.ListMenuResponse], error)
}

// Terminal is the state of one point-of-sale terminal
type Terminal struct {
	id      string
	cards   CardLookup
	menu    MenuSource
	outbox  *outbox.Outbox
	cache   *Cache
	policy  ledger.Policy
	timeout time.Duration
	log     zerolog.Logger

	// serializes checkouts so two carts cannot claim the same free drink
	checkoutMu sync.Mutex
}

// New creates a terminal
func New(id string, cards CardLookup, menu MenuSource, ob *outbox.Outbox, cache *Cache, policy ledger.Policy, timeout time.Duration, log zerolog.Logger) *Terminal {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Terminal{
		id:      id,
		cards:   cards,
		menu:    menu,
		outbox:  ob,
		cache:   cache,
		policy:  policy,
		timeout: timeout,
		log:     log.With().Str("terminal", id).Logger(),
	}
}

// LookupCard asks the server first and falls back to the local mirror when
// the server cannot answer. Cached results are flagged so the cashier knows
// the balance may be stale.
func (t *Terminal) LookupCard(ctx context.Context, key *api.LookupCardRequest) (*api.TerminalLookupCardResponse, error) {
	if key.Empty() {
		return nil, fmt.Errorf("%w: phone, card number or QR token required", ErrInvalidLookup)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	res, err := t.cards.LookupCard(callCtx, connect.NewRequest(key))
	cancel()
	if err == nil {
		if res.Msg.Found {
			if err := t.cache.PutCard(ctx, res.Msg.Card, key.Phone); err != nil {
				t.log.Warn().Err(err).Msg("failed to cache card")
			}
		}
		return &api.TerminalLookupCardResponse{Found: res.Msg.Found, Card: res.Msg.Card}, nil
	}
	if api.IsPermanent(err) {
		return nil, err
	}

	t.log.Warn().Err(err).Msg("card lookup failed, using local cache")
	cached, cerr := t.cache.FindCard(ctx, key)
	if errors.Is(cerr, ErrNotCached) {
		return &api.TerminalLookupCardResponse{Found: false, Cached: true}, nil
	}
	if cerr != nil {
		return nil, cerr
	}
	return &api.TerminalLookupCardResponse{Found: true, Cached: true, Card: cached.Card}, nil
}

// RefreshMenu replaces the cached menu with the server's
func (t *Terminal) RefreshMenu(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.menu.ListMenu(callCtx, connect.NewRequest(&api.ListMenuRequest{}))
	if err != nil {
		return 0, err
	}
	if err := t.cache.PutMenu(ctx, res.Msg.Items); err != nil {
		return 0, err
	}
	return len(res.Msg.Items), nil
}

// Menu returns the cached menu, fetching it once if the cache is empty
func (t *Terminal) Menu(ctx context.Context) ([]model.CoffeeItem, error) {
	items, err := t.cache.Menu(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}
	if _, err := t.RefreshMenu(ctx); err != nil {
		return nil, fmt.Errorf("menu not available offline: %w", err)
	}
	return t.cache.Menu(ctx)
}

// Card returns the last known state of a card
func (t *Terminal) Card(ctx context.Context, cardID int64) (*api.Card, error) {
	cached, err := t.cache.CardByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return cached.Card, nil
}

// Quote prices a cart. Free drinks are spent on the cheapest stampable
// units, the same allocation the server applies.
func (t *Terminal) Quote(ctx context.Context, items []api.CartItem, card *api.Card, freeDrinks int) (*api.QuoteResponse, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrInvalidCart)
	}
	if freeDrinks < 0 {
		return nil, fmt.Errorf("%w: free drinks must not be negative", ErrInvalidCart)
	}

	available := 0
	if card != nil {
		held, err := t.heldFreeDrinks(ctx, card)
		if err != nil {
			return nil, err
		}
		available = card.AvailableFreeDrinks - held
		if available < 0 {
			available = 0
		}
	}
	if freeDrinks > 0 {
		if card == nil {
			return nil, fmt.Errorf("%w: free drinks need a loyalty card", ErrFreeDrinksUnavailable)
		}
		if !card.IsActive || freeDrinks > available {
			return nil, fmt.Errorf("%w: requested %d, available %d", ErrFreeDrinksUnavailable, freeDrinks, available)
		}
	}

	menu, err := t.Menu(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.CoffeeItem, len(menu))
	for _, item := range menu {
		byID[item.ID] = item
	}

	res := &api.QuoteResponse{AvailableFreeDrinks: available}
	var (
		stampable []ledger.CartLine
		index     []int
	)
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity of %s must be positive", ErrInvalidCart, it.CoffeeItemID)
		}
		item, ok := byID[it.CoffeeItemID]
		if !ok || !item.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrUnknownItem, it.CoffeeItemID)
		}
		res.Lines = append(res.Lines, api.QuoteLine{
			CoffeeItemID: item.ID,
			Name:         item.Name,
			Quantity:     it.Quantity,
			UnitPrice:    item.Price,
			Stampable:    item.Stampable,
		})
		line := res.Lines[len(res.Lines)-1]
		res.Subtotal = res.Subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		if item.Stampable {
			res.StampsEarned += it.Quantity
			stampable = append(stampable, ledger.CartLine{ItemID: item.ID, UnitPrice: item.Price, Quantity: it.Quantity})
			index = append(index, len(res.Lines)-1)
		}
	}

	q := ledger.QuoteCart(stampable, freeDrinks)
	if q.FreeCount < freeDrinks {
		return nil, fmt.Errorf("%w: only %d drinks in cart can be free", ErrInvalidCart, q.FreeCount)
	}
	for i, n := range q.FreePerLine {
		res.Lines[index[i]].FreeQuantity = n
	}
	res.FreeDrinks = q.FreeCount
	res.Discount = q.Discount
	res.Total = res.Subtotal.Sub(q.Discount)
	if card != nil && card.IsActive && t.policy.StampsPerFreeCup > 0 {
		k := t.policy.StampsPerFreeCup
		res.StampsToNextCup = k - (card.Stamps+res.StampsEarned)%k
	}
	return res, nil
}

// heldFreeDrinks returns the free drinks this terminal's checkouts have taken
// from card that the card's last known balance does not include yet
func (t *Terminal) heldFreeDrinks(ctx context.Context, card *api.Card) (int, error) {
	asOf := time.Now().UTC()
	cached, err := t.cache.CardByID(ctx, card.ID)
	switch {
	case err == nil:
		asOf = cached.CachedAt
	case !errors.Is(err, ErrNotCached):
		return 0, err
	}
	return t.outbox.HeldFreeDrinks(ctx, card.ID, asOf)
}

// CheckoutInput is a finished cart
type CheckoutInput struct {
	Items         []api.CartItem
	Card          *api.Card
	CustomerPhone string
	CustomerName  string
	FreeDrinks    int
	PaymentMethod string
}

// Checkout quotes the cart and hands the order to the outbox. The request
// carries the quoted unit prices and total so the server charges what the
// customer was shown.
func (t *Terminal) Checkout(ctx context.Context, in CheckoutInput) (*api.CheckoutResponse, error) {
	t.checkoutMu.Lock()
	defer t.checkoutMu.Unlock()

	quote, err := t.Quote(ctx, in.Items, in.Card, in.FreeDrinks)
	if err != nil {
		return nil, err
	}

	method := strings.TrimSpace(in.PaymentMethod)
	if method == "" {
		method = model.PaymentCash
		if quote.Total.IsZero() && quote.FreeDrinks > 0 {
			method = model.PaymentLoyalty
		}
	}

	total := quote.Total
	req := api.CreateOrderRequest{
		TerminalID:     t.id,
		TotalAmount:    &total,
		PaymentMethod:  method,
		CustomerPhone:  strings.TrimSpace(in.CustomerPhone),
		CustomerName:   strings.TrimSpace(in.CustomerName),
		UsedFreeDrinks: quote.FreeDrinks,
	}
	if in.Card != nil {
		cardID := in.Card.ID
		req.CardID = &cardID
	}
	for _, line := range quote.Lines {
		price := line.UnitPrice
		req.Items = append(req.Items, api.OrderItemInput{
			CoffeeItemID: line.CoffeeItemID,
			Quantity:     line.Quantity,
			UnitPrice:    &price,
		})
	}

	sub, err := t.outbox.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	event := t.log.Info()
	if sub.Offline {
		event = t.log.Warn()
	}
	event.Str("temp_id", sub.TempID).
		Str("order_number", sub.OrderNumber).
		Bool("offline", sub.Offline).
		Str("total", quote.Total.String()).
		Msg("checkout")

	return &api.CheckoutResponse{
		OrderNumber: sub.OrderNumber,
		TempID:      sub.TempID,
		Offline:     sub.Offline,
		Total:       quote.Total,
	}, nil
}

// Receipt returns the local record of a checkout. It stays tentative until
// the server confirms the order.
func (t *Terminal) Receipt(ctx context.Context, tempID string) (*api.Receipt, error) {
	e, err := t.outbox.Receipt(ctx, tempID)
	if err != nil {
		return nil, err
	}
	req, err := e.Request()
	if err != nil {
		return nil, err
	}

	r := &api.Receipt{
		TempID:     e.TempID,
		State:      api.ReceiptTentative,
		Order:      *req,
		RetryCount: e.RetryCount,
		LastError:  e.LastError,
		CreatedAt:  e.CreatedAt,
	}
	switch e.Status {
	case outbox.StatusSynced:
		r.State = api.ReceiptConfirmed
		r.OrderNumber = e.OrderNumber
	case outbox.StatusRejected:
		r.State = api.ReceiptRejected
	}
	return r, nil
}

// Status reports connectivity and outbox counts
func (t *Terminal) Status(ctx context.Context) (*api.GetStatusResponse, error) {
	counts, err := t.outbox.Counts(ctx)
	if err != nil {
		return nil, err
	}
	res := &api.GetStatusResponse{
		Online:     t.outbox.Online(),
		Pending:    counts.Pending,
		Processing: counts.Processing,
		Synced:     counts.Synced,
		Rejected:   counts.Rejected,
	}
	if at, ok := t.outbox.LastFlush(); ok {
		res.LastFlushAt = &at
	}
	return res, nil
}

// Flush runs a flush cycle now
func (t *Terminal) Flush(ctx context.Context) outbox.FlushReport {
	return t.outbox.Flush(ctx)
}

// Requeue returns a rejected order to the outbox
func (t *Terminal) Requeue(ctx context.Context, tempID string) error {
	return t.outbox.Requeue(ctx, tempID)
}
