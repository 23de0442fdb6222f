package service

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/order"
)

// LoyaltyServer implements the loyalty service
type LoyaltyServer struct {
	ledger *ledger.Ledger
	orders *order.Service
	log    zerolog.Logger
}

var _ api.LoyaltyServiceHandler = (*LoyaltyServer)(nil)

// NewLoyaltyServer creates a new LoyaltyServer instance
func NewLoyaltyServer(l *ledger.Ledger, orders *order.Service, log zerolog.Logger) *LoyaltyServer {
	return &LoyaltyServer{ledger: l, orders: orders, log: log}
}

// LookupCard finds a card by phone, card number or QR token. An unknown
// customer is a guest: the response says Found=false rather than failing.
func (s *LoyaltyServer) LookupCard(
	ctx context.Context,
	req *connect.Request[api.LookupCardRequest],
) (*connect.Response[api.LookupCardResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.Empty() {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("phone, card number or QR token required"))
	}

	card, err := s.ledger.Lookup(ctx, caller.Tenant, ledger.CardKey{
		Phone:      req.Msg.Phone,
		CardNumber: req.Msg.CardNumber,
		QRToken:    req.Msg.QRToken,
	})
	if errors.Is(err, ledger.ErrCardNotFound) {
		return connect.NewResponse(&api.LookupCardResponse{Found: false}), nil
	}
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&api.LookupCardResponse{
		Found: true,
		Card:  ToCard(card, s.ledger.Policy()),
	}), nil
}

// RegisterCard returns the card of a phone number, issuing it if needed
func (s *LoyaltyServer) RegisterCard(
	ctx context.Context,
	req *connect.Request[api.RegisterCardRequest],
) (*connect.Response[api.RegisterCardResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	card, err := s.ledger.Register(ctx, caller.Tenant, req.Msg.Phone, req.Msg.Name)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.RegisterCardResponse{Card: ToCard(card, s.ledger.Policy())}), nil
}

// Redeem spends free cups on a pending order that was placed without them
func (s *LoyaltyServer) Redeem(
	ctx context.Context,
	req *connect.Request[api.RedeemRequest],
) (*connect.Response[api.RedeemResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.CardID == 0 || req.Msg.OrderID == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("cardId and orderId are required"))
	}

	o, res, err := s.orders.Redeem(ctx, caller.Tenant, order.RedeemInput{
		OrderID:  req.Msg.OrderID,
		CardID:   req.Msg.CardID,
		Count:    req.Msg.RequestedFreeDrinkCount,
		Discount: req.Msg.DiscountAmount,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&api.RedeemResponse{
		Card:     ToCard(res.Card, s.ledger.Policy()),
		Order:    o,
		Redeemed: res.Redeemed,
		Replayed: res.Replayed,
	}), nil
}

// AdjustCard applies a manual stamp correction
func (s *LoyaltyServer) AdjustCard(
	ctx context.Context,
	req *connect.Request[api.AdjustCardRequest],
) (*connect.Response[api.AdjustCardResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	card, err := s.ledger.Adjust(ctx, caller.Tenant, req.Msg.CardID, req.Msg.StampsDelta, req.Msg.Note)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.log.Info().Str("tenant", caller.Tenant).Str("by", caller.Subject).Int64("card_id", card.ID).Msg("manual adjustment")
	return connect.NewResponse(&api.AdjustCardResponse{Card: ToCard(card, s.ledger.Policy())}), nil
}

// DeactivateCard retires a card
func (s *LoyaltyServer) DeactivateCard(
	ctx context.Context,
	req *connect.Request[api.DeactivateCardRequest],
) (*connect.Response[api.DeactivateCardResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	card, err := s.ledger.Deactivate(ctx, caller.Tenant, req.Msg.CardID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.DeactivateCardResponse{Card: ToCard(card, s.ledger.Policy())}), nil
}

// ListTransactions returns a card's audit log
func (s *LoyaltyServer) ListTransactions(
	ctx context.Context,
	req *connect.Request[api.ListTransactionsRequest],
) (*connect.Response[api.ListTransactionsResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	txs, err := s.ledger.History(ctx, caller.Tenant, req.Msg.CardID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.ListTransactionsResponse{Transactions: txs}), nil
}

// AuditCard compares a card's counters with its log
func (s *LoyaltyServer) AuditCard(
	ctx context.Context,
	req *connect.Request[api.AuditCardRequest],
) (*connect.Response[api.AuditCardResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	report, err := s.ledger.Audit(ctx, caller.Tenant, req.Msg.CardID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.AuditCardResponse{
		CardID:        report.CardID,
		Stored:        api.Counters(report.Stored),
		Reconstructed: api.Counters(report.Reconstructed),
		Transactions:  report.Transactions,
		Consistent:    report.Consistent,
	}), nil
}

// ToCard converts a stored card to its wire form with the derived balance
func ToCard(card *model.LoyaltyCard, policy ledger.Policy) *api.Card {
	if card == nil {
		return nil
	}
	toNext := 0
	if policy.StampsPerFreeCup > 0 {
		toNext = policy.StampsPerFreeCup - card.Stamps%policy.StampsPerFreeCup
	}
	return &api.Card{
		ID:                  card.ID,
		CustomerID:          card.CustomerID,
		CardNumber:          card.CardNumber,
		QRToken:             card.QRToken,
		Stamps:              card.Stamps,
		FreeCupsEarned:      policy.FreeCupsEarned(*card),
		FreeCupsRedeemed:    card.FreeCupsRedeemed,
		AvailableFreeDrinks: policy.AvailableFreeDrinks(*card),
		StampsToNextCup:     toNext,
		Points:              card.Points,
		TotalSpent:          card.TotalSpent,
		IsActive:            card.IsActive,
		UpdatedAt:           card.UpdatedAt,
	}
}
