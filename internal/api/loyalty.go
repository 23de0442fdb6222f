package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// LoyaltyServiceName is the fully-qualified name of the LoyaltyService
const LoyaltyServiceName = "brewledger.loyalty.v1.LoyaltyService"

// LoyaltyService procedures
const (
	LoyaltyServiceLookupCardProcedure       = "/brewledger.loyalty.v1.LoyaltyService/LookupCard"
	LoyaltyServiceRegisterCardProcedure     = "/brewledger.loyalty.v1.LoyaltyService/RegisterCard"
	LoyaltyServiceRedeemProcedure           = "/brewledger.loyalty.v1.LoyaltyService/Redeem"
	LoyaltyServiceAdjustCardProcedure       = "/brewledger.loyalty.v1.LoyaltyService/AdjustCard"
	LoyaltyServiceDeactivateCardProcedure   = "/brewledger.loyalty.v1.LoyaltyService/DeactivateCard"
	LoyaltyServiceListTransactionsProcedure = "/brewledger.loyalty.v1.LoyaltyService/ListTransactions"
	LoyaltyServiceAuditCardProcedure        = "/brewledger.loyalty.v1.LoyaltyService/AuditCard"
)

// Card is a loyalty card as shown to terminals, with the derived balance
type Card struct {
	ID                  int64           `json:"id"`
	CustomerID          int64           `json:"customerId"`
	CardNumber          string          `json:"cardNumber"`
	QRToken             string          `json:"qrToken"`
	Phone               string          `json:"phone,omitempty"`
	Stamps              int             `json:"stamps"`
	FreeCupsEarned      int             `json:"freeCupsEarned"`
	FreeCupsRedeemed    int             `json:"freeCupsRedeemed"`
	AvailableFreeDrinks int             `json:"availableFreeDrinks"`
	StampsToNextCup     int             `json:"stampsToNextCup"`
	Points              int             `json:"points"`
	TotalSpent          decimal.Decimal `json:"totalSpent"`
	IsActive            bool            `json:"isActive"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// LookupCardRequest selects a card by one of its keys
type LookupCardRequest struct {
	Phone      string `json:"phone,omitempty"`
	CardNumber string `json:"cardNumber,omitempty"`
	QRToken    string `json:"qrToken,omitempty"`
}

// Empty reports whether no key is set
func (r *LookupCardRequest) Empty() bool {
	return strings.TrimSpace(r.Phone) == "" && strings.TrimSpace(r.CardNumber) == "" && strings.TrimSpace(r.QRToken) == ""
}

// LookupCardResponse reports Found=false for guests instead of an error
type LookupCardResponse struct {
	Found bool  `json:"found"`
	Card  *Card `json:"card,omitempty"`
}

type RegisterCardRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

type RegisterCardResponse struct {
	Card *Card `json:"card"`
}

type RedeemRequest struct {
	CardID                  int64           `json:"cardId"`
	OrderID                 int64           `json:"orderId"`
	RequestedFreeDrinkCount int             `json:"requestedFreeDrinkCount"`
	DiscountAmount          decimal.Decimal `json:"discountAmount"`
}

type RedeemResponse struct {
	Card     *Card        `json:"card"`
	Order    *model.Order `json:"order,omitempty"`
	Redeemed int          `json:"redeemed"`
	Replayed bool         `json:"replayed"`
}

type AdjustCardRequest struct {
	CardID      int64  `json:"cardId"`
	StampsDelta int    `json:"stampsDelta"`
	Note        string `json:"note"`
}

type AdjustCardResponse struct {
	Card *Card `json:"card"`
}

type DeactivateCardRequest struct {
	CardID int64 `json:"cardId"`
}

type DeactivateCardResponse struct {
	Card *Card `json:"card"`
}

type ListTransactionsRequest struct {
	CardID int64 `json:"cardId"`
}

type ListTransactionsResponse struct {
	Transactions []model.LoyaltyTransaction `json:"transactions"`
}

type AuditCardRequest struct {
	CardID int64 `json:"cardId"`
}

// Counters mirrors the mutable counters of a card
type Counters struct {
	Stamps           int `json:"stamps"`
	FreeCupsEarned   int `json:"freeCupsEarned"`
	FreeCupsRedeemed int `json:"freeCupsRedeemed"`
	Points           int `json:"points"`
}

type AuditCardResponse struct {
	CardID        int64    `json:"cardId"`
	Stored        Counters `json:"stored"`
	Reconstructed Counters `json:"reconstructed"`
	Transactions  int      `json:"transactions"`
	Consistent    bool     `json:"consistent"`
}

// LoyaltyServiceHandler is implemented by the ledger server
type LoyaltyServiceHandler interface {
	LookupCard(context.Context, *connect.Request[LookupCardRequest]) (*connect.Response[LookupCardResponse], error)
	RegisterCard(context.Context, *connect.Request[RegisterCardRequest]) (*connect.Response[RegisterCardResponse], error)
	Redeem(context.Context, *connect.Request[RedeemRequest]) (*connect.Response[RedeemResponse], error)
	AdjustCard(context.Context, *connect.Request[AdjustCardRequest]) (*connect.Response[AdjustCardResponse], error)
	DeactivateCard(context.Context, *connect.Request[DeactivateCardRequest]) (*connect.Response[DeactivateCardResponse], error)
	ListTransactions(context.Context, *connect.Request[ListTransactionsRequest]) (*connect.Response[ListTransactionsResponse], error)
	AuditCard(context.Context, *connect.Request[AuditCardRequest]) (*connect.Response[AuditCardResponse], error)
}

// NewLoyaltyServiceHandler builds an HTTP handler for the service and
// returns the path to mount it on
func NewLoyaltyServiceHandler(svc LoyaltyServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(LoyaltyServiceLookupCardProcedure, connect.NewUnaryHandler(
		LoyaltyServiceLookupCardProcedure, svc.LookupCard,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))
	mux.Handle(LoyaltyServiceRegisterCardProcedure, connect.NewUnaryHandler(
		LoyaltyServiceRegisterCardProcedure, svc.RegisterCard,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...))
	mux.Handle(LoyaltyServiceRedeemProcedure, connect.NewUnaryHandler(
		LoyaltyServiceRedeemProcedure, svc.Redeem, handlerOptions(opts)...))
	mux.Handle(LoyaltyServiceAdjustCardProcedure, connect.NewUnaryHandler(
		LoyaltyServiceAdjustCardProcedure, svc.AdjustCard, handlerOptions(opts)...))
	mux.Handle(LoyaltyServiceDeactivateCardProcedure, connect.NewUnaryHandler(
		LoyaltyServiceDeactivateCardProcedure, svc.DeactivateCard,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...))
	mux.Handle(LoyaltyServiceListTransactionsProcedure, connect.NewUnaryHandler(
		LoyaltyServiceListTransactionsProcedure, svc.ListTransactions,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))
	mux.Handle(LoyaltyServiceAuditCardProcedure, connect.NewUnaryHandler(
		LoyaltyServiceAuditCardProcedure, svc.AuditCard,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))
	return "/" + LoyaltyServiceName + "/", mux
}

// LoyaltyServiceClient calls the LoyaltyService
type LoyaltyServiceClient interface {
	LookupCard(context.Context, *connect.Request[LookupCardRequest]) (*connect.Response[LookupCardResponse], error)
	RegisterCard(context.Context, *connect.Request[RegisterCardRequest]) (*connect.Response[RegisterCardResponse], error)
	Redeem(context.Context, *connect.Request[RedeemRequest]) (*connect.Response[RedeemResponse], error)
	AdjustCard(context.Context, *connect.Request[AdjustCardRequest]) (*connect.Response[AdjustCardResponse], error)
	DeactivateCard(context.Context, *connect.Request[DeactivateCardRequest]) (*connect.Response[DeactivateCardResponse], error)
	ListTransactions(context.Context, *connect.Request[ListTransactionsRequest]) (*connect.Response[ListTransactionsResponse], error)
	AuditCard(context.Context, *connect.Request[AuditCardRequest]) (*connect.Response[AuditCardResponse], error)
}

type loyaltyServiceClient struct {
	lookupCard       *connect.Client[LookupCardRequest, LookupCardResponse]
	registerCard     *connect.Client[RegisterCardRequest, RegisterCardResponse]
	redeem           *connect.Client[RedeemRequest, RedeemResponse]
	adjustCard       *connect.Client[AdjustCardRequest, AdjustCardResponse]
	deactivateCard   *connect.Client[DeactivateCardRequest, DeactivateCardResponse]
	listTransactions *connect.Client[ListTransactionsRequest, ListTransactionsResponse]
	auditCard        *connect.Client[AuditCardRequest, AuditCardResponse]
}

// NewLoyaltyServiceClient creates a client for the server at baseURL
func NewLoyaltyServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) LoyaltyServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &loyaltyServiceClient{
		lookupCard: connect.NewClient[LookupCardRequest, LookupCardResponse](
			httpClient, baseURL+LoyaltyServiceLookupCardProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects), connect.WithHTTPGet())...),
		registerCard: connect.NewClient[RegisterCardRequest, RegisterCardResponse](
			httpClient, baseURL+LoyaltyServiceRegisterCardProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...),
		redeem: connect.NewClient[RedeemRequest, RedeemResponse](
			httpClient, baseURL+LoyaltyServiceRedeemProcedure, clientOptions(opts)...),
		adjustCard: connect.NewClient[AdjustCardRequest, AdjustCardResponse](
			httpClient, baseURL+LoyaltyServiceAdjustCardProcedure, clientOptions(opts)...),
		deactivateCard: connect.NewClient[DeactivateCardRequest, DeactivateCardResponse](
			httpClient, baseURL+LoyaltyServiceDeactivateCardProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...),
		listTransactions: connect.NewClient[ListTransactionsRequest, ListTransactionsResponse](
			httpClient, baseURL+LoyaltyServiceListTransactionsProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...),
		auditCard: connect.NewClient[AuditCardRequest, AuditCardResponse](
			httpClient, baseURL+LoyaltyServiceAuditCardProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...),
	}
}

func (c *loyaltyServiceClient) LookupCard(ctx context.Context, req *connect.Request[LookupCardRequest]) (*connect.Response[LookupCardResponse], error) {
	return c.lookupCard.CallUnary(ctx, req)
}

func (c *loyaltyServiceClient) RegisterCard(ctx context.Context, req *connect.Request[RegisterCardRequest]) (*connect.Response[RegisterCardResponse], error) {
	return c.registerCard.CallUnary(ctx, req)
}

func (c *loyaltyServiceClient) Redeem(ctx context.Context, req *connect.Request[RedeemRequest]) (*connect.Response[RedeemResponse], error) {
	return c.redeem.CallUnary(ctx, req)
}

func (c *loyaltyServiceClient) AdjustCard(ctx context.Context, req *connect.Request[AdjustCardRequest]) (*connect.Response[AdjustCardResponse], error) {
	return c.adjustCard.CallUnary(ctx, req)
}

func (c *loyaltyServiceClient) DeactivateCard(ctx context.Context, req *connect.Request[DeactivateCardRequest]) (*connect.Response[DeactivateCardResponse], error) {
	return c.deactivateCard.CallUnary(ctx, req)
}

func (c *loyaltyServiceClient) ListTransactions(ctx context.Context, req *connect.Request[ListTransactionsRequest]) (*connect.Response[ListTransactionsResponse], error) {
	return c.listTransactions.CallUnary(ctx, req)
}

func (c *loyaltyServiceClient) AuditCard(ctx context.Context, req *connect.Request[AuditCardRequest]) (*connect.Response[AuditCardResponse], error) {
	return c.auditCard.CallUnary(ctx, req)
}
