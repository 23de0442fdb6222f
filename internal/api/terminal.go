package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"
)

// TerminalServiceName is the fully-qualified name of the local POS service
const TerminalServiceName = "brewledger.terminal.v1.TerminalService"

// TerminalService procedures
const (
	TerminalServiceLookupCardProcedure = "/brewledger.terminal.v1.TerminalService/LookupCard"
	TerminalServiceQuoteProcedure      = "/brewledger.terminal.v1.TerminalService/Quote"
	TerminalServiceCheckoutProcedure   = "/brewledger.terminal.v1.TerminalService/Checkout"
	TerminalServiceGetReceiptProcedure = "/brewledger.terminal.v1.TerminalService/GetReceipt"
	TerminalServiceGetStatusProcedure  = "/brewledger.terminal.v1.TerminalService/GetStatus"
	TerminalServiceFlushProcedure      = "/brewledger.terminal.v1.TerminalService/Flush"
	TerminalServiceRequeueProcedure    = "/brewledger.terminal.v1.TerminalService/Requeue"
)

// Receipt states
const (
	ReceiptTentative = "tentative"
	ReceiptConfirmed = "confirmed"
	ReceiptRejected  = "rejected"
)

// TerminalLookupCardResponse marks cards served from the local mirror
type TerminalLookupCardResponse struct {
	Found  bool  `json:"found"`
	Cached bool  `json:"cached"`
	Card   *Card `json:"card,omitempty"`
}

// CartItem is a line of the cashier's cart
type CartItem struct {
	CoffeeItemID string `json:"coffeeItemId"`
	Quantity     int    `json:"quantity"`
}

type QuoteRequest struct {
	Items      []CartItem `json:"items"`
	CardID     *int64     `json:"cardId,omitempty"`
	FreeDrinks int        `json:"freeDrinks,omitempty"`
}

type QuoteLine struct {
	CoffeeItemID string          `json:"coffeeItemId"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	FreeQuantity int             `json:"freeQuantity"`
	Stampable    bool            `json:"stampable"`
}

type QuoteResponse struct {
	Lines               []QuoteLine     `json:"lines"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	Discount            decimal.Decimal `json:"discount"`
	Total               decimal.Decimal `json:"total"`
	FreeDrinks          int             `json:"freeDrinks"`
	AvailableFreeDrinks int             `json:"availableFreeDrinks"`
	StampsEarned        int             `json:"stampsEarned"`
	StampsToNextCup     int             `json:"stampsToNextCup,omitempty"`
}

type CheckoutRequest struct {
	Items         []CartItem `json:"items"`
	CardID        *int64     `json:"cardId,omitempty"`
	CustomerPhone string     `json:"customerPhone,omitempty"`
	CustomerName  string     `json:"customerName,omitempty"`
	FreeDrinks    int        `json:"freeDrinks,omitempty"`
	PaymentMethod string     `json:"paymentMethod"`
}

// CheckoutResponse carries the server order number, or the temp id when the
// order is waiting in the outbox
type CheckoutResponse struct {
	OrderNumber string          `json:"orderNumber"`
	TempID      string          `json:"tempId"`
	Offline     bool            `json:"offline"`
	Total       decimal.Decimal `json:"total"`
}

type GetReceiptRequest struct {
	TempID string `json:"tempId"`
}

// Receipt is the local record of a checkout: tentative until the server
// confirms it
type Receipt struct {
	TempID      string             `json:"tempId"`
	OrderNumber string             `json:"orderNumber,omitempty"`
	State       string             `json:"state"`
	Order       CreateOrderRequest `json:"order"`
	RetryCount  int                `json:"retryCount"`
	LastError   string             `json:"lastError,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

type GetReceiptResponse struct {
	Receipt *Receipt `json:"receipt"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Online      bool       `json:"online"`
	Pending     int        `json:"pending"`
	Processing  int        `json:"processing"`
	Synced      int        `json:"synced"`
	Rejected    int        `json:"rejected"`
	LastFlushAt *time.Time `json:"lastFlushAt,omitempty"`
}

type FlushRequest struct{}

type FlushResponse struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Retried   int  `json:"retried"`
	Rejected  int  `json:"rejected"`
}

type RequeueRequest struct {
	TempID string `json:"tempId"`
}

type RequeueResponse struct{}

// TerminalServiceHandler is implemented by cmd/pos-terminal
type TerminalServiceHandler interface {
	LookupCard(context.Context, *connect.Request[LookupCardRequest]) (*connect.Response[TerminalLookupCardResponse], error)
	Quote(context.Context, *connect.Request[QuoteRequest]) (*connect.Response[QuoteResponse], error)
	Checkout(context.Context, *connect.Request[CheckoutRequest]) (*connect.Response[CheckoutResponse], error)
	GetReceipt(context.Context, *connect.Request[GetReceiptRequest]) (*connect.Response[GetReceiptResponse], error)
	GetStatus(context.Context, *connect.Request[GetStatusRequest]) (*connect.Response[GetStatusResponse], error)
	Flush(context.Context, *connect.Request[FlushRequest]) (*connect.Response[FlushResponse], error)
	Requeue(context.Context, *connect.Request[RequeueRequest]) (*connect.Response[RequeueResponse], error)
}

// NewTerminalServiceHandler builds an HTTP handler for the service and
// returns the path to mount it on
func NewTerminalServiceHandler(svc TerminalServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	noSideEffects := connect.WithIdempotency(connect.IdempotencyNoSideEffects)
	mux := http.NewServeMux()
	mux.Handle(TerminalServiceLookupCardProcedure, connect.NewUnaryHandler(
		TerminalServiceLookupCardProcedure, svc.LookupCard, handlerOptions(opts, noSideEffects)...))
	mux.Handle(TerminalServiceQuoteProcedure, connect.NewUnaryHandler(
		TerminalServiceQuoteProcedure, svc.Quote, handlerOptions(opts, noSideEffects)...))
	mux.Handle(TerminalServiceCheckoutProcedure, connect.NewUnaryHandler(
		TerminalServiceCheckoutProcedure, svc.Checkout, handlerOptions(opts)...))
	mux.Handle(TerminalServiceGetReceiptProcedure, connect.NewUnaryHandler(
		TerminalServiceGetReceiptProcedure, svc.GetReceipt, handlerOptions(opts, noSideEffects)...))
	mux.Handle(TerminalServiceGetStatusProcedure, connect.NewUnaryHandler(
		TerminalServiceGetStatusProcedure, svc.GetStatus, handlerOptions(opts, noSideEffects)...))
	mux.Handle(TerminalServiceFlushProcedure, connect.NewUnaryHandler(
		TerminalServiceFlushProcedure, svc.Flush, handlerOptions(opts)...))
	mux.Handle(TerminalServiceRequeueProcedure, connect.NewUnaryHandler(
		TerminalServiceRequeueProcedure, svc.Requeue, handlerOptions(opts)...))
	return "/" + TerminalServiceName + "/", mux
}

// TerminalServiceClient calls a POS terminal
type TerminalServiceClient interface {
	LookupCard(context.Context, *connect.Request[LookupCardRequest]) (*connect.Response[TerminalLookupCardResponse], error)
	Quote(context.Context, *connect.Request[QuoteRequest]) (*connect.Response[QuoteResponse], error)
	Checkout(context.Context, *connect.Request[CheckoutRequest]) (*connect.Response[CheckoutResponse], error)
	GetReceipt(context.Context, *connect.Request[GetReceiptRequest]) (*connect.Response[GetReceiptResponse], error)
	GetStatus(context.Context, *connect.Request[GetStatusRequest]) (*connect.Response[GetStatusResponse], error)
	Flush(context.Context, *connect.Request[FlushRequest]) (*connect.Response[FlushResponse], error)
	Requeue(context.Context, *connect.Request[RequeueRequest]) (*connect.Response[RequeueResponse], error)
}

type terminalServiceClient struct {
	lookupCard *connect.Client[LookupCardRequest, TerminalLookupCardResponse]
	quote      *connect.Client[QuoteRequest, QuoteResponse]
	checkout   *connect.Client[CheckoutRequest, CheckoutResponse]
	getReceipt *connect.Client[GetReceiptRequest, GetReceiptResponse]
	getStatus  *connect.Client[GetStatusRequest, GetStatusResponse]
	flush      *connect.Client[FlushRequest, FlushResponse]
	requeue    *connect.Client[RequeueRequest, RequeueResponse]
}

// NewTerminalServiceClient creates a client for the terminal at baseURL
func NewTerminalServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) TerminalServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &terminalServiceClient{
		lookupCard: connect.NewClient[LookupCardRequest, TerminalLookupCardResponse](
			httpClient, baseURL+TerminalServiceLookupCardProcedure, clientOptions(opts)...),
		quote: connect.NewClient[QuoteRequest, QuoteResponse](
			httpClient, baseURL+TerminalServiceQuoteProcedure, clientOptions(opts)...),
		checkout: connect.NewClient[CheckoutRequest, CheckoutResponse](
			httpClient, baseURL+TerminalServiceCheckoutProcedure, clientOptions(opts)...),
		getReceipt: connect.NewClient[GetReceiptRequest, GetReceiptResponse](
			httpClient, baseURL+TerminalServiceGetReceiptProcedure, clientOptions(opts)...),
		getStatus: connect.NewClient[GetStatusRequest, GetStatusResponse](
			httpClient, baseURL+TerminalServiceGetStatusProcedure, clientOptions(opts)...),
		flush: connect.NewClient[FlushRequest, FlushResponse](
			httpClient, baseURL+TerminalServiceFlushProcedure, clientOptions(opts)...),
		requeue: connect.NewClient[RequeueRequest, RequeueResponse](
			httpClient, baseURL+TerminalServiceRequeueProcedure, clientOptions(opts)...),
	}
}

func (c *terminalServiceClient) LookupCard(ctx context.Context, req *connect.Request[LookupCardRequest]) (*connect.Response[TerminalLookupCardResponse], error) {
	return c.lookupCard.CallUnary(ctx, req)
}

func (c *terminalServiceClient) Quote(ctx context.Context, req *connect.Request[QuoteRequest]) (*connect.Response[QuoteResponse], error) {
	return c.quote.CallUnary(ctx, req)
}

func (c *terminalServiceClient) Checkout(ctx context.Context, req *connect.Request[CheckoutRequest]) (*connect.Response[CheckoutResponse], error) {
	return c.checkout.CallUnary(ctx, req)
}

func (c *terminalServiceClient) GetReceipt(ctx context.Context, req *connect.Request[GetReceiptRequest]) (*connect.Response[GetReceiptResponse], error) {
	return c.getReceipt.CallUnary(ctx, req)
}

func (c *terminalServiceClient) GetStatus(ctx context.Context, req *connect.Request[GetStatusRequest]) (*connect.Response[GetStatusResponse], error) {
	return c.getStatus.CallUnary(ctx, req)
}

func (c *terminalServiceClient) Flush(ctx context.Context, req *connect.Request[FlushRequest]) (*connect.Response[FlushResponse], error) {
	return c.flush.CallUnary(ctx, req)
}

func (c *terminalServiceClient) Requeue(ctx context.Context, req *connect.Request[RequeueRequest]) (*connect.Response[RequeueResponse], error) {
	return c.requeue.CallUnary(ctx, req)
}
