package api

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/model"
)

// OrderServiceName is the fully-qualified name of the OrderService
const OrderServiceName = "brewledger.order.v1.OrderService"

// OrderService procedures
const (
	OrderServiceCreateOrderProcedure       = "/brewledger.order.v1.OrderService/CreateOrder"
	OrderServiceGetOrderProcedure          = "/brewledger.order.v1.OrderService/GetOrder"
	OrderServiceListOrdersProcedure        = "/brewledger.order.v1.OrderService/ListOrders"
	OrderServiceUpdateOrderStatusProcedure = "/brewledger.order.v1.OrderService/UpdateOrderStatus"
	OrderServiceListMenuProcedure          = "/brewledger.order.v1.OrderService/ListMenu"
)

// IdempotencyKeyHeader may carry the client reference of CreateOrder
// instead of the request body
const IdempotencyKeyHeader = "Idempotency-Key"

// OrderItemInput is a requested line. UnitPrice is the price the terminal
// displayed; the server falls back to its menu price when it is absent.
type OrderItemInput struct {
	CoffeeItemID string           `json:"coffeeItemId"`
	Quantity     int              `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unitPrice,omitempty"`
}

// CreateOrderRequest places an order. ClientRef makes the call safe to
// retry: the outbox sets it to the entry's temp id.
type CreateOrderRequest struct {
	ClientRef      string           `json:"clientRef,omitempty"`
	TerminalID     string           `json:"terminalId,omitempty"`
	Items          []OrderItemInput `json:"items"`
	TotalAmount    *decimal.Decimal `json:"totalAmount,omitempty"`
	PaymentMethod  string           `json:"paymentMethod"`
	CustomerID     *int64           `json:"customerId,omitempty"`
	CustomerPhone  string           `json:"customerPhone,omitempty"`
	CustomerName   string           `json:"customerName,omitempty"`
	CardID         *int64           `json:"cardId,omitempty"`
	UsedFreeDrinks int              `json:"usedFreeDrinks,omitempty"`
}

type CreateOrderResponse struct {
	Order    *model.Order `json:"order"`
	Replayed bool         `json:"replayed"`
}

type GetOrderRequest struct {
	OrderNumber string `json:"orderNumber"`
}

type GetOrderResponse struct {
	Order *model.Order `json:"order"`
}

type ListOrdersRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListOrdersResponse struct {
	Orders []model.Order `json:"orders"`
}

type UpdateOrderStatusRequest struct {
	OrderNumber        string `json:"orderNumber"`
	Status             string `json:"status"`
	CancellationReason string `json:"cancellationReason,omitempty"`
}

type UpdateOrderStatusResponse struct {
	Order *model.Order `json:"order"`
}

type ListMenuRequest struct{}

type ListMenuResponse struct {
	Items []model.CoffeeItem `json:"items"`
}

// OrderServiceHandler is implemented by the ledger server
type OrderServiceHandler interface {
	CreateOrder(context.Context, *connect.Request[CreateOrderRequest]) (*connect.Response[CreateOrderResponse], error)
	GetOrder(context.Context, *connect.Request[GetOrderRequest]) (*connect.Response[GetOrderResponse], error)
	ListOrders(context.Context, *connect.Request[ListOrdersRequest]) (*connect.Response[ListOrdersResponse], error)
	UpdateOrderStatus(context.Context, *connect.Request[UpdateOrderStatusRequest]) (*connect.Response[UpdateOrderStatusResponse], error)
	ListMenu(context.Context, *connect.Request[ListMenuRequest]) (*connect.Response[ListMenuResponse], error)
}

// NewOrderServiceHandler builds an HTTP handler for the service and returns
// the path to mount it on
func NewOrderServiceHandler(svc OrderServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(OrderServiceCreateOrderProcedure, connect.NewUnaryHandler(
		OrderServiceCreateOrderProcedure, svc.CreateOrder,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...))
	mux.Handle(OrderServiceGetOrderProcedure, connect.NewUnaryHandler(
		OrderServiceGetOrderProcedure, svc.GetOrder,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))
	mux.Handle(OrderServiceListOrdersProcedure, connect.NewUnaryHandler(
		OrderServiceListOrdersProcedure, svc.ListOrders,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))
	mux.Handle(OrderServiceUpdateOrderStatusProcedure, connect.NewUnaryHandler(
		OrderServiceUpdateOrderStatusProcedure, svc.UpdateOrderStatus,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...))
	mux.Handle(OrderServiceListMenuProcedure, connect.NewUnaryHandler(
		OrderServiceListMenuProcedure, svc.ListMenu,
		handlerOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))
	return "/" + OrderServiceName + "/", mux
}

// OrderServiceClient calls the OrderService
type OrderServiceClient interface {
	CreateOrder(context.Context, *connect.Request[CreateOrderRequest]) (*connect.Response[CreateOrderResponse], error)
	GetOrder(context.Context, *connect.Request[GetOrderRequest]) (*connect.Response[GetOrderResponse], error)
	ListOrders(context.Context, *connect.Request[ListOrdersRequest]) (*connect.Response[ListOrdersResponse], error)
	UpdateOrderStatus(context.Context, *connect.Request[UpdateOrderStatusRequest]) (*connect.Response[UpdateOrderStatusResponse], error)
	ListMenu(context.Context, *connect.Request[ListMenuRequest]) (*connect.Response[ListMenuResponse], error)
}

type orderServiceClient struct {
	createOrder       *connect.Client[CreateOrderRequest, CreateOrderResponse]
	getOrder          *connect.Client[GetOrderRequest, GetOrderResponse]
	listOrders        *connect.Client[ListOrdersRequest, ListOrdersResponse]
	updateOrderStatus *connect.Client[UpdateOrderStatusRequest, UpdateOrderStatusResponse]
	listMenu          *connect.Client[ListMenuRequest, ListMenuResponse]
}

// NewOrderServiceClient creates a client for the server at baseURL
func NewOrderServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) OrderServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &orderServiceClient{
		createOrder: connect.NewClient[CreateOrderRequest, CreateOrderResponse](
			httpClient, baseURL+OrderServiceCreateOrderProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...),
		getOrder: connect.NewClient[GetOrderRequest, GetOrderResponse](
			httpClient, baseURL+OrderServiceGetOrderProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...),
		listOrders: connect.NewClient[ListOrdersRequest, ListOrdersResponse](
			httpClient, baseURL+OrderServiceListOrdersProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...),
		updateOrderStatus: connect.NewClient[UpdateOrderStatusRequest, UpdateOrderStatusResponse](
			httpClient, baseURL+OrderServiceUpdateOrderStatusProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...),
		listMenu: connect.NewClient[ListMenuRequest, ListMenuResponse](
			httpClient, baseURL+OrderServiceListMenuProcedure,
			clientOptions(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...),
	}
}

func (c *orderServiceClient) CreateOrder(ctx context.Context, req *connect.Request[CreateOrderRequest]) (*connect.Response[CreateOrderResponse], error) {
	return c.createOrder.CallUnary(ctx, req)
}

func (c *orderServiceClient) GetOrder(ctx context.Context, req *connect.Request[GetOrderRequest]) (*connect.Response[GetOrderResponse], error) {
	return c.getOrder.CallUnary(ctx, req)
}

func (c *orderServiceClient) ListOrders(ctx context.Context, req *connect.Request[ListOrdersRequest]) (*connect.Response[ListOrdersResponse], error) {
	return c.listOrders.CallUnary(ctx, req)
}

func (c *orderServiceClient) UpdateOrderStatus(ctx context.Context, req *connect.Request[UpdateOrderStatusRequest]) (*connect.Response[UpdateOrderStatusResponse], error) {
	return c.updateOrderStatus.CallUnary(ctx, req)
}

func (c *orderServiceClient) ListMenu(ctx context.Context, req *connect.Request[ListMenuRequest]) (*connect.Response[ListMenuResponse], error) {
	return c.listMenu.CallUnary(ctx, req)
}
