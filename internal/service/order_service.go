package service

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/order"
)

// OrderServer implements the order service
type OrderServer struct {
	orders *order.Service
	log    zerolog.Logger
}

var _ api.OrderServiceHandler = (*OrderServer)(nil)

// NewOrderServer creates a new OrderServer instance
func NewOrderServer(orders *order.Service, log zerolog.Logger) *OrderServer {
	return &OrderServer{orders: orders, log: log}
}

// CreateOrder places an order. Calls are safe to retry when they carry a
// client reference, either in the body or in the Idempotency-Key header.
func (s *OrderServer) CreateOrder(
	ctx context.Context,
	req *connect.Request[api.CreateOrderRequest],
) (*connect.Response[api.CreateOrderResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	clientRef := strings.TrimSpace(req.Msg.ClientRef)
	if key := strings.TrimSpace(req.Header().Get(api.IdempotencyKeyHeader)); key != "" {
		if clientRef != "" && clientRef != key {
			return nil, connect.NewError(connect.CodeInvalidArgument,
				fmt.Errorf("clientRef %q does not match %s %q", clientRef, api.IdempotencyKeyHeader, key))
		}
		clientRef = key
	}

	terminalID := req.Msg.TerminalID
	if terminalID == "" {
		terminalID = caller.Terminal
	}

	items := make([]order.Item, len(req.Msg.Items))
	for i, it := range req.Msg.Items {
		items[i] = order.Item{CoffeeItemID: it.CoffeeItemID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}

	o, replayed, err := s.orders.Create(ctx, caller.Tenant, order.CreateInput{
		ClientRef:      clientRef,
		TerminalID:     terminalID,
		Items:          items,
		TotalAmount:    req.Msg.TotalAmount,
		PaymentMethod:  req.Msg.PaymentMethod,
		CustomerID:     req.Msg.CustomerID,
		CustomerPhone:  req.Msg.CustomerPhone,
		CustomerName:   req.Msg.CustomerName,
		CardID:         req.Msg.CardID,
		UsedFreeDrinks: req.Msg.UsedFreeDrinks,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&api.CreateOrderResponse{Order: o, Replayed: replayed}), nil
}

// GetOrder returns an order with its lines
func (s *OrderServer) GetOrder(
	ctx context.Context,
	req *connect.Request[api.GetOrderRequest],
) (*connect.Response[api.GetOrderResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, caller.Tenant, req.Msg.OrderNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.GetOrderResponse{Order: o}), nil
}

// ListOrders returns the newest orders for the order management console
func (s *OrderServer) ListOrders(
	ctx context.Context,
	req *connect.Request[api.ListOrdersRequest],
) (*connect.Response[api.ListOrdersResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	orders, err := s.orders.List(ctx, caller.Tenant, model.OrderStatus(req.Msg.Status), req.Msg.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.ListOrdersResponse{Orders: orders}), nil
}

// UpdateOrderStatus moves an order through its lifecycle
func (s *OrderServer) UpdateOrderStatus(
	ctx context.Context,
	req *connect.Request[api.UpdateOrderStatusRequest],
) (*connect.Response[api.UpdateOrderStatusResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.Transition(ctx, caller.Tenant, req.Msg.OrderNumber,
		model.OrderStatus(req.Msg.Status), req.Msg.CancellationReason)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.UpdateOrderStatusResponse{Order: o}), nil
}

// ListMenu returns the active menu
func (s *OrderServer) ListMenu(
	ctx context.Context,
	req *connect.Request[api.ListMenuRequest],
) (*connect.Response[api.ListMenuResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	items, err := s.orders.ListMenu(ctx, caller.Tenant)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.ListMenuResponse{Items: items}), nil
}
