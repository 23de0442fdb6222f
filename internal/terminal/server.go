package terminal

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/outbox"
)

// Server exposes a terminal to the local cashier UI
type Server struct {
	terminal *Terminal
	log      zerolog.Logger
}

var _ api.TerminalServiceHandler = (*Server)(nil)

// NewServer creates a new Server instance
func NewServer(t *Terminal, log zerolog.Logger) *Server {
	return &Server{terminal: t, log: log}
}

func (s *Server) LookupCard(
	ctx context.Context,
	req *connect.Request[api.LookupCardRequest],
) (*connect.Response[api.TerminalLookupCardResponse], error) {
	res, err := s.terminal.LookupCard(ctx, req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Server) Quote(
	ctx context.Context,
	req *connect.Request[api.QuoteRequest],
) (*connect.Response[api.QuoteResponse], error) {
	card, err := s.card(ctx, req.Msg.CardID)
	if err != nil {
		return nil, err
	}
	res, err := s.terminal.Quote(ctx, req.Msg.Items, card, req.Msg.FreeDrinks)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Server) Checkout(
	ctx context.Context,
	req *connect.Request[api.CheckoutRequest],
) (*connect.Response[api.CheckoutResponse], error) {
	card, err := s.card(ctx, req.Msg.CardID)
	if err != nil {
		return nil, err
	}
	res, err := s.terminal.Checkout(ctx, CheckoutInput{
		Items:         req.Msg.Items,
		Card:          card,
		CustomerPhone: req.Msg.CustomerPhone,
		CustomerName:  req.Msg.CustomerName,
		FreeDrinks:    req.Msg.FreeDrinks,
		PaymentMethod: req.Msg.PaymentMethod,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Server) GetReceipt(
	ctx context.Context,
	req *connect.Request[api.GetReceiptRequest],
) (*connect.Response[api.GetReceiptResponse], error) {
	r, err := s.terminal.Receipt(ctx, req.Msg.TempID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.GetReceiptResponse{Receipt: r}), nil
}

func (s *Server) GetStatus(
	ctx context.Context,
	req *connect.Request[api.GetStatusRequest],
) (*connect.Response[api.GetStatusResponse], error) {
	res, err := s.terminal.Status(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Server) Flush(
	ctx context.Context,
	req *connect.Request[api.FlushRequest],
) (*connect.Response[api.FlushResponse], error) {
	r := s.terminal.Flush(ctx)
	return connect.NewResponse(&api.FlushResponse{
		Skipped:   r.Skipped,
		Attempted: r.Attempted,
		Synced:    r.Synced,
		Retried:   r.Retried,
		Rejected:  r.Rejected,
	}), nil
}

func (s *Server) Requeue(
	ctx context.Context,
	req *connect.Request[api.RequeueRequest],
) (*connect.Response[api.RequeueResponse], error) {
	if err := s.terminal.Requeue(ctx, req.Msg.TempID); err != nil {
		return nil, toConnectError(err)
	}
	s.log.Info().Str("temp_id", req.Msg.TempID).Msg("order requeued")
	return connect.NewResponse(&api.RequeueResponse{}), nil
}

// card resolves the card a cart refers to from the local mirror. The
// cashier looked it up moments ago, so it is always cached.
func (s *Server) card(ctx context.Context, cardID *int64) (*api.Card, error) {
	if cardID == nil {
		return nil, nil
	}
	card, err := s.terminal.Card(ctx, *cardID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return card, nil
}

func toConnectError(err error) error {
	var cerr *connect.Error
	switch {
	case errors.As(err, &cerr):
		return cerr
	case errors.Is(err, ErrInvalidCart), errors.Is(err, ErrInvalidLookup):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrUnknownItem):
		return api.NewError(connect.CodeInvalidArgument, api.ReasonUnknownItem, err)
	case errors.Is(err, ErrFreeDrinksUnavailable):
		return api.NewError(connect.CodeFailedPrecondition, api.ReasonInsufficientBalance, err)
	case errors.Is(err, ErrNotCached), errors.Is(err, outbox.ErrEntryNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, outbox.ErrNotRejected):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
