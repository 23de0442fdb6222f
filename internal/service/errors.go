package service

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/auth"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/order"
)

// toConnectError translates ledger and order errors to Connect codes
func toConnectError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrCardNotFound), errors.Is(err, order.ErrOrderNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return api.NewError(connect.CodeFailedPrecondition, api.ReasonInsufficientBalance, err)
	case errors.Is(err, ledger.ErrCardInactive):
		return api.NewError(connect.CodeFailedPrecondition, api.ReasonCardInactive, err)
	case errors.Is(err, ledger.ErrInvalidAdjustment), errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrNotRedeemable):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, order.ErrTotalMismatch):
		return api.NewError(connect.CodeInvalidArgument, api.ReasonTotalMismatch, err)
	case errors.Is(err, order.ErrUnknownItem):
		return api.NewError(connect.CodeInvalidArgument, api.ReasonUnknownItem, err)
	case errors.Is(err, ledger.ErrInvalidRequest), errors.Is(err, order.ErrInvalidOrder),
		errors.Is(err, order.ErrReasonRequired):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, order.ErrConcurrentUpdate):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// callerFrom returns the authenticated caller of a request
func callerFrom(ctx context.Context) (*auth.Claims, error) {
	claims, ok := auth.FromContext(ctx)
	if !ok {
		return nil, connect.NewError(connect.CodeUnauthenticated, fmt.Errorf("no credentials"))
	}
	return claims, nil
}
