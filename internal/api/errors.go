package api

import (
	"errors"

	"connectrpc.com/connect"
)

// ReasonHeader carries a machine-readable reason on error responses
const ReasonHeader = "Brew-Reason"

// Error reasons
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonCardInactive        = "card_inactive"
	ReasonTotalMismatch       = "total_mismatch"
	ReasonUnknownItem         = "unknown_item"
)

// NewError builds a Connect error tagged with a reason
func NewError(code connect.Code, reason string, err error) *connect.Error {
	cerr := connect.NewError(code, err)
	if reason != "" {
		cerr.Meta().Set(ReasonHeader, reason)
	}
	return cerr
}

// Reason returns the reason attached to a Connect error, if any
func Reason(err error) string {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr.Meta().Get(ReasonHeader)
	}
	return ""
}

// IsInsufficientBalance reports whether the server rejected a redemption
// because the card does not hold enough free drinks
func IsInsufficientBalance(err error) bool {
	return Reason(err) == ReasonInsufficientBalance
}

// IsPermanent reports whether retrying the same request can never succeed.
// Network failures and server-side faults are not permanent.
func IsPermanent(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeInvalidArgument, connect.CodeFailedPrecondition, connect.CodeNotFound,
		connect.CodeOutOfRange, connect.CodeAlreadyExists:
		return true
	}
	return false
}
