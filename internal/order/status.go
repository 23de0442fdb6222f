package order

import "github.com/kkkkikiki/brewledger/internal/model"

// next is the forward step of each non-terminal status
var next = map[model.OrderStatus]model.OrderStatus{
	model.StatusPending:          model.StatusPaymentConfirmed,
	model.StatusPaymentConfirmed: model.StatusInProgress,
	model.StatusInProgress:       model.StatusReady,
	model.StatusReady:            model.StatusCompleted,
}

// IsTerminal reports whether no transition leaves the status
func IsTerminal(s model.OrderStatus) bool {
	return s == model.StatusCompleted || s == model.StatusCancelled
}

// IsValidStatus reports whether s is a known order status
func IsValidStatus(s model.OrderStatus) bool {
	_, ok := next[s]
	return ok || IsTerminal(s)
}

// CanTransition reports whether an order may move from one status to another.
// Orders advance one step at a time; cancelled is reachable from any
// non-terminal status.
func CanTransition(from, to model.OrderStatus) bool {
	if IsTerminal(from) {
		return false
	}
	if to == model.StatusCancelled {
		return true
	}
	return next[from] == to
}
