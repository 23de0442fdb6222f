// Package ledger owns a customer's stamp card: it accrues stamps for
// completed orders, computes available free drinks and commits redemptions
// so a free drink can never be spent twice.
package ledger

import "github.com/kkkkikiki/brewledger/internal/model"

// Policy holds the loyalty rules. It is the only place the stamps-per-cup
// ratio lives; server and terminals load it from the same setting.
type Policy struct {
	StampsPerFreeCup int
	PointsPerUnit    int
}

// DefaultPolicy is six stamps per free cup and one point per currency unit
var DefaultPolicy = Policy{StampsPerFreeCup: 6, PointsPerUnit: 1}

// Earned returns how many free cups a stamp count is worth
func (p Policy) Earned(stamps int) int {
	if stamps <= 0 || p.StampsPerFreeCup <= 0 {
		return 0
	}
	return stamps / p.StampsPerFreeCup
}

// FreeCupsEarned returns the card's earned cups: the stored counter, or the
// value derived from stamps when the stored one is absent or behind.
func (p Policy) FreeCupsEarned(card model.LoyaltyCard) int {
	earned := p.Earned(card.Stamps)
	if card.FreeCupsEarned > earned {
		return card.FreeCupsEarned
	}
	return earned
}

// AvailableFreeDrinks returns earned minus redeemed cups, never negative.
// Inactive cards have nothing available.
func (p Policy) AvailableFreeDrinks(card model.LoyaltyCard) int {
	if !card.IsActive {
		return 0
	}
	available := p.FreeCupsEarned(card) - card.FreeCupsRedeemed
	if available < 0 {
		return 0
	}
	return available
}
