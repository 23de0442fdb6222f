package ledger

import "github.com/kkkkikiki/brewledger/internal/model"

// Counters are the mutable counters of a card
type Counters struct {
	Stamps           int `json:"stamps"`
	FreeCupsEarned   int `json:"freeCupsEarned"`
	FreeCupsRedeemed int `json:"freeCupsRedeemed"`
	Points           int `json:"points"`
}

// AuditReport compares a card with the counters rebuilt from its log
type AuditReport struct {
	CardID        int64    `json:"cardId"`
	Stored        Counters `json:"stored"`
	Reconstructed Counters `json:"reconstructed"`
	Transactions  int      `json:"transactions"`
	Consistent    bool     `json:"consistent"`
}

// Reconstruct rebuilds card counters from its transaction log. Earned cups
// are recomputed from stamps, so a stored counter that is ahead (kept after a
// ratio change) is tolerated by Audit but not reproduced here.
func (p Policy) Reconstruct(txs []model.LoyaltyTransaction) Counters {
	var c Counters
	for _, tx := range txs {
		c.Stamps += tx.StampsChange
		c.FreeCupsRedeemed += tx.CupsChange
		c.Points += tx.PointsChange
	}
	c.FreeCupsEarned = p.Earned(c.Stamps)
	return c
}

// Audit builds an AuditReport for a card and its log
func (p Policy) Audit(card model.LoyaltyCard, txs []model.LoyaltyTransaction) AuditReport {
	rebuilt := p.Reconstruct(txs)
	stored := Counters{
		Stamps:           card.Stamps,
		FreeCupsEarned:   card.FreeCupsEarned,
		FreeCupsRedeemed: card.FreeCupsRedeemed,
		Points:           card.Points,
	}
	consistent := stored.Stamps == rebuilt.Stamps &&
		stored.FreeCupsRedeemed == rebuilt.FreeCupsRedeemed &&
		stored.Points == rebuilt.Points &&
		stored.FreeCupsEarned >= rebuilt.FreeCupsEarned &&
		stored.FreeCupsRedeemed <= p.FreeCupsEarned(card)

	return AuditReport{
		CardID:        card.ID,
		Stored:        stored,
		Reconstructed: rebuilt,
		Transactions:  len(txs),
		Consistent:    consistent,
	}
}
