package ledger

import (
	"testing"

	"github.com/kkkkikiki/brewledger/internal/model"
)

func TestEarned(t *testing.T) {
	p := Policy{StampsPerFreeCup: 6}
	tests := []struct {
		stamps int
		want   int
	}{
		{0, 0},
		{5, 0},
		{6, 1},
		{29, 4},
		{36, 6},
		{-3, 0},
	}
	for _, tt := range tests {
		if got := p.Earned(tt.stamps); got != tt.want {
			t.Errorf("Earned(%d) = %d, want %d", tt.stamps, got, tt.want)
		}
	}
}

func TestAvailableFreeDrinks(t *testing.T) {
	p := Policy{StampsPerFreeCup: 6}
	tests := []struct {
		name string
		card model.LoyaltyCard
		want int
	}{
		{
			name: "derived from stamps",
			card: model.LoyaltyCard{Stamps: 29, FreeCupsRedeemed: 1, IsActive: true},
			want: 3,
		},
		{
			name: "stored counter agrees",
			card: model.LoyaltyCard{Stamps: 29, FreeCupsEarned: 4, FreeCupsRedeemed: 1, IsActive: true},
			want: 3,
		},
		{
			name: "stored counter ahead is kept",
			card: model.LoyaltyCard{Stamps: 12, FreeCupsEarned: 3, FreeCupsRedeemed: 0, IsActive: true},
			want: 3,
		},
		{
			name: "all redeemed",
			card: model.LoyaltyCard{Stamps: 12, FreeCupsEarned: 2, FreeCupsRedeemed: 2, IsActive: true},
			want: 0,
		},
		{
			name: "never negative",
			card: model.LoyaltyCard{Stamps: 0, FreeCupsRedeemed: 2, IsActive: true},
			want: 0,
		},
		{
			name: "inactive card",
			card: model.LoyaltyCard{Stamps: 30, FreeCupsEarned: 5, IsActive: false},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.AvailableFreeDrinks(tt.card); got != tt.want {
				t.Errorf("AvailableFreeDrinks = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+966 50-123 4567": "+966501234567",
		" 0501234567 ":     "0501234567",
		"(050) 123":        "050123",
		"+":                "",
		"":                 "",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReconstructAndAudit(t *testing.T) {
	p := Policy{StampsPerFreeCup: 6}
	txs := []model.LoyaltyTransaction{
		{Type: model.TxAccrual, StampsChange: 8, PointsChange: 40},
		{Type: model.TxAccrual, StampsChange: 5, PointsChange: 25},
		{Type: model.TxRedemption, CupsChange: 2},
		{Type: model.TxAdjustment, CupsChange: -1},
	}

	got := p.Reconstruct(txs)
	want := Counters{Stamps: 13, FreeCupsEarned: 2, FreeCupsRedeemed: 1, Points: 65}
	if got != want {
		t.Fatalf("Reconstruct = %+v, want %+v", got, want)
	}

	card := model.LoyaltyCard{ID: 7, Stamps: 13, FreeCupsEarned: 2, FreeCupsRedeemed: 1, Points: 65, IsActive: true}
	if report := p.Audit(card, txs); !report.Consistent {
		t.Errorf("expected consistent report, got %+v", report)
	}

	card.Stamps = 14
	if report := p.Audit(card, txs); report.Consistent {
		t.Error("expected drift to be reported")
	}
}
