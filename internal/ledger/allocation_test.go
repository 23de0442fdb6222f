package ledger

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func line(id, price string, qty int) CartLine {
	return CartLine{ItemID: id, UnitPrice: decimal.RequireFromString(price), Quantity: qty}
}

func TestSelectFreeItems(t *testing.T) {
	tests := []struct {
		name   string
		lines  []CartLine
		budget int
		want   map[string]int
	}{
		{
			name:   "cheapest first then next cheapest",
			lines:  []CartLine{line("A", "10", 2), line("B", "5", 1)},
			budget: 2,
			want:   map[string]int{"B": 1, "A": 1},
		},
		{
			name:   "input order does not matter",
			lines:  []CartLine{line("B", "5", 1), line("A", "10", 2)},
			budget: 2,
			want:   map[string]int{"B": 1, "A": 1},
		},
		{
			name:   "budget stays on the cheapest line",
			lines:  []CartLine{line("itemA", "12", 1), line("itemB", "8", 3)},
			budget: 2,
			want:   map[string]int{"itemB": 2},
		},
		{
			name:   "equal prices keep cart order",
			lines:  []CartLine{line("mocha", "9", 1), line("latte", "9", 1), line("flat", "9", 1)},
			budget: 2,
			want:   map[string]int{"mocha": 1, "latte": 1},
		},
		{
			name:   "budget larger than cart",
			lines:  []CartLine{line("A", "10", 1), line("B", "5", 2)},
			budget: 9,
			want:   map[string]int{"A": 1, "B": 2},
		},
		{
			name:   "zero budget",
			lines:  []CartLine{line("A", "10", 1)},
			budget: 0,
			want:   map[string]int{},
		},
		{
			name:   "empty quantity lines are skipped",
			lines:  []CartLine{line("A", "1", 0), line("B", "5", 1)},
			budget: 1,
			want:   map[string]int{"B": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectFreeItems(tt.lines, tt.budget)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectFreeItems = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuoteCart(t *testing.T) {
	q := QuoteCart([]CartLine{line("itemA", "12", 1), line("itemB", "8", 3)}, 2)

	if !q.Subtotal.Equal(decimal.RequireFromString("36")) {
		t.Errorf("Subtotal = %s, want 36", q.Subtotal)
	}
	if !q.Discount.Equal(decimal.RequireFromString("16")) {
		t.Errorf("Discount = %s, want 16", q.Discount)
	}
	if !q.Total.Equal(decimal.RequireFromString("20")) {
		t.Errorf("Total = %s, want 20", q.Total)
	}
	if q.FreeCount != 2 {
		t.Errorf("FreeCount = %d, want 2", q.FreeCount)
	}
	if !reflect.DeepEqual(q.FreePerLine, []int{0, 2}) {
		t.Errorf("FreePerLine = %v, want [0 2]", q.FreePerLine)
	}
}

func TestQuoteCartSameItemDifferentSnapshots(t *testing.T) {
	// the same item rung up twice at different prices: the cheaper line is free
	q := QuoteCart([]CartLine{line("latte", "14", 1), line("latte", "11", 1)}, 1)
	if !reflect.DeepEqual(q.FreePerLine, []int{0, 1}) {
		t.Fatalf("FreePerLine = %v, want [0 1]", q.FreePerLine)
	}
	if !q.Total.Equal(decimal.RequireFromString("14")) {
		t.Errorf("Total = %s, want 14", q.Total)
	}
}
