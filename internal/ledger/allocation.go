package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// CartLine is one line of a cart as seen by the free drink allocator
type CartLine struct {
	ItemID    string
	UnitPrice decimal.Decimal
	Quantity  int
}

// FreeUnitsPerLine spends a free drink budget on the cheapest units first
// and returns the free units granted to each line, index-aligned with lines.
// Lines with equal prices are consumed in cart order.
func FreeUnitsPerLine(lines []CartLine, budget int) []int {
	free := make([]int, len(lines))
	if budget <= 0 {
		return free
	}

	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lines[order[a]].UnitPrice.LessThan(lines[order[b]].UnitPrice)
	})

	for _, idx := range order {
		if budget == 0 {
			break
		}
		qty := lines[idx].Quantity
		if qty <= 0 {
			continue
		}
		if qty > budget {
			qty = budget
		}
		free[idx] = qty
		budget -= qty
	}
	return free
}

// SelectFreeItems maps item id to the number of free units on that item
func SelectFreeItems(lines []CartLine, budget int) map[string]int {
	out := make(map[string]int)
	for i, n := range FreeUnitsPerLine(lines, budget) {
		if n > 0 {
			out[lines[i].ItemID] += n
		}
	}
	return out
}

// Quote is the price breakdown of a cart after free drinks
type Quote struct {
	FreePerLine []int
	FreeCount   int
	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
}

// QuoteCart allocates a free drink budget over a cart and prices the rest
func QuoteCart(lines []CartLine, budget int) Quote {
	q := Quote{FreePerLine: FreeUnitsPerLine(lines, budget)}
	for i, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		q.Subtotal = q.Subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		q.Discount = q.Discount.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(q.FreePerLine[i]))))
		q.FreeCount += q.FreePerLine[i]
	}
	q.Total = q.Subtotal.Sub(q.Discount)
	return q
}
