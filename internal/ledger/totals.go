package ledger

import "github.com/shopspring/decimal"

// Totals is the derived pricing of an order.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// PriceLine fills the derived amounts of a line: subtotal = quantity x unit
// price, total = subtotal + tax - discount, never below zero.
func PriceLine(l OrderLine) OrderLine {
	l.Subtotal = l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
	l.Total = clamp(l.Subtotal.Add(l.Tax).Sub(l.Discount))
	return l
}

// ComputeTotals derives order totals from lines and order-level adjustments.
// It is pure: the same input always yields the same Totals.
func ComputeTotals(lines []OrderLine, adj Adjustments) Totals {
	t := Totals{
		Tax:      adj.Tax,
		Shipping: adj.Shipping,
		Discount: adj.Discount,
	}
	for _, l := range lines {
		l = PriceLine(l)
		t.Subtotal = t.Subtotal.Add(l.Subtotal)
		t.Tax = t.Tax.Add(l.Tax)
		t.Discount = t.Discount.Add(l.Discount)
	}
	t.Total = clamp(t.Subtotal.Add(t.Tax).Add(t.Shipping).Sub(t.Discount))
	return t
}

// RecomputeTotals returns o with line and order totals derived from its
// lines and adjustments. Applying it twice yields the same order.
func RecomputeTotals(o Order) Order {
	lines := make([]OrderLine, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = PriceLine(l)
	}
	o.Lines = lines
	t := ComputeTotals(lines, o.Adjustments)
	o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total = t.Subtotal, t.Tax, t.Shipping, t.Discount, t.Total
	return o
}

// PaidAmount sums the amounts of settled payments.
func PaidAmount(payments []Payment) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		if p.Settled() {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

// IsPaid reports whether the settled payments cover the order total.
func IsPaid(o Order, payments []Payment) bool {
	return PaidAmount(payments).GreaterThanOrEqual(o.Total)
}

// RemainingBalance is the amount still owed on the order, never negative.
func RemainingBalance(o Order, payments []Payment) decimal.Decimal {
	return clamp(o.Total.Sub(PaidAmount(payments)))
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
