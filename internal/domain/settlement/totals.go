// Package settlement reconciles payments against running bills.
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/order"
)

var (
	hundred = decimal.NewFromInt(100)

	// Epsilon is the tolerance under which a remaining balance counts as
	// settled.
	Epsilon = decimal.New(1, -2)
)

// Totals is the derived bill of an order.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	// Taxable is the subtotal minus the discount, floored at zero. No tax is
	// added on top.
	Taxable   decimal.Decimal
	TotalPaid decimal.Decimal
	Remaining decimal.Decimal
}

// Settled reports whether the remaining balance is within Epsilon.
func (t Totals) Settled() bool {
	return t.Remaining.LessThanOrEqual(Epsilon)
}

// DiscountAmount returns the money value of d applied to subtotal, rounded
// to two places.
func DiscountAmount(subtotal decimal.Decimal, d order.Discount) decimal.Decimal {
	var amount decimal.Decimal
	switch d.Kind {
	case order.DiscountPercent:
		amount = subtotal.Mul(d.Value).Div(hundred)
	default:
		amount = d.Value
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount.Round(2)
}

// ComputeTotals derives the bill of o from its subtotal, discount and
// recorded payments.
func ComputeTotals(o *order.Order) Totals {
	discount := DiscountAmount(o.LineSubtotal, o.Discount)

	taxable := o.LineSubtotal.Sub(discount)
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}

	paid := decimal.Zero
	for _, p := range o.Payments {
		paid = paid.Add(p.Amount)
	}

	return Totals{
		Subtotal:       o.LineSubtotal,
		DiscountAmount: discount,
		Taxable:        taxable.Round(2),
		TotalPaid:      paid,
		Remaining:      taxable.Sub(paid).Round(2),
	}
}
