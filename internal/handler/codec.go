package handler

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/payment"
	"github.com/xenking/tablepos/internal/domain/settlement"
	"github.com/xenking/tablepos/internal/domain/table"
)

// Money is encoded as a string with two decimals. Decoding accepts strings
// and JSON numbers.

func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return parseMoney(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return parseMoney(n.String())
	default:
		return decimal.Decimal{}, errors.New("amount must be a string or number")
	}
}

// parseMoney accepts plain decimals only: an optional sign, up to
// order.MaxAmountDigits integer digits and up to order.AmountScale decimals.
// Exponent notation is rejected before it can reach decimal arithmetic.
func parseMoney(s string) (decimal.Decimal, error) {
	whole, frac, _ := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	if whole == "" || len(whole) > order.MaxAmountDigits || len(frac) > order.AmountScale ||
		!isDigits(whole) || !isDigits(frac) {
		return decimal.Decimal{}, errors.Errorf("amount %q must be a plain decimal with at most %d integer digits and %d decimals",
			truncate(s, 32), order.MaxAmountDigits, order.AmountScale)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse amount %q", s)
	}
	return v, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func encodeMoney(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Str(v.StringFixed(2))
}

func encodeTime(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeTable(e *jx.Encoder, t *table.Table) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(t.ID)
	e.FieldStart("label")
	e.Str(t.Label)
	e.FieldStart("capacity")
	e.Int(t.Capacity)
	e.FieldStart("status")
	e.Str(string(t.Status))
	e.ObjEnd()
}

func encodeTotals(e *jx.Encoder, t settlement.Totals) {
	e.ObjStart()
	encodeMoney(e, "subtotal", t.Subtotal)
	encodeMoney(e, "discountAmount", t.DiscountAmount)
	encodeMoney(e, "taxable", t.Taxable)
	encodeMoney(e, "totalPaid", t.TotalPaid)
	encodeMoney(e, "remaining", t.Remaining)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	if o.TableID != "" {
		e.FieldStart("tableId")
		e.Str(o.TableID)
		e.FieldStart("tableLabel")
		e.Str(o.TableLabel)
	}
	e.FieldStart("orderType")
	e.Str(string(o.Type))
	e.FieldStart("status")
	e.Str(string(o.Status))
	encodeMoney(e, "lineSubtotal", o.LineSubtotal)

	e.FieldStart("discount")
	e.ObjStart()
	e.FieldStart("kind")
	e.Str(string(o.Discount.Kind))
	e.FieldStart("value")
	e.Str(o.Discount.Value.String())
	e.ObjEnd()

	if o.CustomerRef != "" {
		e.FieldStart("customerRef")
		e.Str(o.CustomerRef)
	}

	e.FieldStart("items")
	e.ArrStart()
	for _, li := range o.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(li.ID)
		e.FieldStart("menuItemId")
		e.Str(li.MenuItemID)
		encodeMoney(e, "unitPrice", li.UnitPrice)
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		e.FieldStart("status")
		e.Str(string(li.Status))
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("payments")
	e.ArrStart()
	for _, p := range o.Payments {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(p.ID)
		encodeMoney(e, "amount", p.Amount)
		e.FieldStart("method")
		e.Str(string(p.Method))
		if p.Reference != "" {
			e.FieldStart("reference")
			e.Str(p.Reference)
		}
		encodeTime(e, "recordedAt", p.RecordedAt)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("totals")
	encodeTotals(e, settlement.ComputeTotals(o))

	encodeTime(e, "createdAt", o.CreatedAt)
	encodeTime(e, "updatedAt", o.UpdatedAt)
	e.ObjEnd()
}

func encodeSettlement(e *jx.Encoder, res *settlement.Result) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(res.OrderID)
	e.FieldStart("status")
	e.Str(string(res.Status))
	encodeMoney(e, "remaining", res.Remaining)
	encodeMoney(e, "paid", res.Paid)
	e.FieldStart("method")
	e.Str(string(res.Method))
	if res.CustomerRef != "" {
		e.FieldStart("customerRef")
		e.Str(res.CustomerRef)
	}
	if res.PaymentID != "" {
		e.FieldStart("paymentId")
		e.Str(res.PaymentID)
	}
	e.FieldStart("tableFreed")
	e.Bool(res.TableFreed)
	e.FieldStart("duplicate")
	e.Bool(res.Duplicate)
	e.ObjEnd()
}

func encodeStatusResult(e *jx.Encoder, res *payment.StatusResult) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(res.OrderID)
	e.FieldStart("transactionId")
	e.Str(res.TransactionID)
	e.FieldStart("state")
	e.Str(string(res.State))
	e.FieldStart("code")
	e.Str(res.Code)
	if res.Settlement != nil {
		e.FieldStart("settlement")
		encodeSettlement(e, res.Settlement)
	}
	e.ObjEnd()
}
