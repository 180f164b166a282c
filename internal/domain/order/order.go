package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/apperr"
)

// Type is the service flow an order belongs to.
type Type string

const (
	TypeDineIn   Type = "DINE_IN"
	TypeDelivery Type = "DELIVERY"
	TypePickUp   Type = "PICK_UP"
)

// Valid reports whether t is a known order type.
func (t Type) Valid() bool {
	switch t {
	case TypeDineIn, TypeDelivery, TypePickUp:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPartial   Status = "PARTIAL"
	StatusServed    Status = "SERVED"
	StatusDue       Status = "DUE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// OpenStatuses are the states of a bill that is not finished yet.
var OpenStatuses = []Status{StatusPending, StatusConfirmed, StatusPartial, StatusServed, StatusDue}

// SeatedStatuses are the open states in which an order holds its table.
// A DUE order has been settled on account and no longer occupies a table.
var SeatedStatuses = []Status{StatusPending, StatusConfirmed, StatusPartial, StatusServed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPartial, StatusServed,
		StatusDue, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether the bill is still running.
func (s Status) Open() bool {
	return s != StatusCompleted && s != StatusCancelled && s.Valid()
}

// Seated reports whether an order in this state occupies its table.
func (s Status) Seated() bool {
	return s.Open() && s != StatusDue
}

// ItemStatus is the kitchen state of a line item.
type ItemStatus string

const (
	ItemPending ItemStatus = "PENDING"
	ItemServed  ItemStatus = "SERVED"
)

// DiscountKind selects how Discount.Value is interpreted.
type DiscountKind string

const (
	DiscountFixed   DiscountKind = "FIXED"
	DiscountPercent DiscountKind = "PERCENT"
)

// Valid reports whether k is a known discount kind.
func (k DiscountKind) Valid() bool {
	return k == DiscountFixed || k == DiscountPercent
}

// Discount is the staff-entered discount of an order. It always holds the
// latest value entered, it does not accumulate.
type Discount struct {
	Kind  DiscountKind
	Value decimal.Decimal
}

const (
	// MaxAmountDigits bounds the integer digits of a money value.
	MaxAmountDigits = 10
	// AmountScale is the number of decimal places money is kept with.
	AmountScale = 2
)

// ValidateAmount rejects money values with more than AmountScale decimal
// places or more than MaxAmountDigits integer digits. It only inspects the
// coefficient and exponent, so it is cheap for any input.
func ValidateAmount(what string, v decimal.Decimal) error {
	exp := int64(v.Exponent())
	if exp < -AmountScale {
		return apperr.Validation("%s must have at most %d decimal places", what, AmountScale)
	}
	if int64(v.NumDigits())+exp > MaxAmountDigits {
		return apperr.Validation("%s must have at most %d integer digits", what, MaxAmountDigits)
	}
	return nil
}

// PaymentMethod tags how a payment was made.
type PaymentMethod string

const (
	MethodCash      PaymentMethod = "CASH"
	MethodCard      PaymentMethod = "CARD"
	MethodOnline    PaymentMethod = "ONLINE"
	MethodOnAccount PaymentMethod = "ON_ACCOUNT"
	MethodDue       PaymentMethod = "DUE"
	MethodPhonePe   PaymentMethod = "PHONEPE"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodOnline, MethodOnAccount, MethodDue, MethodPhonePe:
		return true
	default:
		return false
	}
}

// Deferred reports whether settling with m leaves the customer owing the
// balance (the order ends DUE instead of COMPLETED).
func (m PaymentMethod) Deferred() bool {
	return m == MethodOnAccount || m == MethodDue
}

// LineItem is one ordered quantity of one menu item, priced when added.
type LineItem struct {
	ID         int64
	MenuItemID string
	UnitPrice  decimal.Decimal
	Quantity   int
	Status     ItemStatus
	CreatedAt  time.Time
}

// Total returns UnitPrice × Quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Payment is an immutable settlement transaction against an order.
type Payment struct {
	ID     string
	Amount decimal.Decimal
	Method PaymentMethod
	// Reference is the gateway transaction or payment id, empty for
	// manual payments. It is unique per method.
	Reference  string
	RecordedAt time.Time
}

// Order is a running bill.
type Order struct {
	ID string
	// TableID binds the order to a dining table; empty for orders that are
	// not seated anywhere (delivery, pick-up).
	TableID string
	// TableLabel is the current label of the bound table, read through the
	// table relation.
	TableLabel   string
	Type         Type
	Status       Status
	LineSubtotal decimal.Decimal
	Discount     Discount
	CustomerRef  string
	Items        []LineItem
	Payments     []Payment
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingItems returns the line items the kitchen has not served yet.
func (o *Order) PendingItems() []LineItem {
	var out []LineItem
	for _, li := range o.Items {
		if li.Status == ItemPending {
			out = append(out, li)
		}
	}
	return out
}

// HasReference reports whether a payment with the given method and reference
// is already recorded on the order.
func (o *Order) HasReference(method PaymentMethod, ref string) bool {
	for _, p := range o.Payments {
		if p.Method == method && p.Reference == ref {
			return true
		}
	}
	return false
}
