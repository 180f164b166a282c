package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/table"
)

// ErrOverpayment is matched by settle errors for amounts above the balance.
var ErrOverpayment = errors.New("payment exceeds remaining balance")

type overpaymentError struct {
	amount, remaining decimal.Decimal
}

func (e *overpaymentError) Error() string {
	return "invalid state: payment " + e.amount.StringFixed(2) +
		" exceeds remaining balance " + e.remaining.StringFixed(2)
}

func (e *overpaymentError) Is(target error) bool {
	return target == ErrOverpayment || target == apperr.ErrInvalidState
}

// Request describes one settlement attempt.
type Request struct {
	OrderID string
	// Amount to pay; nil settles the whole remaining balance.
	Amount *decimal.Decimal
	Method order.PaymentMethod
	// Reference is the gateway transaction or payment id. A reference
	// already recorded for Method makes the request a duplicate.
	Reference string
}

// Result is the order state after a settlement. The customer ledger reads
// OrderID, Paid, Method and CustomerRef from it.
type Result struct {
	OrderID     string
	Status      order.Status
	Remaining   decimal.Decimal
	Paid        decimal.Decimal
	Method      order.PaymentMethod
	CustomerRef string
	PaymentID   string
	TableFreed  bool
	Duplicate   bool
}

// View is the active bill of a table.
type View struct {
	Table  table.Table
	Order  *order.Order
	Totals Totals
}

// Engine settles orders and serves table bills.
type Engine struct {
	store   order.Store
	now     func() time.Time
	settled metric.Int64Counter
}

// NewEngine creates an Engine recording metrics through mp.
func NewEngine(store order.Store, mp metric.MeterProvider) (*Engine, error) {
	settled, err := mp.Meter("github.com/xenking/tablepos/settlement").Int64Counter("pos.settlements",
		metric.WithDescription("Settlement attempts by method and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create settlements counter")
	}
	return &Engine{
		store:   store,
		now:     time.Now,
		settled: settled,
	}, nil
}

// Settle records a payment against an order and moves the order and its
// table to the state the new balance implies.
func (e *Engine) Settle(ctx context.Context, req Request) (*Result, error) {
	if !req.Method.Valid() {
		return nil, apperr.Validation("unknown payment method %q", req.Method)
	}
	if req.Amount != nil {
		if req.Amount.IsNegative() {
			return nil, apperr.Validation("amount must not be negative")
		}
		if err := order.ValidateAmount("amount", *req.Amount); err != nil {
			return nil, err
		}
	}

	var (
		res     *Result
		outcome string
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		o, tables, err := order.LockOrderWithTables(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Status == order.StatusCancelled {
			return apperr.InvalidState("order %s is cancelled", o.ID)
		}

		res = &Result{
			OrderID:     o.ID,
			Method:      req.Method,
			CustomerRef: o.CustomerRef,
			Paid:        decimal.Zero,
		}

		if req.Reference != "" {
			holder, err := tx.PaymentOrderByReference(ctx, req.Method, req.Reference)
			if err != nil {
				return errors.Wrap(err, "lookup payment reference")
			}
			switch holder {
			case "":
			case o.ID:
				outcome = "duplicate"
				res.Duplicate = true
				res.Status = o.Status
				res.Remaining = ComputeTotals(o).Remaining
				return nil
			default:
				return apperr.InvalidState("payment reference %s belongs to another order", req.Reference)
			}
		}

		totals := ComputeTotals(o)
		if req.Amount == nil && totals.Settled() {
			outcome = "noop"
			res.Status = o.Status
			res.Remaining = totals.Remaining
			return nil
		}

		pay := totals.Remaining
		if req.Amount != nil {
			pay = req.Amount.Round(2)
		}
		if pay.GreaterThan(totals.Remaining.Add(Epsilon)) {
			return &overpaymentError{amount: pay, remaining: totals.Remaining}
		}

		now := e.now().UTC()
		if pay.GreaterThan(Epsilon) {
			p := &order.Payment{
				ID:         uuid.New().String(),
				Amount:     pay,
				Method:     req.Method,
				Reference:  req.Reference,
				RecordedAt: now,
			}
			if err := tx.AddPayment(ctx, o.ID, p); err != nil {
				return errors.Wrap(err, "add payment")
			}
			o.Payments = append(o.Payments, *p)
			res.Paid = pay
			res.PaymentID = p.ID
		}

		totals = ComputeTotals(o)
		switch {
		case totals.Settled() && !o.Status.Seated():
			// Already DUE or COMPLETED; the table was released back then.
		case totals.Settled():
			o.Status = order.StatusCompleted
			if req.Method.Deferred() {
				o.Status = order.StatusDue
			}
			if t := tables[o.TableID]; t != nil && t.Status == table.StatusOccupied {
				if err := tx.SetTableStatus(ctx, t.ID, table.StatusFree); err != nil {
					return errors.Wrap(err, "free table")
				}
				res.TableFreed = true
			}
		case len(o.Payments) > 0:
			o.Status = order.StatusPartial
		}

		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}

		outcome = strings.ToLower(string(o.Status))
		res.Status = o.Status
		res.Remaining = totals.Remaining
		return nil
	})
	if err != nil {
		e.record(ctx, req.Method, "rejected")
		return nil, err
	}

	e.record(ctx, req.Method, outcome)
	zctx.From(ctx).Info("Settled order",
		zap.String("order_id", res.OrderID),
		zap.String("method", string(req.Method)),
		zap.String("status", string(res.Status)),
		zap.String("paid", res.Paid.StringFixed(2)),
		zap.String("remaining", res.Remaining.StringFixed(2)),
		zap.Bool("duplicate", res.Duplicate),
	)
	return res, nil
}

func (e *Engine) record(ctx context.Context, method order.PaymentMethod, outcome string) {
	e.settled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", string(method)),
		attribute.String("outcome", outcome),
	))
}

// ActiveOrderView returns the newest open order of a table with its totals.
func (e *Engine) ActiveOrderView(ctx context.Context, tableID string) (*View, error) {
	var v *View
	err := e.store.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		t, err := tx.Table(ctx, tableID)
		if err != nil {
			return err
		}
		o, err := tx.LatestOrderForTable(ctx, t.ID, order.OpenStatuses)
		if err != nil {
			return errors.Wrap(err, "find table order")
		}
		if o == nil {
			return apperr.NotFound("active order for table", tableID)
		}
		v = &View{Table: *t, Order: o, Totals: ComputeTotals(o)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
