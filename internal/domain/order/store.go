package order

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/table"
)

// ErrConflict signals that the table binding of an order changed between
// reading it and locking it. Store implementations retry the transaction.
var ErrConflict = errors.New("order binding changed concurrently")

// Store runs units of work against the transactional order store.
type Store interface {
	// InTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise. fn may be invoked more than once when the
	// store retries a conflicting transaction, so it must not have side
	// effects outside tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of store operations available inside a transaction.
//
// Locking protocol: table rows are always locked before order rows. Methods
// documented as locking hold the row lock until the transaction ends.
type Tx interface {
	// LockTables locks the given tables in id order and returns those that
	// exist, keyed by id.
	LockTables(ctx context.Context, ids ...string) (map[string]*table.Table, error)
	// Table returns a table without locking it.
	Table(ctx context.Context, id string) (*table.Table, error)
	// TableByLabel returns a table by its label without locking it.
	TableByLabel(ctx context.Context, label string) (*table.Table, error)
	SetTableStatus(ctx context.Context, id string, status table.Status) error
	RenameTable(ctx context.Context, id, label string) error

	// OrderBinding returns the id of the table an order is bound to, or ""
	// when it is not bound.
	OrderBinding(ctx context.Context, orderID string) (string, error)
	// GetOrder returns an order with its items and payments without locking.
	GetOrder(ctx context.Context, id string) (*Order, error)
	// LockOrder locks an order and returns it with its items and payments.
	LockOrder(ctx context.Context, id string) (*Order, error)
	// LatestOrderForTable returns the most recently created order bound to
	// the table whose status is one of statuses, or nil. It does not lock.
	LatestOrderForTable(ctx context.Context, tableID string, statuses []Status) (*Order, error)
	// LockLatestOrderForTable is LatestOrderForTable that also locks the
	// order. The caller must hold the table lock.
	LockLatestOrderForTable(ctx context.Context, tableID string, statuses []Status) (*Order, error)
	CreateOrder(ctx context.Context, o *Order) error
	// UpdateOrder persists the header fields of o: binding, status, subtotal,
	// discount, customer reference and UpdatedAt.
	UpdateOrder(ctx context.Context, o *Order) error
	// AppendItems inserts items and fills in their IDs.
	AppendItems(ctx context.Context, orderID string, items []LineItem) error
	// MarkItemsServed flips PENDING items to SERVED and returns how many changed.
	MarkItemsServed(ctx context.Context, orderID string) (int64, error)
	AddPayment(ctx context.Context, orderID string, p *Payment) error
	// PaymentOrderByReference returns the id of the order holding a payment
	// with the given method and reference, or "" when there is none.
	PaymentOrderByReference(ctx context.Context, method PaymentMethod, ref string) (string, error)
	// ReassignOrders rebinds every order of fromTableID in one of statuses to
	// toTableID and returns the number of orders moved.
	ReassignOrders(ctx context.Context, fromTableID, toTableID string, statuses []Status) (int64, error)
}

// LockOrderWithTables locks the order's bound table together with any extra
// tables, then the order itself, honouring the table-before-order lock order.
// It returns ErrConflict when a concurrent shift moved the order in between.
func LockOrderWithTables(ctx context.Context, tx Tx, orderID string, extra ...string) (*Order, map[string]*table.Table, error) {
	bound, err := tx.OrderBinding(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(extra)+1)
	if bound != "" {
		ids = append(ids, bound)
	}
	for _, id := range extra {
		if id != "" && id != bound {
			ids = append(ids, id)
		}
	}

	tables := map[string]*table.Table{}
	if len(ids) > 0 {
		tables, err = tx.LockTables(ctx, ids...)
		if err != nil {
			return nil, nil, errors.Wrap(err, "lock tables")
		}
	}

	o, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o.TableID != bound {
		return nil, nil, ErrConflict
	}
	if bound != "" && tables[bound] == nil {
		return nil, nil, apperr.NotFound("table", bound)
	}
	return o, tables, nil
}

// StatusStrings converts statuses for storage queries.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
