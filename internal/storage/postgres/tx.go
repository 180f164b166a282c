package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/table"
)

const (
	lockTablesSQL = `SELECT id, label, capacity, status FROM dining_tables
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	getTableSQL = `SELECT id, label, capacity, status FROM dining_tables WHERE id = $1`

	getTableByLabelSQL = `SELECT id, label, capacity, status FROM dining_tables WHERE label = $1`

	setTableStatusSQL = `UPDATE dining_tables SET status = $2, updated_at = now() WHERE id = $1`

	renameTableSQL = `UPDATE dining_tables SET label = $2, updated_at = now() WHERE id = $1`

	orderBindingSQL = `SELECT COALESCE(table_id, '') FROM orders WHERE id = $1`

	orderHeaderSQL = `SELECT o.id, COALESCE(o.table_id, ''), COALESCE(t.label, ''), o.order_type, o.status,
		o.line_subtotal, o.discount_kind, o.discount_value, COALESCE(o.customer_ref, ''),
		o.created_at, o.updated_at
		FROM orders o LEFT JOIN dining_tables t ON t.id = o.table_id`

	getOrderSQL = orderHeaderSQL + ` WHERE o.id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE OF o`

	latestOrderForTableSQL = orderHeaderSQL + ` WHERE o.table_id = $1 AND o.status = ANY($2)
		ORDER BY o.created_at DESC, o.id DESC LIMIT 1`

	lockLatestOrderForTableSQL = latestOrderForTableSQL + ` FOR UPDATE OF o`

	listOrderItemsSQL = `SELECT id, menu_item_id, unit_price, quantity, status, created_at
		FROM order_items WHERE order_id = $1 ORDER BY id`

	listPaymentsSQL = `SELECT id, amount, method, COALESCE(reference, ''), recorded_at
		FROM payments WHERE order_id = $1 ORDER BY recorded_at, id`

	createOrderSQL = `INSERT INTO orders (id, table_id, order_type, status, line_subtotal,
		discount_kind, discount_value, customer_ref, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`

	updateOrderSQL = `UPDATE orders SET table_id = NULLIF($2, ''), status = $3, line_subtotal = $4,
		discount_kind = $5, discount_value = $6, customer_ref = NULLIF($7, ''), updated_at = $8
		WHERE id = $1`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, menu_item_id, unit_price, quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	markItemsServedSQL = `UPDATE order_items SET status = 'SERVED' WHERE order_id = $1 AND status = 'PENDING'`

	insertPaymentSQL = `INSERT INTO payments (id, order_id, amount, method, reference, recorded_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`

	paymentOrderByReferenceSQL = `SELECT order_id FROM payments WHERE method = $1 AND reference = $2`

	reassignOrdersSQL = `UPDATE orders SET table_id = $2, updated_at = now()
		WHERE table_id = $1 AND status = ANY($3)`
)

// Constraint names from the schema that map to domain errors.
const (
	seatedOrderIndex      = "orders_one_seated_per_table"
	paymentReferenceIndex = "payments_method_reference"
	tableLabelKey         = "dining_tables_label_key"
)

var _ order.Tx = (*txStore)(nil)

type txStore struct {
	tx pgx.Tx
}

func (s *txStore) LockTables(ctx context.Context, ids ...string) (map[string]*table.Table, error) {
	rows, err := s.tx.Query(ctx, lockTablesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("locking tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, scanTable)
	if err != nil {
		return nil, fmt.Errorf("locking tables: %w", err)
	}

	out := make(map[string]*table.Table, len(tables))
	for i := range tables {
		out[tables[i].ID] = &tables[i]
	}
	return out, nil
}

func (s *txStore) Table(ctx context.Context, id string) (*table.Table, error) {
	return s.oneTable(ctx, getTableSQL, id)
}

func (s *txStore) TableByLabel(ctx context.Context, label string) (*table.Table, error) {
	return s.oneTable(ctx, getTableByLabelSQL, label)
}

func (s *txStore) oneTable(ctx context.Context, query, key string) (*table.Table, error) {
	rows, err := s.tx.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("getting table %q: %w", key, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("table", key)
		}
		return nil, fmt.Errorf("getting table %q: %w", key, err)
	}
	return &t, nil
}

func (s *txStore) SetTableStatus(ctx context.Context, id string, status table.Status) error {
	tag, err := s.tx.Exec(ctx, setTableStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("setting table %q status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("table", id)
	}
	return nil
}

func (s *txStore) RenameTable(ctx context.Context, id, label string) error {
	tag, err := s.tx.Exec(ctx, renameTableSQL, id, label)
	if err != nil {
		if name, ok := constraintViolation(err, codeUniqueViolation); ok && name == tableLabelKey {
			return apperr.InvalidState("table label %q is taken", label)
		}
		return fmt.Errorf("renaming table %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("table", id)
	}
	return nil
}

func (s *txStore) OrderBinding(ctx context.Context, orderID string) (string, error) {
	var tableID string
	err := s.tx.QueryRow(ctx, orderBindingSQL, orderID).Scan(&tableID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperr.NotFound("order", orderID)
		}
		return "", fmt.Errorf("getting order %q binding: %w", orderID, err)
	}
	return tableID, nil
}

func (s *txStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.loadOrder(ctx, getOrderSQL, id)
}

func (s *txStore) LockOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.loadOrder(ctx, lockOrderSQL, id)
}

func (s *txStore) loadOrder(ctx context.Context, query, id string) (*order.Order, error) {
	rows, err := s.tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("order", id)
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	if err := s.loadLines(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *txStore) LatestOrderForTable(ctx context.Context, tableID string, statuses []order.Status) (*order.Order, error) {
	return s.latestOrderForTable(ctx, latestOrderForTableSQL, tableID, statuses)
}

func (s *txStore) LockLatestOrderForTable(ctx context.Context, tableID string, statuses []order.Status) (*order.Order, error) {
	return s.latestOrderForTable(ctx, lockLatestOrderForTableSQL, tableID, statuses)
}

func (s *txStore) latestOrderForTable(ctx context.Context, query, tableID string, statuses []order.Status) (*order.Order, error) {
	rows, err := s.tx.Query(ctx, query, tableID, order.StatusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("getting latest order for table %q: %w", tableID, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting latest order for table %q: %w", tableID, err)
	}
	if err := s.loadLines(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// loadLines fills in the items and payments of o.
func (s *txStore) loadLines(ctx context.Context, o *order.Order) error {
	rows, err := s.tx.Query(ctx, listOrderItemsSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing order %q items: %w", o.ID, err)
	}
	o.Items, err = pgx.CollectRows(rows, scanLineItem)
	if err != nil {
		return fmt.Errorf("listing order %q items: %w", o.ID, err)
	}

	rows, err = s.tx.Query(ctx, listPaymentsSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing order %q payments: %w", o.ID, err)
	}
	o.Payments, err = pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return fmt.Errorf("listing order %q payments: %w", o.ID, err)
	}
	return nil
}

func (s *txStore) CreateOrder(ctx context.Context, o *order.Order) error {
	_, err := s.tx.Exec(ctx, createOrderSQL,
		o.ID, o.TableID, string(o.Type), string(o.Status), o.LineSubtotal,
		string(o.Discount.Kind), o.Discount.Value, o.CustomerRef, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return orderWriteError(err, o, "creating")
	}
	return nil
}

func (s *txStore) UpdateOrder(ctx context.Context, o *order.Order) error {
	tag, err := s.tx.Exec(ctx, updateOrderSQL,
		o.ID, o.TableID, string(o.Status), o.LineSubtotal,
		string(o.Discount.Kind), o.Discount.Value, o.CustomerRef, o.UpdatedAt,
	)
	if err != nil {
		return orderWriteError(err, o, "updating")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order", o.ID)
	}
	return nil
}

func orderWriteError(err error, o *order.Order, verb string) error {
	if name, ok := constraintViolation(err, codeUniqueViolation); ok && name == seatedOrderIndex {
		return apperr.InvalidState("table %s already has a seated order", o.TableID)
	}
	if _, ok := constraintViolation(err, codeForeignKeyViolation); ok {
		return apperr.NotFound("table", o.TableID)
	}
	return fmt.Errorf("%s order %q: %w", verb, o.ID, err)
}

func (s *txStore) AppendItems(ctx context.Context, orderID string, items []order.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, li := range items {
		batch.Queue(insertOrderItemSQL,
			orderID, li.MenuItemID, li.UnitPrice, li.Quantity, string(li.Status), li.CreatedAt,
		)
	}

	br := s.tx.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for i := range items {
		if err := br.QueryRow().Scan(&items[i].ID); err != nil {
			if _, ok := constraintViolation(err, codeForeignKeyViolation); ok {
				return apperr.NotFound("order", orderID)
			}
			return fmt.Errorf("appending item %q to order %q: %w", items[i].MenuItemID, orderID, err)
		}
	}
	return nil
}

func (s *txStore) MarkItemsServed(ctx context.Context, orderID string) (int64, error) {
	tag, err := s.tx.Exec(ctx, markItemsServedSQL, orderID)
	if err != nil {
		return 0, fmt.Errorf("marking order %q items served: %w", orderID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *txStore) AddPayment(ctx context.Context, orderID string, p *order.Payment) error {
	_, err := s.tx.Exec(ctx, insertPaymentSQL,
		p.ID, orderID, p.Amount, string(p.Method), p.Reference, p.RecordedAt,
	)
	if err != nil {
		if name, ok := constraintViolation(err, codeUniqueViolation); ok && name == paymentReferenceIndex {
			return apperr.InvalidState("payment reference %s already recorded", p.Reference)
		}
		if _, ok := constraintViolation(err, codeForeignKeyViolation); ok {
			return apperr.NotFound("order", orderID)
		}
		return fmt.Errorf("adding payment to order %q: %w", orderID, err)
	}
	return nil
}

func (s *txStore) PaymentOrderByReference(ctx context.Context, method order.PaymentMethod, ref string) (string, error) {
	var orderID string
	err := s.tx.QueryRow(ctx, paymentOrderByReferenceSQL, string(method), ref).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("finding payment %s/%s: %w", method, ref, err)
	}
	return orderID, nil
}

func (s *txStore) ReassignOrders(ctx context.Context, fromTableID, toTableID string, statuses []order.Status) (int64, error) {
	tag, err := s.tx.Exec(ctx, reassignOrdersSQL, fromTableID, toTableID, order.StatusStrings(statuses))
	if err != nil {
		if _, ok := constraintViolation(err, codeForeignKeyViolation); ok {
			return 0, apperr.NotFound("table", toTableID)
		}
		if name, ok := constraintViolation(err, codeUniqueViolation); ok && name == seatedOrderIndex {
			return 0, apperr.InvalidState("table %s already has a seated order", toTableID)
		}
		return 0, fmt.Errorf("reassigning orders from table %q: %w", fromTableID, err)
	}
	return tag.RowsAffected(), nil
}

func scanTable(row pgx.CollectableRow) (table.Table, error) {
	var (
		t      table.Table
		status string
	)
	if err := row.Scan(&t.ID, &t.Label, &t.Capacity, &status); err != nil {
		return table.Table{}, err
	}
	t.Status = table.Status(status)
	return t, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                       order.Order
		orderType, status, kind string
		subtotal, discountValue decimal.Decimal
		createdAt, updatedAt    time.Time
	)
	err := row.Scan(
		&o.ID, &o.TableID, &o.TableLabel, &orderType, &status,
		&subtotal, &kind, &discountValue, &o.CustomerRef,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return order.Order{}, err
	}
	o.Type = order.Type(orderType)
	o.Status = order.Status(status)
	o.LineSubtotal = subtotal
	o.Discount = order.Discount{Kind: order.DiscountKind(kind), Value: discountValue}
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt
	return o, nil
}

func scanLineItem(row pgx.CollectableRow) (order.LineItem, error) {
	var (
		li     order.LineItem
		status string
	)
	if err := row.Scan(&li.ID, &li.MenuItemID, &li.UnitPrice, &li.Quantity, &status, &li.CreatedAt); err != nil {
		return order.LineItem{}, err
	}
	li.Status = order.ItemStatus(status)
	return li, nil
}

func scanPayment(row pgx.CollectableRow) (order.Payment, error) {
	var (
		p      order.Payment
		method string
	)
	if err := row.Scan(&p.ID, &p.Amount, &method, &p.Reference, &p.RecordedAt); err != nil {
		return order.Payment{}, err
	}
	p.Method = order.PaymentMethod(method)
	return p, nil
}
