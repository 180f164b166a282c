// Package memory implements the order store in process memory.
//
// Transactions are serialized by a single mutex and roll back by restoring a
// snapshot taken when they start. The store enforces the same uniqueness
// rules as the PostgreSQL schema.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/table"
)

const maxAttempts = 3

var (
	_ order.Store = (*Store)(nil)
	_ menu.Lookup = (*Store)(nil)
)

type state struct {
	tables  map[string]table.Table
	orders  map[string]*order.Order
	seq     map[string]int64
	menu    map[string]menu.Item
	nextSeq int64
	nextID  int64
}

func (st *state) clone() *state {
	out := &state{
		tables:  make(map[string]table.Table, len(st.tables)),
		orders:  make(map[string]*order.Order, len(st.orders)),
		seq:     make(map[string]int64, len(st.seq)),
		menu:    make(map[string]menu.Item, len(st.menu)),
		nextSeq: st.nextSeq,
		nextID:  st.nextID,
	}
	for k, v := range st.tables {
		out.tables[k] = v
	}
	for k, v := range st.orders {
		out.orders[k] = cloneOrder(v)
	}
	for k, v := range st.seq {
		out.seq[k] = v
	}
	for k, v := range st.menu {
		out.menu[k] = v
	}
	return out
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	c.Payments = slices.Clone(o.Payments)
	return &c
}

// Store is an in-memory order.Store and menu.Lookup.
type Store struct {
	mu sync.Mutex
	st *state

	// Fault, when set, is called before every write with the operation
	// name. A non-nil return aborts the write with that error, which rolls
	// back the enclosing transaction.
	Fault func(op string) error
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: (&state{}).clone()}
}

// AddTable registers a dining table.
func (s *Store) AddTable(t table.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.tables[t.ID] = t
}

// AddMenuItem registers a menu item.
func (s *Store) AddMenuItem(mi menu.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.menu[mi.ID] = mi
}

// TableSnapshot returns the committed state of a table.
func (s *Store) TableSnapshot(id string) (table.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.tables[id]
	return t, ok
}

// OrderSnapshot returns the committed state of an order.
func (s *Store) OrderSnapshot(id string) (*order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, false
	}
	c := cloneOrder(o)
	c.TableLabel = s.st.tables[c.TableID].Label
	return c, true
}

// OrderIDs returns the ids of all stored orders.
func (s *Store) OrderIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.st.orders))
	for id := range s.st.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetByIDs implements menu.Lookup.
func (s *Store) GetByIDs(_ context.Context, ids []string) ([]menu.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]menu.Item, 0, len(ids))
	for _, id := range ids {
		if mi, ok := s.st.menu[id]; ok {
			out = append(out, mi)
		}
	}
	return out, nil
}

// InTx implements order.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = s.runTx(ctx, fn); !errors.Is(err, order.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.st.clone()
	if err := fn(ctx, &tx{s: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

type tx struct {
	s *Store
}

var _ order.Tx = (*tx)(nil)

func (t *tx) fault(op string) error {
	if t.s.Fault == nil {
		return nil
	}
	return t.s.Fault(op)
}

func (t *tx) LockTables(_ context.Context, ids ...string) (map[string]*table.Table, error) {
	out := make(map[string]*table.Table, len(ids))
	for _, id := range ids {
		if tb, ok := t.s.st.tables[id]; ok {
			out[id] = &tb
		}
	}
	return out, nil
}

func (t *tx) Table(_ context.Context, id string) (*table.Table, error) {
	tb, ok := t.s.st.tables[id]
	if !ok {
		return nil, apperr.NotFound("table", id)
	}
	return &tb, nil
}

func (t *tx) TableByLabel(_ context.Context, label string) (*table.Table, error) {
	for _, tb := range t.s.st.tables {
		if tb.Label == label {
			return &tb, nil
		}
	}
	return nil, apperr.NotFound("table", label)
}

func (t *tx) SetTableStatus(_ context.Context, id string, status table.Status) error {
	if err := t.fault("set_table_status"); err != nil {
		return err
	}
	tb, ok := t.s.st.tables[id]
	if !ok {
		return apperr.NotFound("table", id)
	}
	tb.Status = status
	t.s.st.tables[id] = tb
	return nil
}

func (t *tx) RenameTable(_ context.Context, id, label string) error {
	if err := t.fault("rename_table"); err != nil {
		return err
	}
	tb, ok := t.s.st.tables[id]
	if !ok {
		return apperr.NotFound("table", id)
	}
	for _, other := range t.s.st.tables {
		if other.ID != id && other.Label == label {
			return apperr.InvalidState("table label %q is taken", label)
		}
	}
	tb.Label = label
	t.s.st.tables[id] = tb
	return nil
}

func (t *tx) OrderBinding(_ context.Context, orderID string) (string, error) {
	o, ok := t.s.st.orders[orderID]
	if !ok {
		return "", apperr.NotFound("order", orderID)
	}
	return o.TableID, nil
}

func (t *tx) read(id string) (*order.Order, error) {
	o, ok := t.s.st.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	c := cloneOrder(o)
	c.TableLabel = t.s.st.tables[c.TableID].Label
	return c, nil
}

func (t *tx) GetOrder(_ context.Context, id string) (*order.Order, error) {
	return t.read(id)
}

func (t *tx) LockOrder(_ context.Context, id string) (*order.Order, error) {
	return t.read(id)
}

func (t *tx) LockLatestOrderForTable(ctx context.Context, tableID string, statuses []order.Status) (*order.Order, error) {
	return t.LatestOrderForTable(ctx, tableID, statuses)
}

func (t *tx) LatestOrderForTable(_ context.Context, tableID string, statuses []order.Status) (*order.Order, error) {
	var (
		best    *order.Order
		bestSeq int64
	)
	for id, o := range t.s.st.orders {
		if o.TableID != tableID || !slices.Contains(statuses, o.Status) {
			continue
		}
		seq := t.s.st.seq[id]
		if best == nil || o.CreatedAt.After(best.CreatedAt) ||
			(o.CreatedAt.Equal(best.CreatedAt) && seq > bestSeq) {
			best, bestSeq = o, seq
		}
	}
	if best == nil {
		return nil, nil
	}
	return t.read(best.ID)
}

// checkSeated mirrors the partial unique index on seated orders per table.
func (t *tx) checkSeated(o *order.Order) error {
	if o.TableID == "" || !o.Status.Seated() {
		return nil
	}
	for id, other := range t.s.st.orders {
		if id != o.ID && other.TableID == o.TableID && other.Status.Seated() {
			return apperr.InvalidState("table %s already has a seated order", o.TableID)
		}
	}
	return nil
}

func (t *tx) CreateOrder(_ context.Context, o *order.Order) error {
	if err := t.fault("create_order"); err != nil {
		return err
	}
	if _, ok := t.s.st.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	if o.TableID != "" {
		if _, ok := t.s.st.tables[o.TableID]; !ok {
			return apperr.NotFound("table", o.TableID)
		}
	}
	if err := t.checkSeated(o); err != nil {
		return err
	}
	c := cloneOrder(o)
	c.Items, c.Payments, c.TableLabel = nil, nil, ""
	t.s.st.nextSeq++
	t.s.st.orders[o.ID] = c
	t.s.st.seq[o.ID] = t.s.st.nextSeq
	return nil
}

func (t *tx) UpdateOrder(_ context.Context, o *order.Order) error {
	if err := t.fault("update_order"); err != nil {
		return err
	}
	cur, ok := t.s.st.orders[o.ID]
	if !ok {
		return apperr.NotFound("order", o.ID)
	}
	if o.TableID != "" {
		if _, ok := t.s.st.tables[o.TableID]; !ok {
			return apperr.NotFound("table", o.TableID)
		}
	}
	if err := t.checkSeated(o); err != nil {
		return err
	}
	cur.TableID = o.TableID
	cur.Status = o.Status
	cur.LineSubtotal = o.LineSubtotal
	cur.Discount = o.Discount
	cur.CustomerRef = o.CustomerRef
	cur.UpdatedAt = o.UpdatedAt
	return nil
}

func (t *tx) AppendItems(_ context.Context, orderID string, items []order.LineItem) error {
	if err := t.fault("append_items"); err != nil {
		return err
	}
	cur, ok := t.s.st.orders[orderID]
	if !ok {
		return apperr.NotFound("order", orderID)
	}
	for i := range items {
		if items[i].Quantity <= 0 {
			return errors.Errorf("item %s: quantity must be positive", items[i].MenuItemID)
		}
		t.s.st.nextID++
		items[i].ID = t.s.st.nextID
		cur.Items = append(cur.Items, items[i])
	}
	return nil
}

func (t *tx) MarkItemsServed(_ context.Context, orderID string) (int64, error) {
	if err := t.fault("mark_items_served"); err != nil {
		return 0, err
	}
	cur, ok := t.s.st.orders[orderID]
	if !ok {
		return 0, apperr.NotFound("order", orderID)
	}
	var n int64
	for i := range cur.Items {
		if cur.Items[i].Status == order.ItemPending {
			cur.Items[i].Status = order.ItemServed
			n++
		}
	}
	return n, nil
}

func (t *tx) AddPayment(_ context.Context, orderID string, p *order.Payment) error {
	if err := t.fault("add_payment"); err != nil {
		return err
	}
	cur, ok := t.s.st.orders[orderID]
	if !ok {
		return apperr.NotFound("order", orderID)
	}
	if !p.Amount.GreaterThan(decimal.Zero) {
		return errors.Errorf("payment amount must be positive, got %s", p.Amount)
	}
	if p.Reference != "" {
		for _, o := range t.s.st.orders {
			if o.HasReference(p.Method, p.Reference) {
				return apperr.InvalidState("payment reference %s already recorded", p.Reference)
			}
		}
	}
	cur.Payments = append(cur.Payments, *p)
	return nil
}

func (t *tx) PaymentOrderByReference(_ context.Context, method order.PaymentMethod, ref string) (string, error) {
	for id, o := range t.s.st.orders {
		if o.HasReference(method, ref) {
			return id, nil
		}
	}
	return "", nil
}

func (t *tx) ReassignOrders(_ context.Context, fromTableID, toTableID string, statuses []order.Status) (int64, error) {
	if err := t.fault("reassign_orders"); err != nil {
		return 0, err
	}
	if _, ok := t.s.st.tables[toTableID]; !ok {
		return 0, apperr.NotFound("table", toTableID)
	}
	var n int64
	for _, o := range t.s.st.orders {
		if o.TableID == fromTableID && slices.Contains(statuses, o.Status) {
			o.TableID = toTableID
			n++
		}
	}
	return n, nil
}
