package order_test

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/table"
	"github.com/xenking/tablepos/internal/storage/memory"
)

// --- Mock implementations ---

type recordingBus struct {
	mu     sync.Mutex
	events []order.Event
	err    error
}

func (b *recordingBus) Publish(_ context.Context, ev order.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return b.err
}

func (b *recordingBus) types() []order.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]order.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type failingLookup struct{}

func (failingLookup) GetByIDs(context.Context, []string) ([]menu.Item, error) {
	return nil, errors.New("catalog offline")
}

// --- Helpers ---

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) (*memory.Store, *recordingBus, *order.Service) {
	t.Helper()
	store := memory.New()
	store.AddTable(table.Table{ID: "t1", Label: "T1", Capacity: 4, Status: table.StatusFree})
	store.AddTable(table.Table{ID: "t2", Label: "T2", Capacity: 2, Status: table.StatusReserved})
	store.AddMenuItem(menu.Item{ID: "m1", Name: "Dosa", Price: dec("100.00"), Available: true})
	store.AddMenuItem(menu.Item{ID: "m2", Name: "Idli", Price: dec("50.00"), Available: true})
	store.AddMenuItem(menu.Item{ID: "m3", Name: "Vada", Price: dec("40.00"), Available: false})
	bus := &recordingBus{}
	return store, bus, order.NewService(store, store, bus)
}

func setStatus(t *testing.T, store *memory.Store, id string, st order.Status) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx order.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		o.Status = st
		return tx.UpdateOrder(ctx, o)
	})
	require.NoError(t, err)
}

func submit(t *testing.T, svc *order.Service, label string, items ...order.ItemRequest) *order.SubmitResult {
	t.Helper()
	res, err := svc.SubmitItems(context.Background(), order.SubmitRequest{TableLabel: label, Items: items})
	require.NoError(t, err)
	return res
}

// --- Tests ---

func TestSubmitItems_NewOrderOccupiesTable(t *testing.T) {
	store, bus, svc := newFixture(t)

	res := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 2})

	assert.True(t, res.Created)
	assert.Equal(t, order.StatusPending, res.Order.Status)
	assert.Equal(t, "t1", res.Order.TableID)
	assert.Equal(t, "T1", res.Order.TableLabel)
	assert.True(t, dec("200.00").Equal(res.Order.LineSubtotal))
	require.Len(t, res.Order.Items, 1)
	assert.NotZero(t, res.Order.Items[0].ID)

	tb, _ := store.TableSnapshot("t1")
	assert.Equal(t, table.StatusOccupied, tb.Status)
	assert.Equal(t, []order.EventType{order.EventUpdated}, bus.types())
}

func TestSubmitItems_AppendsToSeatedOrder(t *testing.T) {
	store, _, svc := newFixture(t)

	first := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 1})
	second := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m2", Quantity: 3})

	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, dec("250.00").Equal(second.Order.LineSubtotal))
	assert.Len(t, second.Order.Items, 2)
	assert.Len(t, second.Added, 1)

	stored, ok := store.OrderSnapshot(first.Order.ID)
	require.True(t, ok)
	assert.Len(t, stored.Items, 2)
	assert.Len(t, store.OrderIDs(), 1)
}

func TestSubmitItems_ReservedTableBecomesOccupied(t *testing.T) {
	store, _, svc := newFixture(t)

	submit(t, svc, "T2", order.ItemRequest{MenuItemID: "m2", Quantity: 1})

	tb, _ := store.TableSnapshot("t2")
	assert.Equal(t, table.StatusOccupied, tb.Status)
}

func TestSubmitItems_ReopensServedOrder(t *testing.T) {
	store, _, svc := newFixture(t)

	first := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 1})
	setStatus(t, store, first.Order.ID, order.StatusServed)

	second := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m2", Quantity: 1})

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, order.StatusConfirmed, second.Order.Status)
}

func TestSubmitItems_DueOrderDoesNotReceiveItems(t *testing.T) {
	store, _, svc := newFixture(t)

	first := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 1})
	setStatus(t, store, first.Order.ID, order.StatusDue)

	second := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m2", Quantity: 1})

	assert.True(t, second.Created)
	assert.NotEqual(t, first.Order.ID, second.Order.ID)
}

func TestSubmitItems_ReportsSkippedItems(t *testing.T) {
	_, _, svc := newFixture(t)

	res := submit(t, svc, "T1",
		order.ItemRequest{MenuItemID: "m1", Quantity: 1},
		order.ItemRequest{MenuItemID: "ghost", Quantity: 1},
		order.ItemRequest{MenuItemID: "m3", Quantity: 2},
	)

	assert.True(t, dec("100.00").Equal(res.Order.LineSubtotal))
	assert.Len(t, res.Order.Items, 1)
	assert.Equal(t, []order.SkippedItem{
		{MenuItemID: "ghost", Reason: order.SkipUnknownItem},
		{MenuItemID: "m3", Reason: order.SkipUnavailable},
	}, res.Skipped)
	assert.Contains(t, res.Menu, "m1")
}

func TestSubmitItems_DiscountAndCustomerOverwrite(t *testing.T) {
	_, _, svc := newFixture(t)
	ctx := context.Background()
	ref := "cust-42"

	_, err := svc.SubmitItems(ctx, order.SubmitRequest{
		TableLabel: "T1",
		Items:      []order.ItemRequest{{MenuItemID: "m1", Quantity: 1}},
		Discount:   &order.Discount{Kind: order.DiscountFixed, Value: dec("5")},
	})
	require.NoError(t, err)

	res, err := svc.SubmitItems(ctx, order.SubmitRequest{
		TableLabel:  "T1",
		Discount:    &order.Discount{Kind: order.DiscountPercent, Value: dec("10")},
		CustomerRef: &ref,
	})
	require.NoError(t, err)

	assert.Equal(t, order.DiscountPercent, res.Order.Discount.Kind)
	assert.True(t, dec("10").Equal(res.Order.Discount.Value))
	assert.Equal(t, "cust-42", res.Order.CustomerRef)
	assert.True(t, dec("100.00").Equal(res.Order.LineSubtotal))
}

func TestSubmitItems_TakeawayCreatesFreshOrders(t *testing.T) {
	store, _, svc := newFixture(t)
	ctx := context.Background()

	req := order.SubmitRequest{
		Type:  order.TypePickUp,
		Items: []order.ItemRequest{{MenuItemID: "m2", Quantity: 1}},
	}
	a, err := svc.SubmitItems(ctx, req)
	require.NoError(t, err)
	b, err := svc.SubmitItems(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, a.Order.ID, b.Order.ID)
	assert.Empty(t, a.Order.TableID)
	assert.Len(t, store.OrderIDs(), 2)
}

func TestSubmitItems_Validation(t *testing.T) {
	_, _, svc := newFixture(t)

	tests := []struct {
		name string
		req  order.SubmitRequest
	}{
		{
			name: "dine-in without table",
			req:  order.SubmitRequest{Items: []order.ItemRequest{{MenuItemID: "m1", Quantity: 1}}},
		},
		{
			name: "nothing to submit",
			req:  order.SubmitRequest{TableLabel: "T1"},
		},
		{
			name: "zero quantity",
			req:  order.SubmitRequest{TableLabel: "T1", Items: []order.ItemRequest{{MenuItemID: "m1"}}},
		},
		{
			name: "empty item id",
			req:  order.SubmitRequest{TableLabel: "T1", Items: []order.ItemRequest{{Quantity: 1}}},
		},
		{
			name: "percent above hundred",
			req: order.SubmitRequest{
				TableLabel: "T1",
				Discount:   &order.Discount{Kind: order.DiscountPercent, Value: dec("100.5")},
			},
		},
		{
			name: "negative discount",
			req: order.SubmitRequest{
				TableLabel: "T1",
				Discount:   &order.Discount{Kind: order.DiscountFixed, Value: dec("-1")},
			},
		},
		{
			name: "percent discount with three decimals",
			req: order.SubmitRequest{
				TableLabel: "T1",
				Discount:   &order.Discount{Kind: order.DiscountPercent, Value: dec("12.345")},
			},
		},
		{
			name: "fixed discount out of range",
			req: order.SubmitRequest{
				TableLabel: "T1",
				Discount:   &order.Discount{Kind: order.DiscountFixed, Value: dec("1e100000000")},
			},
		},
		{
			name: "unknown discount kind",
			req: order.SubmitRequest{
				TableLabel: "T1",
				Discount:   &order.Discount{Kind: "BOGO", Value: dec("1")},
			},
		},
		{
			name: "unknown order type",
			req:  order.SubmitRequest{Type: "DRIVE_THRU", Items: []order.ItemRequest{{MenuItemID: "m1", Quantity: 1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitItems(context.Background(), tt.req)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestValidateAmount(t *testing.T) {
	for _, tt := range []struct {
		in string
		ok bool
	}{
		{in: "0", ok: true},
		{in: "12.5", ok: true},
		{in: "12.50", ok: true},
		{in: "9999999999.99", ok: true},
		{in: "-40.10", ok: true},
		{in: "12.345"},
		{in: "12.3450"},
		{in: "10000000000"},
		{in: "1e10"},
		{in: "1e100000000"},
		{in: "1e-100000000"},
	} {
		t.Run(tt.in, func(t *testing.T) {
			err := order.ValidateAmount("amount", dec(tt.in))
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestSubmitItems_UnknownTable(t *testing.T) {
	_, _, svc := newFixture(t)

	_, err := svc.SubmitItems(context.Background(), order.SubmitRequest{
		TableLabel: "T99",
		Items:      []order.ItemRequest{{MenuItemID: "m1", Quantity: 1}},
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSubmitItems_MenuLookupError(t *testing.T) {
	store := memory.New()
	store.AddTable(table.Table{ID: "t1", Label: "T1", Status: table.StatusFree})
	svc := order.NewService(store, failingLookup{}, nil)

	_, err := svc.SubmitItems(context.Background(), order.SubmitRequest{
		TableLabel: "T1",
		Items:      []order.ItemRequest{{MenuItemID: "m1", Quantity: 1}},
	})
	require.Error(t, err)
	assert.Empty(t, store.OrderIDs())
}

func TestSubmitItems_PublishFailureIgnored(t *testing.T) {
	_, bus, svc := newFixture(t)
	bus.err = errors.New("broker down")

	res := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 1})
	assert.NotNil(t, res.Order)
}

func TestSubmitItems_RollsBackOnFault(t *testing.T) {
	store, bus, svc := newFixture(t)
	store.Fault = func(op string) error {
		if op == "set_table_status" {
			return errors.New("crash")
		}
		return nil
	}

	_, err := svc.SubmitItems(context.Background(), order.SubmitRequest{
		TableLabel: "T1",
		Items:      []order.ItemRequest{{MenuItemID: "m1", Quantity: 1}},
	})
	require.Error(t, err)

	assert.Empty(t, store.OrderIDs())
	tb, _ := store.TableSnapshot("t1")
	assert.Equal(t, table.StatusFree, tb.Status)
	assert.Empty(t, bus.types())
}

func TestMarkServed(t *testing.T) {
	store, bus, svc := newFixture(t)
	res := submit(t, svc, "T1",
		order.ItemRequest{MenuItemID: "m1", Quantity: 1},
		order.ItemRequest{MenuItemID: "m2", Quantity: 1},
	)

	o, err := svc.MarkServed(context.Background(), res.Order.ID)
	require.NoError(t, err)

	assert.Empty(t, o.PendingItems())
	assert.Equal(t, order.StatusPending, o.Status)

	stored, _ := store.OrderSnapshot(res.Order.ID)
	for _, li := range stored.Items {
		assert.Equal(t, order.ItemServed, li.Status)
	}
	assert.Equal(t, []order.EventType{order.EventUpdated, order.EventServed}, bus.types())
}

func TestMarkServed_NotFound(t *testing.T) {
	_, _, svc := newFixture(t)

	_, err := svc.MarkServed(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name      string
		status    order.Status
		wantErr   error
		wantTable table.Status
	}{
		{name: "pending frees table", status: order.StatusPending, wantTable: table.StatusFree},
		{name: "partial frees table", status: order.StatusPartial, wantTable: table.StatusFree},
		{name: "served frees table", status: order.StatusServed, wantTable: table.StatusFree},
		{name: "due leaves table alone", status: order.StatusDue, wantTable: table.StatusOccupied},
		{name: "already cancelled", status: order.StatusCancelled, wantTable: table.StatusOccupied},
		{name: "completed rejected", status: order.StatusCompleted, wantErr: apperr.ErrInvalidState, wantTable: table.StatusOccupied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, svc := newFixture(t)
			res := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 1})
			setStatus(t, store, res.Order.ID, tt.status)

			o, err := svc.Cancel(context.Background(), res.Order.ID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, order.StatusCancelled, o.Status)
			}

			tb, _ := store.TableSnapshot("t1")
			assert.Equal(t, tt.wantTable, tb.Status)
		})
	}
}

func TestCancel_NotFound(t *testing.T) {
	_, _, svc := newFixture(t)

	_, err := svc.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    order.Status
		to      order.Status
		wantErr error
	}{
		{name: "pending to confirmed", from: order.StatusPending, to: order.StatusConfirmed},
		{name: "confirmed to served", from: order.StatusConfirmed, to: order.StatusServed},
		{name: "partial to served", from: order.StatusPartial, to: order.StatusServed},
		{name: "same status is a no-op", from: order.StatusServed, to: order.StatusServed},
		{name: "served back to confirmed", from: order.StatusServed, to: order.StatusConfirmed, wantErr: apperr.ErrInvalidState},
		{name: "manual completion", from: order.StatusPartial, to: order.StatusCompleted, wantErr: apperr.ErrInvalidState},
		{name: "manual cancel", from: order.StatusPending, to: order.StatusCancelled, wantErr: apperr.ErrInvalidState},
		{name: "unknown status", from: order.StatusPending, to: "LOST", wantErr: apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, svc := newFixture(t)
			res := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 1})
			setStatus(t, store, res.Order.ID, tt.from)

			o, err := svc.UpdateStatus(context.Background(), res.Order.ID, tt.to)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				stored, _ := store.OrderSnapshot(res.Order.ID)
				assert.Equal(t, tt.from, stored.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, o.Status)
		})
	}
}

func TestGet(t *testing.T) {
	_, _, svc := newFixture(t)
	res := submit(t, svc, "T1", order.ItemRequest{MenuItemID: "m1", Quantity: 2})

	o, err := svc.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, o.ID)
	assert.Equal(t, "T1", o.TableLabel)
	assert.Len(t, o.Items, 1)

	_, err = svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSubmitItems_ConcurrentSameTable(t *testing.T) {
	store, _, svc := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitItems(context.Background(), order.SubmitRequest{
				TableLabel: "T1",
				Items:      []order.ItemRequest{{MenuItemID: "m2", Quantity: 1}},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ids := store.OrderIDs()
	require.Len(t, ids, 1)
	o, _ := store.OrderSnapshot(ids[0])
	assert.True(t, dec("400.00").Equal(o.LineSubtotal))
}
