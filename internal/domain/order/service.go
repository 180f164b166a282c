package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/table"
)

var hundred = decimal.NewFromInt(100)

// ItemRequest asks for Quantity units of a menu item.
type ItemRequest struct {
	MenuItemID string
	Quantity   int
}

// SubmitRequest holds the input for adding items to a table's running bill.
type SubmitRequest struct {
	// TableLabel selects the table; required for dine-in orders.
	TableLabel string
	Type       Type
	Items      []ItemRequest
	// Discount, when set, replaces the order's current discount.
	Discount *Discount
	// CustomerRef, when set, replaces the order's customer reference.
	CustomerRef *string
}

// SkipReason explains why a requested item was not added.
type SkipReason string

const (
	SkipUnknownItem SkipReason = "UNKNOWN_ITEM"
	SkipUnavailable SkipReason = "UNAVAILABLE"
)

// SkippedItem reports a requested item that was not added to the bill.
type SkippedItem struct {
	MenuItemID string
	Reason     SkipReason
}

// SubmitResult holds the order after a submission.
type SubmitResult struct {
	Order *Order
	// Created is true when the submission opened a new order.
	Created bool
	// Added are the line items appended by this submission.
	Added   []LineItem
	Skipped []SkippedItem
	// Menu holds the catalog snapshots of the resolved items, keyed by id.
	Menu map[string]menu.Item
}

// Service implements the order lifecycle.
type Service struct {
	store Store
	menu  menu.Lookup
	bus   Broadcaster
	now   func() time.Time
}

// NewService creates an order Service.
func NewService(store Store, lookup menu.Lookup, bus Broadcaster) *Service {
	return &Service{
		store: store,
		menu:  lookup,
		bus:   bus,
		now:   time.Now,
	}
}

func validateSubmit(req *SubmitRequest) error {
	req.TableLabel = strings.TrimSpace(req.TableLabel)
	if req.Type == "" {
		req.Type = TypeDineIn
	}
	if !req.Type.Valid() {
		return apperr.Validation("unknown order type %q", req.Type)
	}
	if req.Type == TypeDineIn && req.TableLabel == "" {
		return apperr.Validation("table label required for dine-in orders")
	}
	if len(req.Items) == 0 && req.Discount == nil && req.CustomerRef == nil {
		return apperr.Validation("items required")
	}
	for _, it := range req.Items {
		if it.MenuItemID == "" {
			return apperr.Validation("menu item id required")
		}
		if it.Quantity <= 0 {
			return apperr.Validation("quantity must be greater than 0 for item %s", it.MenuItemID)
		}
	}
	if d := req.Discount; d != nil {
		if !d.Kind.Valid() {
			return apperr.Validation("unknown discount kind %q", d.Kind)
		}
		if d.Value.IsNegative() {
			return apperr.Validation("discount must not be negative")
		}
		if err := ValidateAmount("discount", d.Value); err != nil {
			return err
		}
		if d.Kind == DiscountPercent && d.Value.GreaterThan(hundred) {
			return apperr.Validation("percent discount must not exceed 100")
		}
	}
	return nil
}

// SubmitItems adds items to the running bill of a table, opening a new order
// when the table has none.
func (s *Service) SubmitItems(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmit(&req); err != nil {
		return nil, err
	}

	catalog, err := s.resolve(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	var res *SubmitResult
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		res = &SubmitResult{Menu: catalog}
		now := s.now().UTC()

		o, created, err := s.openOrder(ctx, tx, req, now)
		if err != nil {
			return err
		}
		res.Created = created

		added := make([]LineItem, 0, len(req.Items))
		for _, it := range req.Items {
			mi, ok := catalog[it.MenuItemID]
			switch {
			case !ok:
				res.Skipped = append(res.Skipped, SkippedItem{MenuItemID: it.MenuItemID, Reason: SkipUnknownItem})
				continue
			case !mi.Available:
				res.Skipped = append(res.Skipped, SkippedItem{MenuItemID: it.MenuItemID, Reason: SkipUnavailable})
				continue
			}
			li := LineItem{
				MenuItemID: mi.ID,
				UnitPrice:  mi.Price,
				Quantity:   it.Quantity,
				Status:     ItemPending,
				CreatedAt:  now,
			}
			o.LineSubtotal = o.LineSubtotal.Add(li.Total())
			added = append(added, li)
		}

		if len(added) > 0 {
			if err := tx.AppendItems(ctx, o.ID, added); err != nil {
				return errors.Wrap(err, "append items")
			}
			o.Items = append(o.Items, added...)
		}
		if req.Discount != nil {
			o.Discount = *req.Discount
		}
		if req.CustomerRef != nil {
			o.CustomerRef = *req.CustomerRef
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}

		res.Order = o
		res.Added = added
		return nil
	})
	if err != nil {
		return nil, err
	}

	lg := zctx.From(ctx)
	for _, sk := range res.Skipped {
		lg.Warn("Skipped menu item",
			zap.String("order_id", res.Order.ID),
			zap.String("menu_item_id", sk.MenuItemID),
			zap.String("reason", string(sk.Reason)),
		)
	}
	s.publish(ctx, EventUpdated, res.Order)
	return res, nil
}

// resolve fetches the current catalog entries for the requested items.
func (s *Service) resolve(ctx context.Context, items []ItemRequest) (map[string]menu.Item, error) {
	catalog := make(map[string]menu.Item, len(items))
	if len(items) == 0 {
		return catalog, nil
	}
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.MenuItemID]; ok {
			continue
		}
		seen[it.MenuItemID] = struct{}{}
		ids = append(ids, it.MenuItemID)
	}

	fetched, err := s.menu.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get menu items")
	}
	for _, mi := range fetched {
		catalog[mi.ID] = mi
	}
	return catalog, nil
}

// openOrder returns the seated order of the requested table, creating one when
// there is none. Requests without a table always get a fresh order.
func (s *Service) openOrder(ctx context.Context, tx Tx, req SubmitRequest, now time.Time) (*Order, bool, error) {
	var t *table.Table
	if req.TableLabel != "" {
		found, err := tx.TableByLabel(ctx, req.TableLabel)
		if err != nil {
			return nil, false, err
		}
		locked, err := tx.LockTables(ctx, found.ID)
		if err != nil {
			return nil, false, errors.Wrap(err, "lock table")
		}
		if t = locked[found.ID]; t == nil || t.Label != req.TableLabel {
			// Renamed or removed between lookup and lock.
			return nil, false, ErrConflict
		}

		o, err := tx.LockLatestOrderForTable(ctx, t.ID, SeatedStatuses)
		if err != nil {
			return nil, false, errors.Wrap(err, "find table order")
		}
		if o != nil {
			if o.Status == StatusServed {
				o.Status = StatusConfirmed
			}
			return o, false, nil
		}
	}

	o := &Order{
		ID:           uuid.New().String(),
		Type:         req.Type,
		Status:       StatusPending,
		LineSubtotal: decimal.Zero,
		Discount:     Discount{Kind: DiscountFixed, Value: decimal.Zero},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t != nil {
		o.TableID = t.ID
		o.TableLabel = t.Label
	}
	if err := tx.CreateOrder(ctx, o); err != nil {
		return nil, false, errors.Wrap(err, "create order")
	}
	if t != nil && t.Status != table.StatusOccupied {
		if err := tx.SetTableStatus(ctx, t.ID, table.StatusOccupied); err != nil {
			return nil, false, errors.Wrap(err, "occupy table")
		}
	}
	return o, true, nil
}

// MarkServed flips every pending line item of the order to served.
func (s *Service) MarkServed(ctx context.Context, orderID string) (*Order, error) {
	var o *Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		n, err := tx.MarkItemsServed(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "mark items served")
		}
		if n == 0 {
			return nil
		}
		for i := range o.Items {
			o.Items[i].Status = ItemServed
		}
		o.UpdatedAt = s.now().UTC()
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventServed, o)
	return o, nil
}

// Cancel cancels an open order and frees its table when the order holds it.
// Recorded payments are kept.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	var (
		o       *Order
		changed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, _, err = LockOrderWithTables(ctx, tx, orderID)
		if err != nil {
			return err
		}
		switch o.Status {
		case StatusCancelled:
			return nil
		case StatusCompleted:
			return apperr.InvalidState("order %s is completed", o.ID)
		}

		seated := o.Status.Seated()
		o.Status = StatusCancelled
		o.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		if seated && o.TableID != "" {
			if err := tx.SetTableStatus(ctx, o.TableID, table.StatusFree); err != nil {
				return errors.Wrap(err, "free table")
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, EventCancelled, o)
	}
	return o, nil
}

// manualTransitions are the status moves staff may request directly.
// Financial and terminal states are owned by settlement and cancellation.
var manualTransitions = map[Status][]Status{
	StatusConfirmed: {StatusPending},
	StatusServed:    {StatusPending, StatusConfirmed, StatusPartial},
}

// UpdateStatus applies a manual status transition.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to Status) (*Order, error) {
	from, ok := manualTransitions[to]
	if !ok {
		if !to.Valid() {
			return nil, apperr.Validation("unknown status %q", to)
		}
		return nil, apperr.InvalidState("status %s cannot be set manually", to)
	}

	var o *Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if o.Status == to {
			return nil
		}
		allowed := false
		for _, st := range from {
			if o.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.InvalidState("cannot move order from %s to %s", o.Status, to)
		}
		o.Status = to
		o.UpdatedAt = s.now().UTC()
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventUpdated, o)
	return o, nil
}

// Get returns an order with its items and payments.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	var o *Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) publish(ctx context.Context, typ EventType, o *Order) {
	Publish(ctx, s.bus, Event{Type: typ, Order: o, At: s.now().UTC()})
}

// Publish sends ev through bus, logging and discarding any failure.
func Publish(ctx context.Context, bus Broadcaster, ev Event) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, ev); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("event", string(ev.Type)),
			zap.String("order_id", ev.Order.ID),
			zap.Error(err),
		)
	}
}
