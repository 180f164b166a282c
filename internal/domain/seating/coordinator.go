// Package seating moves bills between tables and keeps table occupancy in
// step with the orders bound to them.
package seating

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/table"
)

// ShiftResult describes a completed order move.
type ShiftResult struct {
	Order *order.Order
	From  *table.Table
	To    *table.Table
}

// Coordinator implements table shifts and renames.
type Coordinator struct {
	store order.Store
	bus   order.Broadcaster
	now   func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store order.Store, bus order.Broadcaster) *Coordinator {
	return &Coordinator{store: store, bus: bus, now: time.Now}
}

// Shift moves a seated order to a free table.
func (c *Coordinator) Shift(ctx context.Context, orderID, targetTableID string) (*ShiftResult, error) {
	if targetTableID == "" {
		return nil, apperr.Validation("target table required")
	}

	var res *ShiftResult
	err := c.store.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		o, tables, err := order.LockOrderWithTables(ctx, tx, orderID, targetTableID)
		if err != nil {
			return err
		}
		target := tables[targetTableID]
		if target == nil {
			return apperr.NotFound("table", targetTableID)
		}
		if o.TableID == target.ID {
			return apperr.InvalidState("order %s is already at table %s", o.ID, target.Label)
		}
		if target.Status != table.StatusFree {
			return apperr.InvalidState("table %s is %s", target.Label, target.Status)
		}
		if !o.Status.Seated() {
			return apperr.InvalidState("order %s is %s", o.ID, o.Status)
		}

		source := tables[o.TableID]
		o.TableID = target.ID
		o.TableLabel = target.Label
		o.UpdatedAt = c.now().UTC()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "rebind order")
		}
		if source != nil {
			if err := tx.SetTableStatus(ctx, source.ID, table.StatusFree); err != nil {
				return errors.Wrap(err, "free source table")
			}
			source.Status = table.StatusFree
		}
		if err := tx.SetTableStatus(ctx, target.ID, table.StatusOccupied); err != nil {
			return errors.Wrap(err, "occupy target table")
		}
		target.Status = table.StatusOccupied

		res = &ShiftResult{Order: o, From: source, To: target}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("order_id", res.Order.ID),
		zap.String("to", res.To.Label),
	}
	if res.From != nil {
		fields = append(fields, zap.String("from", res.From.Label))
	}
	zctx.From(ctx).Info("Shifted order", fields...)
	order.Publish(ctx, c.bus, order.Event{Type: order.EventShifted, Order: res.Order, At: c.now().UTC()})
	return res, nil
}

// ShiftByTablePair moves every open order of an occupied table to a free one
// and returns the number of orders moved.
func (c *Coordinator) ShiftByTablePair(ctx context.Context, fromTableID, toTableID string) (int64, error) {
	if fromTableID == "" || toTableID == "" {
		return 0, apperr.Validation("source and target tables required")
	}
	if fromTableID == toTableID {
		return 0, apperr.InvalidState("source and target table are the same")
	}

	var moved int64
	err := c.store.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		tables, err := tx.LockTables(ctx, fromTableID, toTableID)
		if err != nil {
			return errors.Wrap(err, "lock tables")
		}
		from, to := tables[fromTableID], tables[toTableID]
		switch {
		case from == nil:
			return apperr.NotFound("table", fromTableID)
		case to == nil:
			return apperr.NotFound("table", toTableID)
		case from.Status != table.StatusOccupied:
			return apperr.InvalidState("table %s is %s", from.Label, from.Status)
		case to.Status != table.StatusFree:
			return apperr.InvalidState("table %s is %s", to.Label, to.Status)
		}

		if moved, err = tx.ReassignOrders(ctx, from.ID, to.ID, order.OpenStatuses); err != nil {
			return errors.Wrap(err, "reassign orders")
		}
		if err := tx.SetTableStatus(ctx, from.ID, table.StatusFree); err != nil {
			return errors.Wrap(err, "free source table")
		}
		if err := tx.SetTableStatus(ctx, to.ID, table.StatusOccupied); err != nil {
			return errors.Wrap(err, "occupy target table")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	zctx.From(ctx).Info("Shifted table",
		zap.String("from", fromTableID),
		zap.String("to", toTableID),
		zap.Int64("orders", moved),
	)
	return moved, nil
}

// RenameTable changes a table label. Bound orders read the label through
// the table, so they see the new one immediately.
func (c *Coordinator) RenameTable(ctx context.Context, tableID, label string) (*table.Table, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, apperr.Validation("table label required")
	}

	var t *table.Table
	err := c.store.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		tables, err := tx.LockTables(ctx, tableID)
		if err != nil {
			return errors.Wrap(err, "lock table")
		}
		if t = tables[tableID]; t == nil {
			return apperr.NotFound("table", tableID)
		}
		if t.Label == label {
			return nil
		}

		taken, err := tx.TableByLabel(ctx, label)
		switch {
		case err == nil && taken.ID != t.ID:
			return apperr.InvalidState("table label %q is taken", label)
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return errors.Wrap(err, "lookup label")
		}

		if err := tx.RenameTable(ctx, t.ID, label); err != nil {
			return errors.Wrap(err, "rename table")
		}
		t.Label = label
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
