package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/table"
)

const (
	upsertTableSQL = `INSERT INTO dining_tables (id, label, capacity, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label, capacity = EXCLUDED.capacity, updated_at = now()`

	upsertMenuItemSQL = `INSERT INTO menu_items (id, name, price, available)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, available = EXCLUDED.available`
)

// Catalog writes the table registry and menu. It is used by administration
// tooling; the order core never creates tables or menu items.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog returns a Catalog that uses the given pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// UpsertTable creates a table or updates its label and capacity. The status
// of an existing table is left alone.
func (c *Catalog) UpsertTable(ctx context.Context, t table.Table) error {
	status := t.Status
	if status == "" {
		status = table.StatusFree
	}
	if _, err := c.pool.Exec(ctx, upsertTableSQL, t.ID, t.Label, t.Capacity, string(status)); err != nil {
		return fmt.Errorf("upserting table %q: %w", t.ID, err)
	}
	return nil
}

// UpsertMenuItem creates or replaces a menu item.
func (c *Catalog) UpsertMenuItem(ctx context.Context, mi menu.Item) error {
	if _, err := c.pool.Exec(ctx, upsertMenuItemSQL, mi.ID, mi.Name, mi.Price, mi.Available); err != nil {
		return fmt.Errorf("upserting menu item %q: %w", mi.ID, err)
	}
	return nil
}
