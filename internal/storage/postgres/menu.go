package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/tablepos/internal/domain/menu"
)

const getMenuItemsByIDsSQL = `SELECT id, name, price, available FROM menu_items WHERE id = ANY($1)`

var _ menu.Lookup = (*MenuRepository)(nil)

// MenuRepository implements menu.Lookup backed by PostgreSQL.
type MenuRepository struct {
	pool *pgxpool.Pool
}

// NewMenuRepository returns a MenuRepository that uses the given pool.
func NewMenuRepository(pool *pgxpool.Pool) *MenuRepository {
	return &MenuRepository{pool: pool}
}

// GetByIDs returns menu items matching any of the given IDs. It runs on the
// pool, outside of any order transaction.
func (r *MenuRepository) GetByIDs(ctx context.Context, ids []string) ([]menu.Item, error) {
	rows, err := r.pool.Query(ctx, getMenuItemsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting menu items by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanMenuItem)
}

func scanMenuItem(row pgx.CollectableRow) (menu.Item, error) {
	var mi menu.Item
	if err := row.Scan(&mi.ID, &mi.Name, &mi.Price, &mi.Available); err != nil {
		return menu.Item{}, err
	}
	return mi, nil
}
