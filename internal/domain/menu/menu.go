package menu

import (
	"context"

	"github.com/shopspring/decimal"
)

// Item is the current catalog snapshot of a menu item.
type Item struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Available bool
}

// Lookup resolves menu item identifiers to their current price and
// availability. Identifiers with no catalog entry are absent from the result.
type Lookup interface {
	GetByIDs(ctx context.Context, ids []string) ([]Item, error)
}
