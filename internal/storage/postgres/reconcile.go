package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/tablepos/internal/domain/order"
)

const (
	listReferencesSQL = `SELECT reference FROM payments WHERE method = $1 AND reference IS NOT NULL`

	existingReferencesSQL = `SELECT reference FROM payments WHERE method = $1 AND reference = ANY($2)`
)

// PaymentReferences reads gateway references of recorded payments.
type PaymentReferences struct {
	pool *pgxpool.Pool
}

// NewPaymentReferences returns a PaymentReferences that uses the given pool.
func NewPaymentReferences(pool *pgxpool.Pool) *PaymentReferences {
	return &PaymentReferences{pool: pool}
}

// Each calls fn for every reference recorded with method.
func (r *PaymentReferences) Each(ctx context.Context, method order.PaymentMethod, fn func(ref string)) (int, error) {
	rows, err := r.pool.Query(ctx, listReferencesSQL, string(method))
	if err != nil {
		return 0, fmt.Errorf("listing %s references: %w", method, err)
	}
	defer rows.Close()

	var (
		n   int
		ref string
	)
	_, err = pgx.ForEachRow(rows, []any{&ref}, func() error {
		fn(ref)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("listing %s references: %w", method, err)
	}
	return n, nil
}

// Existing returns the subset of refs recorded with method.
func (r *PaymentReferences) Existing(ctx context.Context, method order.PaymentMethod, refs []string) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx, existingReferencesSQL, string(method), refs)
	if err != nil {
		return nil, fmt.Errorf("checking %s references: %w", method, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("checking %s references: %w", method, err)
	}

	out := make(map[string]struct{}, len(found))
	for _, ref := range found {
		out[ref] = struct{}{}
	}
	return out, nil
}
