package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txKey struct{}

// WithTx stores tx in ctx. A nil tx leaves ctx unchanged.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored by WithTx.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// Begin starts a transaction on pool, or a savepoint inside the transaction
// carried by ctx. Work committed in a savepoint becomes visible only when
// the outer transaction commits.
func Begin(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	if outer, ok := TxFromContext(ctx); ok {
		return outer.Begin(ctx)
	}
	return pool.Begin(ctx)
}
