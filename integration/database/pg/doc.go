// Package pg manages PostgreSQL connectivity: a pgx pool with retrying
// Connect, goose migrations and a health check.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, log); err != nil {
//		return err
//	}
//	checks["postgres"] = pg.Healthcheck(pool)
//
// MigrateFS runs migrations from any fs.FS, which lets packages that embed
// their schema keep a version table of their own.
//
// WithTx and TxFromContext carry a pgx.Tx through a context so that code
// further down, such as the Postgres backplane, joins the caller's
// transaction instead of opening one.
package pg
