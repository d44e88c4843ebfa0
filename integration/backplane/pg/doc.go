// Package pg is a scale-out backplane over PostgreSQL.
//
// Send allocates the next id of a stream from a counter row
// (UPDATE ... RETURNING keeps the row locked until commit), inserts the
// payload and calls pg_notify in the same transaction. Each node keeps one
// connection in LISTEN mode and, on every notification, reads the rows newer
// than the last id it delivered. Rows committed while the listener was
// reconnecting are picked up the same way. A trimmer keeps the newest
// RetainPayloads rows per stream.
//
//	if err := pg.Migrate(ctx, pool, log); err != nil {
//		return err
//	}
//	bp, err := pg.New(pool, pg.Config{StreamCount: 2, Channel: "signalbus"}, log)
//	bus, err := scaleout.New(bp, scaleout.WithLogger(log))
package pg
