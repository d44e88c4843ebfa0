package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/signalbus/core/config"
	"github.com/dmitrymomot/signalbus/core/health"
	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/scaleout"
	"github.com/dmitrymomot/signalbus/integration/backplane/memory"
	pgbackplane "github.com/dmitrymomot/signalbus/integration/backplane/pg"
	redisbackplane "github.com/dmitrymomot/signalbus/integration/backplane/redis"
	"github.com/dmitrymomot/signalbus/integration/database/pg"
	"github.com/dmitrymomot/signalbus/integration/database/redis"
)

// newBackplane connects the configured backplane. Readiness checks for the
// underlying connection are added to checks; release closes it and must be
// called after the bus is closed.
func newBackplane(ctx context.Context, kind string, streamCount int, log *slog.Logger, checks map[string]health.Check) (bp scaleout.Backplane, release func(), err error) {
	switch kind {
	case backplaneMemory:
		return memory.New(memory.NewHub(streamCount), log), func() {}, nil

	case backplaneRedis:
		var dbCfg redis.Config
		if err := config.Load(&dbCfg); err != nil {
			return nil, nil, err
		}
		var bpCfg redisbackplane.Config
		if err := config.Load(&bpCfg); err != nil {
			return nil, nil, err
		}
		bpCfg.StreamCount = streamCount

		client, err := redis.Connect(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		release = func() {
			if err := client.Close(); err != nil {
				log.Warn("failed to close redis client", logger.Error(err))
			}
		}

		b, err := redisbackplane.New(client, bpCfg, log)
		if err != nil {
			release()
			return nil, nil, err
		}
		checks["redis"] = redis.Healthcheck(client)
		return b, release, nil

	case backplanePG:
		var dbCfg pg.Config
		if err := config.Load(&dbCfg); err != nil {
			return nil, nil, err
		}
		var bpCfg pgbackplane.Config
		if err := config.Load(&bpCfg); err != nil {
			return nil, nil, err
		}
		bpCfg.StreamCount = streamCount

		pool, err := pg.Connect(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		release = pool.Close

		migrationLog := log.With(logger.Component("migration"))
		if err := pgbackplane.Migrate(ctx, pool, migrationLog); err != nil {
			release()
			return nil, nil, err
		}
		// application migrations sharing the database, if any
		if dbCfg.MigrationsPath != "" {
			if err := pg.Migrate(ctx, pool, dbCfg, migrationLog); err != nil {
				release()
				return nil, nil, err
			}
		}

		b, err := pgbackplane.New(pool, bpCfg, log)
		if err != nil {
			release()
			return nil, nil, err
		}
		checks["postgres"] = pg.Healthcheck(pool)
		return b, release, nil
	}
	return nil, nil, fmt.Errorf("unknown backplane %q", kind)
}

// streamsOpen fails while any stream is not accepting sends.
func streamsOpen(b *scaleout.Bus) health.Check {
	return func(context.Context) error {
		streams := b.Streams()
		for i := range streams.Count() {
			if state := streams.Stream(i).State(); state != scaleout.StreamOpen {
				return fmt.Errorf("stream %d is %s", i, state)
			}
		}
		return nil
	}
}
