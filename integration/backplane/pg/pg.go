package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/scaleout"
	pgdb "github.com/dmitrymomot/signalbus/integration/database/pg"
)

var ErrClosed = errors.New("pg backplane: closed")

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsTable records the backplane schema version apart from the
// application's own migrations.
const MigrationsTable = "signalbus_backplane_migrations"

// Migrate creates or upgrades the backplane tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	return pgdb.MigrateFS(ctx, pool, migrations, "migrations", MigrationsTable, log)
}

const (
	nextIDQuery = `INSERT INTO signalbus_streams (stream_index, last_id) VALUES ($1, 1)
ON CONFLICT (stream_index) DO UPDATE SET last_id = signalbus_streams.last_id + 1
RETURNING last_id`
	insertQuery = `INSERT INTO signalbus_payloads (stream_index, payload_id, payload) VALUES ($1, $2, $3)`
	notifyQuery = `SELECT pg_notify($1, $2)`
	lastIDQuery = `SELECT COALESCE(MAX(payload_id), 0) FROM signalbus_payloads WHERE stream_index = $1`
	readQuery   = `SELECT payload_id, payload FROM signalbus_payloads
WHERE stream_index = $1 AND payload_id > $2 ORDER BY payload_id`
	trimQuery = `DELETE FROM signalbus_payloads
WHERE stream_index = $1 AND payload_id <= (SELECT last_id FROM signalbus_streams WHERE stream_index = $1) - $2`
)

// Backplane stores payloads in signalbus_payloads and announces them with
// NOTIFY. Ids come from a counter row that stays locked until the sending
// transaction commits, so rows become visible in id order.
type Backplane struct {
	pool     *pgxpool.Pool
	cfg      Config
	logger   *slog.Logger
	channels []string

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastIDs []uint64 // listener goroutine only
}

var _ scaleout.Backplane = (*Backplane)(nil)

// New creates a backplane over pool. Migrate must have been applied.
func New(pool *pgxpool.Pool, cfg Config, log *slog.Logger) (*Backplane, error) {
	if cfg.StreamCount <= 0 {
		return nil, scaleout.ErrInvalidStreamCount
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultConfig().Channel
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Backplane{
		pool:     pool,
		cfg:      cfg,
		logger:   log.With(logger.Component("pg_backplane")),
		channels: make([]string, cfg.StreamCount),
		lastIDs:  make([]uint64, cfg.StreamCount),
	}
	for i := range b.channels {
		b.channels[i] = ChannelName(cfg.Channel, i)
	}
	return b, nil
}

// ChannelName is the NOTIFY channel of stream index.
func ChannelName(channel string, index int) string {
	return channel + "_" + strconv.Itoa(index)
}

func (b *Backplane) StreamCount() int {
	return b.cfg.StreamCount
}

// Send stores payload under the next id of the stream and notifies
// listeners. When ctx carries a transaction (see pg.WithTx) the payload
// becomes visible only when that transaction commits.
func (b *Backplane) Send(ctx context.Context, streamIndex int, payload []byte) error {
	if streamIndex < 0 || streamIndex >= len(b.channels) {
		return scaleout.ErrInvalidStreamIndex
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	tx, err := pgdb.Begin(ctx, b.pool)
	if err != nil {
		return fmt.Errorf("pg backplane: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if err := tx.QueryRow(ctx, nextIDQuery, streamIndex).Scan(&id); err != nil {
		return fmt.Errorf("pg backplane: allocate id on stream %d: %w", streamIndex, err)
	}
	if _, err := tx.Exec(ctx, insertQuery, streamIndex, id, payload); err != nil {
		return fmt.Errorf("pg backplane: insert payload %d: %w", id, err)
	}
	if _, err := tx.Exec(ctx, notifyQuery, b.channels[streamIndex], strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("pg backplane: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pg backplane: commit: %w", err)
	}
	return nil
}

// Start begins listening. Existing rows are skipped: a node only receives
// payloads stored after it started.
func (b *Backplane) Start(ctx context.Context, r scaleout.Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	for i := range b.lastIDs {
		var last int64
		if err := b.pool.QueryRow(ctx, lastIDQuery, i).Scan(&last); err != nil {
			if pgdb.IsUndefinedTableError(err) {
				return fmt.Errorf("pg backplane: schema missing, run Migrate: %w", err)
			}
			return fmt.Errorf("pg backplane: read last id: %w", err)
		}
		b.lastIDs[i] = uint64(last)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.started = true
	b.cancel = cancel

	b.wg.Add(1)
	go b.listen(loopCtx, r)
	if b.cfg.TrimInterval > 0 && b.cfg.RetainPayloads > 0 {
		b.wg.Add(1)
		go b.trim(loopCtx)
	}
	return nil
}

// listen holds one pooled connection in LISTEN mode and reconnects on failure.
func (b *Backplane) listen(ctx context.Context, r scaleout.Receiver) {
	defer b.wg.Done()
	for ctx.Err() == nil {
		err := b.listenOnce(ctx, r)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("listener failed, reconnecting", logger.Error(err))
		for i := range b.channels {
			r.OnError(i, err)
		}

		t := time.NewTimer(b.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (b *Backplane) listenOnce(ctx context.Context, r scaleout.Receiver) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// a connection left in LISTEN mode must not go back to the pool
	defer conn.Release()
	defer func() { _ = conn.Conn().Close(context.Background()) }()

	for _, ch := range b.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	// rows committed while not listening
	for i := range b.channels {
		if err := b.catchUp(ctx, i, r); err != nil {
			return err
		}
		r.Open(i)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		i := b.streamIndex(n.Channel)
		if i < 0 {
			continue
		}
		// one read may cover several notifications; later ones find nothing
		if err := b.catchUp(ctx, i, r); err != nil {
			return err
		}
	}
}

// catchUp delivers the rows of stream i newer than the last delivered id.
func (b *Backplane) catchUp(ctx context.Context, i int, r scaleout.Receiver) error {
	rows, err := b.pool.Query(ctx, readQuery, i, int64(b.lastIDs[i]))
	if err != nil {
		return fmt.Errorf("read stream %d: %w", i, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan stream %d: %w", i, err)
		}
		b.lastIDs[i] = uint64(id)

		p, err := scaleout.DecodePayload(raw)
		if err != nil {
			b.logger.Error("dropping undecodable payload",
				logger.Stream(i),
				logger.PayloadID(uint64(id)),
				logger.Error(err))
			continue
		}
		r.OnReceived(i, uint64(id), p)
	}
	return rows.Err()
}

func (b *Backplane) trim(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range b.channels {
			tag, err := b.pool.Exec(ctx, trimQuery, i, b.cfg.RetainPayloads)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("trim failed", logger.Stream(i), logger.Error(err))
				}
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				b.logger.Debug("trimmed payloads", logger.Stream(i), logger.Count("rows", int(n)))
			}
		}
	}
}

func (b *Backplane) streamIndex(channel string) int {
	prefix := b.cfg.Channel + "_"
	if !strings.HasPrefix(channel, prefix) {
		return -1
	}
	i, err := strconv.Atoi(channel[len(prefix):])
	if err != nil || i < 0 || i >= len(b.channels) {
		return -1
	}
	return i
}

// Close stops the listener and the trimmer. The pool is owned by the caller.
func (b *Backplane) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}
