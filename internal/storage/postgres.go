package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"engwewatch/internal/catalog"
	"engwewatch/internal/monitor"
)

const (
	postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS baseline_meta (
    id          SMALLINT PRIMARY KEY CHECK (id = 1),
    captured_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS baseline_products (
    handle    TEXT PRIMARY KEY,
    title     TEXT NOT NULL,
    url       TEXT NOT NULL DEFAULT '',
    price     NUMERIC NOT NULL,
    stock     INTEGER,
    available BOOLEAN NOT NULL,
    variants  TEXT[] NOT NULL DEFAULT '{}',
    images    TEXT[] NOT NULL DEFAULT '{}',
    last_seen TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS monitoring_logs (
    id          BIGSERIAL PRIMARY KEY,
    ts          TIMESTAMPTZ NOT NULL,
    event_type  TEXT NOT NULL,
    message     TEXT NOT NULL,
    product_key TEXT NOT NULL DEFAULT '',
    scan_id     TEXT NOT NULL DEFAULT ''
);`

	selectBaselineMetaSQL = `SELECT captured_at FROM baseline_meta WHERE id = 1;`

	selectBaselineProductsSQL = `SELECT
        handle,
        title,
        url,
        price::text,
        stock,
        available,
        variants,
        images,
        last_seen
    FROM baseline_products;`

	clearBaselineProductsSQL = `DELETE FROM baseline_products;`

	insertBaselineProductSQL = `INSERT INTO baseline_products (
        handle, title, url, price, stock, available, variants, images, last_seen
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	upsertBaselineMetaSQL = `INSERT INTO baseline_meta (id, captured_at) VALUES (1, $1)
    ON CONFLICT (id) DO UPDATE SET captured_at = EXCLUDED.captured_at;`

	insertHistorySQL = `INSERT INTO monitoring_logs (ts, event_type, message, product_key, scan_id)
    VALUES ($1,$2,$3,$4,$5);`

	listRecentHistorySQL = `SELECT ts, event_type, message, product_key, scan_id
    FROM monitoring_logs
    ORDER BY id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore keeps baseline and history in PostgreSQL.
type PostgresStore struct {
	pool    *pgxpool.Pool
	lockKey int64
	logger  zerolog.Logger
}

// NewPostgresStore wires a pgx pool into a store and applies the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, lockKey int64, logger zerolog.Logger) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:    pool,
		lockKey: lockKey,
		logger:  logger.With().Str("component", "postgres_store").Logger(),
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return nil, errors.Wrap(err, "migrate postgres schema")
	}
	return s, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryScanLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryScanLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 {
		return func() {}, true, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire connection")
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, s.lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "try advisory lock")
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, s.lockKey); err != nil {
			s.logger.Warn().Err(err).Int64("lock_key", s.lockKey).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// Load reads the committed baseline.
func (s *PostgresStore) Load(ctx context.Context) (*catalog.Snapshot, error) {
	var capturedAt time.Time
	err := s.pool.QueryRow(ctx, selectBaselineMetaSQL).Scan(&capturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Info().Msg("no baseline found; treating as first run")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query baseline meta")
	}

	rows, err := s.pool.Query(ctx, selectBaselineProductsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "query baseline products")
	}
	defer rows.Close()

	products := make([]catalog.ProductSnapshot, 0)
	for rows.Next() {
		var (
			p        catalog.ProductSnapshot
			priceStr string
			stock    *int32
		)
		if err := rows.Scan(&p.Key, &p.Title, &p.URL, &priceStr, &stock, &p.Available, &p.Variants, &p.Images, &p.LastSeen); err != nil {
			return nil, errors.Wrap(err, "scan baseline product")
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			s.logger.Error().Err(convErr).Str("key", p.Key).Msg("baseline price corrupt; treating as first run")
			return nil, nil
		}
		p.Price = price
		if stock != nil {
			p.Stock = catalog.KnownStock(int(*stock))
		} else {
			p.Stock = catalog.UnknownStock()
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate baseline products")
	}

	snap, err := catalog.NewSnapshot(capturedAt, products)
	if err != nil {
		s.logger.Error().Err(err).Msg("baseline corrupt; treating as first run")
		return nil, nil
	}
	return snap, nil
}

// Commit replaces the baseline inside one transaction.
func (s *PostgresStore) Commit(ctx context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return errors.New("commit: nil snapshot")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin baseline commit")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, clearBaselineProductsSQL); err != nil {
		return errors.Wrap(err, "clear baseline products")
	}

	batch := &pgx.Batch{}
	for _, key := range snap.Keys() {
		p := snap.Products[key]
		var stock *int32
		if p.Stock.Known {
			q := int32(p.Stock.Quantity)
			stock = &q
		}
		batch.Queue(insertBaselineProductSQL,
			p.Key, p.Title, p.URL, p.Price.String(), stock, p.Available, p.Variants, p.Images, p.LastSeen,
		)
	}
	batch.Queue(upsertBaselineMetaSQL, snap.CapturedAt)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "write baseline batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit baseline")
	}
	return nil
}

// AppendHistory inserts entries in order inside one transaction.
func (s *PostgresStore) AppendHistory(ctx context.Context, entries []monitor.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin history append")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertHistorySQL, e.Timestamp, string(e.Category), e.Message, e.Key, e.ScanID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "insert history batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit history")
	}
	return nil
}

// RecentHistory returns up to limit entries, newest first.
func (s *PostgresStore) RecentHistory(ctx context.Context, limit int) ([]monitor.HistoryEntry, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, listRecentHistorySQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent history")
	}
	defer rows.Close()

	entries := make([]monitor.HistoryEntry, 0)
	for rows.Next() {
		var (
			e        monitor.HistoryEntry
			category string
		)
		if err := rows.Scan(&e.Timestamp, &category, &e.Message, &e.Key, &e.ScanID); err != nil {
			return nil, errors.Wrap(err, "scan history entry")
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Category = monitor.EntryKind(category)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate history")
	}
	return entries, nil
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ ScanLocker = (*PostgresStore)(nil)
)
