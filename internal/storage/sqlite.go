package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"engwewatch/internal/catalog"
	"engwewatch/internal/monitor"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS baseline_meta (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	captured_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS baseline_products (
	handle     TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	url        TEXT NOT NULL DEFAULT '',
	price      TEXT NOT NULL,
	stock      INTEGER,
	available  BOOLEAN NOT NULL,
	variants   TEXT NOT NULL,
	images     TEXT NOT NULL,
	last_seen  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS monitoring_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	message     TEXT NOT NULL,
	product_key TEXT NOT NULL DEFAULT '',
	scan_id     TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore keeps baseline and history in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create sqlite dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger.With().Str("component", "sqlite_store").Logger()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return errors.Wrap(err, "migrate sqlite schema")
	}
	return nil
}

// Load reads the committed baseline.
func (s *SQLiteStore) Load(ctx context.Context) (*catalog.Snapshot, error) {
	var capturedRaw string
	err := s.db.QueryRowContext(ctx, `SELECT captured_at FROM baseline_meta WHERE id = 1`).Scan(&capturedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info().Msg("no baseline found; treating as first run")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query baseline meta")
	}
	capturedAt, err := time.Parse(time.RFC3339Nano, capturedRaw)
	if err != nil {
		s.logger.Error().Err(err).Msg("baseline capture time corrupt; treating as first run")
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT handle, title, url, price, stock, available, variants, images, last_seen FROM baseline_products`)
	if err != nil {
		return nil, errors.Wrap(err, "query baseline products")
	}
	defer rows.Close()

	var products []catalog.ProductSnapshot
	for rows.Next() {
		var (
			p                      catalog.ProductSnapshot
			priceRaw, lastSeenRaw  string
			variantsRaw, imagesRaw string
			stock                  sql.NullInt64
		)
		if err := rows.Scan(&p.Key, &p.Title, &p.URL, &priceRaw, &stock, &p.Available, &variantsRaw, &imagesRaw, &lastSeenRaw); err != nil {
			return nil, errors.Wrap(err, "scan baseline product")
		}
		if err := decodeSQLiteProduct(&p, priceRaw, stock, variantsRaw, imagesRaw, lastSeenRaw); err != nil {
			s.logger.Error().Err(err).Str("key", p.Key).Msg("baseline row corrupt; treating as first run")
			return nil, nil
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

func decodeSQLiteProduct(p *catalog.ProductSnapshot, priceRaw string, stock sql.NullInt64, variantsRaw, imagesRaw, lastSeenRaw string) error {
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "parse price"), ErrCorrupt)
	}
	p.Price = price
	if stock.Valid {
		p.Stock = catalog.KnownStock(int(stock.Int64))
	} else {
		p.Stock = catalog.UnknownStock()
	}
	if err := json.Unmarshal([]byte(variantsRaw), &p.Variants); err != nil {
		return errors.Mark(errors.Wrap(err, "parse variants"), ErrCorrupt)
	}
	if err := json.Unmarshal([]byte(imagesRaw), &p.Images); err != nil {
		return errors.Mark(errors.Wrap(err, "parse images"), ErrCorrupt)
	}
	p.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeenRaw)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "parse last_seen"), ErrCorrupt)
	}
	return nil
}

// Commit replaces the baseline inside one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return errors.New("commit: nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin baseline commit")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_products`); err != nil {
		return errors.Wrap(err, "clear baseline products")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO baseline_products
		(handle, title, url, price, stock, available, variants, images, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare baseline insert")
	}
	defer stmt.Close()

	for _, key := range snap.Keys() {
		p := snap.Products[key]
		variants, _ := json.Marshal(p.Variants)
		images, _ := json.Marshal(p.Images)
		var stock interface{}
		if p.Stock.Known {
			stock = p.Stock.Quantity
		}
		if _, err := stmt.ExecContext(ctx,
			p.Key, p.Title, p.URL, p.Price.String(), stock, p.Available,
			string(variants), string(images), p.LastSeen.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return errors.Wrapf(err, "insert baseline product %s", p.Key)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO baseline_meta (id, captured_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET captured_at = excluded.captured_at`,
		snap.CapturedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return errors.Wrap(err, "upsert baseline meta")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit baseline")
	}
	return nil
}

// AppendHistory inserts entries in order inside one transaction.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entries []monitor.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin history append")
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO monitoring_logs (timestamp, event_type, message, product_key, scan_id) VALUES (?, ?, ?, ?, ?)`,
			e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Category), e.Message, e.Key, e.ScanID,
		); err != nil {
			return errors.Wrap(err, "insert history entry")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit history")
	}
	return nil
}

// RecentHistory returns up to limit entries, newest first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, limit int) ([]monitor.HistoryEntry, error) {
	query := `SELECT timestamp, event_type, message, product_key, scan_id FROM monitoring_logs ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	entries := make([]monitor.HistoryEntry, 0)
	for rows.Next() {
		var (
			e        monitor.HistoryEntry
			tsRaw    string
			category string
		)
		if err := rows.Scan(&tsRaw, &category, &e.Message, &e.Key, &e.ScanID); err != nil {
			return nil, errors.Wrap(err, "scan history entry")
		}
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			s.logger.Warn().Err(err).Str("timestamp", tsRaw).Msg("skipping history entry with bad timestamp")
			continue
		}
		e.Timestamp = ts
		e.Category = monitor.EntryKind(category)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate history")
	}
	return entries, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
