package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"engwewatch/internal/catalog"
	"engwewatch/internal/config"
	"engwewatch/internal/monitor"
)

var (
	// ErrCorrupt marks a baseline that exists but cannot be decoded.
	ErrCorrupt = errors.New("storage: baseline corrupt")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
)

// SnapshotStore persists the most recent full catalog capture.
//
// Load returns (nil, nil) when there is no usable baseline, including a
// corrupt one; the corruption is logged, not returned. Only infrastructure
// failures (an unreachable database) surface as errors.
type SnapshotStore interface {
	Load(ctx context.Context) (*catalog.Snapshot, error)
	Commit(ctx context.Context, snap *catalog.Snapshot) error
}

// HistoryStore is the append-only event history.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entries []monitor.HistoryEntry) error
	// RecentHistory returns up to limit entries, newest first.
	RecentHistory(ctx context.Context, limit int) ([]monitor.HistoryEntry, error)
}

// Store aggregates baseline and history persistence.
type Store interface {
	SnapshotStore
	HistoryStore
	Close() error
}

// ScanLocker is implemented by stores that can exclude concurrent scans
// across processes.
type ScanLocker interface {
	TryScanLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// Open selects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Dir, logger)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath, logger)
	case "postgres":
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store, err := NewPostgresStore(ctx, pool, cfg.AdvisoryLockKey, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
	}
}
