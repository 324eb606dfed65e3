package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"engwewatch/internal/catalog"
	"engwewatch/internal/monitor"
)

const (
	baselineFile    = "baseline.json"
	historyFile     = "history.jsonl"
	baselineVersion = 1
)

type baselineDocument struct {
	Version    int                                `json:"version"`
	CapturedAt time.Time                          `json:"captured_at"`
	Products   map[string]catalog.ProductSnapshot `json:"products"`
}

// FileStore keeps the baseline as a single JSON document replaced by rename,
// and the history as an append-only JSON-lines file.
type FileStore struct {
	dir          string
	baselinePath string
	historyPath  string
	logger       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create store dir %s", dir)
	}
	return &FileStore{
		dir:          dir,
		baselinePath: filepath.Join(dir, baselineFile),
		historyPath:  filepath.Join(dir, historyFile),
		logger:       logger.With().Str("component", "file_store").Logger(),
	}, nil
}

// Load reads the committed baseline.
func (s *FileStore) Load(ctx context.Context) (*catalog.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	raw, err := os.ReadFile(s.baselinePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info().Str("path", s.baselinePath).Msg("no baseline found; treating as first run")
			return nil, nil
		}
		s.logger.Error().Err(err).Str("path", s.baselinePath).Msg("baseline unreadable; treating as first run")
		return nil, nil
	}

	snap, err := decodeBaseline(raw)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.baselinePath).Msg("baseline corrupt; treating as first run")
		return nil, nil
	}
	return snap, nil
}

func decodeBaseline(raw []byte) (*catalog.Snapshot, error) {
	var doc baselineDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode baseline"), ErrCorrupt)
	}
	if doc.Version != baselineVersion {
		return nil, errors.Mark(errors.Newf("unsupported baseline version %d", doc.Version), ErrCorrupt)
	}
	if doc.CapturedAt.IsZero() || doc.Products == nil {
		return nil, errors.Mark(errors.New("baseline missing capture time or products"), ErrCorrupt)
	}
	products := make([]catalog.ProductSnapshot, 0, len(doc.Products))
	for key, p := range doc.Products {
		if p.Key != key {
			return nil, errors.Mark(errors.Newf("baseline entry %q carries key %q", key, p.Key), ErrCorrupt)
		}
		products = append(products, p)
	}
	snap, err := catalog.NewSnapshot(doc.CapturedAt, products)
	if err != nil {
		return nil, errors.Mark(err, ErrCorrupt)
	}
	return snap, nil
}

// Commit replaces the baseline. The document is written to a temporary file
// in the same directory, synced, then renamed over the previous baseline so a
// crash never leaves a partial document under the baseline name.
func (s *FileStore) Commit(ctx context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return errors.New("commit: nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	payload, err := json.MarshalIndent(baselineDocument{
		Version:    baselineVersion,
		CapturedAt: snap.CapturedAt,
		Products:   snap.Products,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode baseline")
	}

	tmp, err := os.CreateTemp(s.dir, baselineFile+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp baseline")
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "write temp baseline")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "sync temp baseline")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "close temp baseline")
	}
	if err := os.Rename(tmpPath, s.baselinePath); err != nil {
		cleanup()
		return errors.Wrap(err, "replace baseline")
	}
	s.syncDir()

	s.logger.Debug().Int("products", snap.Len()).Time("captured_at", snap.CapturedAt).Msg("baseline committed")
	return nil
}

func (s *FileStore) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Debug().Err(err).Msg("directory sync unsupported")
	}
}

// AppendHistory appends entries as JSON lines in one write.
func (s *FileStore) AppendHistory(ctx context.Context, entries []monitor.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return errors.Wrap(err, "encode history entry")
		}
	}

	f, err := os.OpenFile(s.historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open history")
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "append history")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync history")
	}
	return nil
}

// RecentHistory returns up to limit entries, newest first. limit <= 0 returns
// everything. Undecodable lines are skipped and logged.
func (s *FileStore) RecentHistory(ctx context.Context, limit int) ([]monitor.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.historyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []monitor.HistoryEntry{}, nil
		}
		return nil, errors.Wrap(err, "open history")
	}
	defer f.Close()

	var all []monitor.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry monitor.HistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.logger.Warn().Err(err).Int("line", line).Msg("skipping corrupt history line")
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read history")
	}

	return newestFirst(all, limit), nil
}

func newestFirst(all []monitor.HistoryEntry, limit int) []monitor.HistoryEntry {
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]monitor.HistoryEntry, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		out = append(out, all[i])
	}
	return out
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*FileStore)(nil)
