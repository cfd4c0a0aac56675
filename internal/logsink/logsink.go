// Package logsink implements the rotating, date-partitioned log sink
// (spec §4.F): every LogEntry is durably appended to a JSON-array file
// named by the entry's UTC date, rolling to a new numbered file once
// MaxLogsPerFile is reached, with a retention sweep that deletes files
// older than LogRetentionDays and an optional post-append subscriber
// callback for a live push channel.
//
// A SQLite side-table indexes entry metadata (id, file, timestamp, kind)
// so date-range and kind-filtered retrieval queries don't require
// scanning every JSON file. The JSON files remain the source of truth;
// the index is rebuilt from them whenever it's found to be stale.
package logsink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/filebridge/engine/internal/core"
)

// Subscriber receives a copy of every entry immediately after it is
// durably appended. A subscriber's error is logged and otherwise
// swallowed — the log sink's own durability never depends on a
// subscriber's success.
type Subscriber func(core.LogEntry) error

// dateCache holds the in-memory state for one date partition: the
// entries already flushed to the current file and which numbered file
// is currently being written to.
type dateCache struct {
	entries           []core.LogEntry
	currentFileNumber int
}

// Sink is the durable, rotating log sink for one engine instance. All
// profiles share one Sink rooted at a single LogDirectory.
type Sink struct {
	dir            string
	maxPerFile     int
	retentionDays  int
	logger         *slog.Logger
	subscriber     Subscriber

	mu    sync.Mutex
	cache map[string]*dateCache // date "YYYYMMDD" -> cache

	db *sql.DB

	stopRetention chan struct{}
	retentionDone chan struct{}
}

// Open creates the log directory if needed, opens (or creates) the
// retrieval index database inside it, and returns a ready Sink. Call
// Close when done to stop the retention sweep goroutine.
func Open(dir string, maxPerFile, retentionDays int, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: create directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("logsink: open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logsink: set WAL mode: %w", err)
	}
	if _, err := db.Exec(indexDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logsink: apply index schema: %w", err)
	}

	s := &Sink{
		dir:           dir,
		maxPerFile:    maxPerFile,
		retentionDays: retentionDays,
		logger:        logger,
		cache:         make(map[string]*dateCache),
		db:            db,
		stopRetention: make(chan struct{}),
		retentionDone: make(chan struct{}),
	}

	if err := s.rebuildStaleIndex(); err != nil {
		logger.Warn("logsink: index self-heal failed, continuing with on-disk files as source of truth",
			slog.Any("error", err))
	}

	go s.retentionLoop()

	return s, nil
}

const indexDDL = `
CREATE TABLE IF NOT EXISTS log_index (
    id          TEXT PRIMARY KEY,
    file_path   TEXT NOT NULL,
    line_offset INTEGER NOT NULL,
    ts          TEXT NOT NULL,
    kind        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_index_ts ON log_index (ts);
CREATE INDEX IF NOT EXISTS idx_log_index_kind ON log_index (kind);
`

// SetSubscriber installs (or replaces) the post-append callback. Pass nil
// to remove it.
func (s *Sink) SetSubscriber(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriber = sub
}

// Append durably records entry, assigning it an ID if one is not already
// set, rolling to a new numbered file for the date if the current file
// has reached maxPerFile entries, and notifying the subscriber (if any)
// after the write succeeds.
func (s *Sink) Append(entry core.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	date := entry.Timestamp.UTC().Format("20060102")
	dc, ok := s.cache[date]
	if !ok {
		dc = s.loadLatestCache(date)
		s.cache[date] = dc
	}

	if len(dc.entries) >= s.maxPerFile {
		dc.currentFileNumber++
		dc.entries = nil
	}
	dc.entries = append(dc.entries, entry)

	path := filePathFor(s.dir, date, dc.currentFileNumber)
	data, err := json.MarshalIndent(dc.entries, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("logsink: marshal entries: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("logsink: write %q: %w", path, err)
	}

	lineOffset := len(dc.entries) - 1
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO log_index (id, file_path, line_offset, ts, kind) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, path, lineOffset, entry.Timestamp.UTC().Format(time.RFC3339Nano), string(entry.Kind),
	); err != nil {
		s.logger.Warn("logsink: index upsert failed, JSON file remains correct",
			slog.Any("error", err))
	}
	s.mu.Unlock()

	if s.subscriber != nil {
		if err := s.subscriber(entry); err != nil {
			s.logger.Warn("logsink: subscriber callback failed",
				slog.String("id", entry.ID), slog.Any("error", err))
		}
	}

	return nil
}

// loadLatestCache reads whatever numbered files already exist for date
// (e.g. after a restart) and returns the cache positioned at the highest
// file number found, so Append continues rather than overwriting. Must
// be called with s.mu held.
func (s *Sink) loadLatestCache(date string) *dateCache {
	dc := &dateCache{}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return dc
	}

	prefix := fmt.Sprintf("filebridge_monitor_%s", date)
	highest := -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		n := fileNumberFromName(name, date)
		if n > highest {
			highest = n
		}
	}
	if highest < 0 {
		return dc
	}

	dc.currentFileNumber = highest
	path := filePathFor(s.dir, date, highest)
	data, err := os.ReadFile(path)
	if err != nil {
		return dc
	}
	var existing []core.LogEntry
	if err := json.Unmarshal(data, &existing); err == nil {
		dc.entries = existing
	}
	return dc
}

// fileNumberFromName extracts the numeric suffix from a log file name of
// the form filebridge_monitor_YYYYMMDD.json (number 0) or
// filebridge_monitor_YYYYMMDD_NNNN.json (number NNNN).
func fileNumberFromName(name, date string) int {
	base := strings.TrimSuffix(name, ".json")
	prefix := fmt.Sprintf("filebridge_monitor_%s", date)
	rest := strings.TrimPrefix(base, prefix)
	rest = strings.TrimPrefix(rest, "_")
	if rest == "" {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return n
}

func filePathFor(dir, date string, fileNumber int) string {
	if fileNumber == 0 {
		return filepath.Join(dir, fmt.Sprintf("filebridge_monitor_%s.json", date))
	}
	return filepath.Join(dir, fmt.Sprintf("filebridge_monitor_%s_%04d.json", date, fileNumber))
}

// Query is the filter for retrieval requests (spec §4.F/§6).
type Query struct {
	Since  time.Time
	Until  time.Time
	Kind   core.LogKind // empty means any kind
	Limit  int
	Offset int
}

// Retrieve returns the page of entries matching q (newest first, with
// rowid as a stable tie-break for entries sharing a timestamp) from the
// SQLite index, along with the total number of entries matching q across
// all pages. If the index lookup fails it is treated as empty rather
// than propagating an error, since the JSON files (not the index) are
// the source of truth.
func (s *Sink) Retrieve(q Query) ([]core.LogEntry, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where := ` WHERE 1=1`
	var filterArgs []any
	if !q.Since.IsZero() {
		where += ` AND ts >= ?`
		filterArgs = append(filterArgs, q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		where += ` AND ts <= ?`
		filterArgs = append(filterArgs, q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.Kind != "" {
		where += ` AND kind = ?`
		filterArgs = append(filterArgs, string(q.Kind))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM log_index`+where, filterArgs...).Scan(&total); err != nil {
		s.logger.Warn("logsink: retrieve count failed, returning empty result", slog.Any("error", err))
		return nil, 0, nil
	}

	// rowid is SQLite's implicit monotonically-increasing insertion-order
	// column; ordering by it descending after ts breaks ties between
	// entries appended with identical nanosecond timestamps
	// deterministically, most recently inserted first (spec §4.F
	// pagination contract).
	query := `SELECT file_path, line_offset, ts, kind FROM log_index` + where + ` ORDER BY ts DESC, rowid DESC LIMIT ? OFFSET ?`
	args := append(append([]any{}, filterArgs...), limit, q.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Warn("logsink: retrieve query failed, returning empty result", slog.Any("error", err))
		return nil, 0, nil
	}
	defer rows.Close()

	type ref struct {
		path   string
		offset int
	}
	var refs []ref
	for rows.Next() {
		var r ref
		var ts, kind string
		if err := rows.Scan(&r.path, &r.offset, &ts, &kind); err != nil {
			s.logger.Warn("logsink: retrieve scan failed, returning empty result", slog.Any("error", err))
			return nil, 0, nil
		}
		refs = append(refs, r)
	}

	fileCache := make(map[string][]core.LogEntry)
	var out []core.LogEntry
	for _, r := range refs {
		entries, ok := fileCache[r.path]
		if !ok {
			data, err := os.ReadFile(r.path)
			if err != nil {
				continue
			}
			if err := json.Unmarshal(data, &entries); err != nil {
				continue
			}
			fileCache[r.path] = entries
		}
		if r.offset >= 0 && r.offset < len(entries) {
			out = append(out, entries[r.offset])
		}
	}

	return out, total, nil
}

// rebuildStaleIndex rescans the log directory and rebuilds the index
// rows for any date partition whose indexed row count disagrees with
// its on-disk entry count — the self-healing path described in
// SPEC_FULL.md for the case where a crash happened between the JSON
// write and the index upsert.
func (s *Sink) rebuildStaleIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "filebridge_monitor_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)

		var onDiskCount int
		var logEntries []core.LogEntry
		if data, err := os.ReadFile(path); err == nil {
			if json.Unmarshal(data, &logEntries) == nil {
				onDiskCount = len(logEntries)
			}
		}

		var indexedCount int
		_ = s.db.QueryRow(`SELECT COUNT(*) FROM log_index WHERE file_path = ?`, path).Scan(&indexedCount)

		if indexedCount == onDiskCount {
			continue
		}

		if _, err := s.db.Exec(`DELETE FROM log_index WHERE file_path = ?`, path); err != nil {
			return fmt.Errorf("logsink: clear stale index rows for %q: %w", path, err)
		}
		for i, le := range logEntries {
			if le.ID == "" {
				continue
			}
			_, _ = s.db.Exec(
				`INSERT OR REPLACE INTO log_index (id, file_path, line_offset, ts, kind) VALUES (?, ?, ?, ?, ?)`,
				le.ID, path, i, le.Timestamp.UTC().Format(time.RFC3339Nano), string(le.Kind),
			)
		}
	}
	return nil
}

// retentionLoop runs once a day, deleting any date-partitioned log file
// older than retentionDays based on the date parsed from its filename.
func (s *Sink) retentionLoop() {
	defer close(s.retentionDone)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	s.sweepRetention()

	for {
		select {
		case <-s.stopRetention:
			return
		case <-ticker.C:
			s.sweepRetention()
		}
	}
}

func (s *Sink) sweepRetention() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "filebridge_monitor_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rest := strings.TrimPrefix(name, "filebridge_monitor_")
		if len(rest) < 8 {
			continue
		}
		date, err := time.Parse("20060102", rest[:8])
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			path := filepath.Join(s.dir, name)
			if err := os.Remove(path); err != nil {
				s.logger.Warn("logsink: retention sweep failed to remove file",
					slog.String("path", path), slog.Any("error", err))
				continue
			}
			_, _ = s.db.Exec(`DELETE FROM log_index WHERE file_path = ?`, path)
		}
	}
}

// Close stops the retention sweep goroutine and closes the index
// database.
func (s *Sink) Close() error {
	close(s.stopRetention)
	<-s.retentionDone
	return s.db.Close()
}
