package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filebridge/engine/internal/core"
)

const (
	// DefaultBatchSize is the maximum number of log rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Mirror is an optional, best-effort PostgreSQL copy of the log sink's
// entries. The log sink's JSON files remain the source of truth; Mirror
// exists only so a dashboard can query recent activity with SQL instead
// of scanning date-partitioned files.
//
// Entries are batched: callers enqueue individual rows via Insert, which
// accumulates them in memory and flushes to the database either when the
// buffer reaches batchSize or when the background ticker fires, whichever
// comes first.
type Mirror struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []LogRow
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Open connects to connStr, pings the database, and starts the background
// flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func Open(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Mirror, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	m := &Mirror{
		pool:          pool,
		batch:         make([]LogRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go m.flushLoop()
	return m, nil
}

// Subscribe returns a logsink.Subscriber that enqueues every appended
// LogEntry onto the mirror. Wire it with sink.SetSubscriber(mirror.Subscribe)
// so the log sink and the mirror stay decoupled: the sink never imports
// this package, it only calls the function value handed to it.
func (m *Mirror) Subscribe(entry core.LogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal log entry details: %w", err)
	}
	return m.Insert(context.Background(), LogRow{
		ID:        entry.ID,
		Timestamp: entry.Timestamp,
		Kind:      string(entry.Kind),
		Message:   entry.Message,
		Details:   details,
	})
}

// Close stops the background flush goroutine, flushes any remaining
// buffered rows, and closes the connection pool. Safe to call more than
// once; subsequent calls are no-ops.
func (m *Mirror) Close(ctx context.Context) {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
		<-m.doneCh
		_ = m.Flush(ctx)
	}
	m.pool.Close()
}

func (m *Mirror) flushLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			_ = m.Flush(context.Background())
		}
	}
}

// Insert enqueues row for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is
// called synchronously before returning so callers observe back-pressure
// rather than unbounded memory growth.
func (m *Mirror) Insert(ctx context.Context, row LogRow) error {
	m.mu.Lock()
	m.batch = append(m.batch, row)
	full := len(m.batch) >= m.batchSize
	m.mu.Unlock()

	if full {
		return m.Flush(ctx)
	}
	return nil
}

// Flush drains the current row buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support, since the log sink may
// re-subscribe the same entry after a restart).
func (m *Mirror) Flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.batch) == 0 {
		m.mu.Unlock()
		return nil
	}
	toInsert := m.batch
	m.batch = make([]LogRow, 0, m.batchSize)
	m.mu.Unlock()

	const query = `
		INSERT INTO log_entries (id, timestamp, kind, message, details)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		row := &toInsert[i]
		details := []byte(row.Details)
		if details == nil {
			details = []byte("null")
		}
		b.Queue(query, row.ID, row.Timestamp, row.Kind, row.Message, details)
	}

	br := m.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec log row: %w", err)
		}
	}
	return nil
}

// QueryLogRows returns rows that fall within [q.From, q.To) on the
// timestamp column, most recent first.
//
// An empty q.Kind matches every kind. q.Limit defaults to 100.
func (m *Mirror) QueryLogRows(ctx context.Context, q Query) ([]LogRow, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit}
	where := "WHERE timestamp >= $1 AND timestamp < $2"
	if q.Kind != "" {
		where += " AND kind = $4"
		args = append(args, q.Kind)
	}

	sql := fmt.Sprintf(`
		SELECT id, timestamp, kind, message, details
		FROM   log_entries
		%s
		ORDER  BY timestamp DESC
		LIMIT  $3`, where)

	rows, err := m.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query log rows: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var row LogRow
		var details []byte
		if err := rows.Scan(&row.ID, &row.Timestamp, &row.Kind, &row.Message, &details); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		row.Details = details
		out = append(out, row)
	}
	return out, rows.Err()
}
