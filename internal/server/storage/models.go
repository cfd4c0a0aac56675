// Package storage provides an optional durable mirror of the log sink's
// entries into PostgreSQL. It wraps a pgxpool connection pool with a
// batched insert path, the same shape as the dashboard store this engine
// descends from: callers enqueue individual LogEntry values, which
// accumulate in memory and flush either when the batch fills or when a
// background ticker fires.
package storage

import (
	"encoding/json"
	"time"
)

// LogRow is the row shape persisted to the log_entries table. It mirrors
// core.LogEntry, with Details pre-marshalled to JSON so the batch insert
// path does not need to serialize on every Flush.
type LogRow struct {
	ID        string
	Timestamp time.Time
	Kind      string
	Message   string
	Details   json.RawMessage
}

// Query carries the filter and pagination parameters for QueryLogRows.
//
// From and To bracket the timestamp column. Limit defaults to 100 when
// ≤ 0. An empty Kind matches every kind.
type Query struct {
	Kind  string
	From  time.Time
	To    time.Time
	Limit int
}
