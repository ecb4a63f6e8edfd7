package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"sixgate/pkg/config"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	client_ip TEXT NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	response_code INTEGER NOT NULL,
	rule TEXT,
	upstream TEXT,
	suppressed INTEGER NOT NULL DEFAULT 0,
	response_time_ms REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
`

const (
	flushInterval = time.Second
	flushBatch    = 128
)

// SQLiteStorage implements Storage using SQLite with an asynchronous
// write buffer. Entries are dropped (and counted) rather than ever
// blocking the resolution path.
type SQLiteStorage struct {
	db      *sql.DB
	metrics MetricsRecorder
	buffer  chan *QueryLog
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// NewSQLiteStorage creates a new SQLite storage backend
func NewSQLiteStorage(cfg *config.StorageConfig, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil || cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	s := &SQLiteStorage{
		db:      db,
		metrics: metrics,
		buffer:  make(chan *QueryLog, bufferSize),
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogQuery enqueues an entry for the flush worker. A full buffer drops
// the entry and records the drop.
func (s *SQLiteStorage) LogQuery(ctx context.Context, entry *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.buffer <- entry:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedLog(ctx, 1)
		}
		return nil
	}
}

// flushWorker drains the buffer in periodic batched transactions
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, flushBatch)
	for {
		select {
		case entry, ok := <-s.buffer:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *SQLiteStorage) flush(batch []*QueryLog) {
	if len(batch) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, response_code, rule, upstream, suppressed, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, entry := range batch {
		_, _ = stmt.Exec(
			entry.Timestamp,
			entry.ClientIP,
			entry.Domain,
			entry.QueryType,
			entry.ResponseCode,
			entry.Rule,
			entry.Upstream,
			entry.Suppressed,
			entry.ResponseTimeMs,
		)
	}
	_ = tx.Commit()
}

// RecentQueries returns the newest entries, most recent first
func (s *SQLiteStorage) RecentQueries(ctx context.Context, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, client_ip, domain, query_type, response_code, rule, upstream, suppressed, response_time_ms
		FROM queries ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var entries []*QueryLog
	for rows.Next() {
		entry := &QueryLog{}
		if err := rows.Scan(
			&entry.Timestamp,
			&entry.ClientIP,
			&entry.Domain,
			&entry.QueryType,
			&entry.ResponseCode,
			&entry.Rule,
			&entry.Upstream,
			&entry.Suppressed,
			&entry.ResponseTimeMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close drains the buffer and closes the database
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()
	return s.db.Close()
}
