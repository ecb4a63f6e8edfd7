// Package storage persists the query access log.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage errors
var (
	ErrInvalidConfig = errors.New("invalid storage configuration")
	ErrClosed        = errors.New("storage is closed")
)

// QueryLog is one access log entry
type QueryLog struct {
	Timestamp      time.Time
	ClientIP       string
	Domain         string
	QueryType      string
	ResponseCode   int
	Rule           string
	Upstream       string
	Suppressed     int
	ResponseTimeMs float64
}

// MetricsRecorder counts log entries dropped when the buffer is full.
// Declared here to avoid an import cycle with telemetry.
type MetricsRecorder interface {
	AddDroppedLog(ctx context.Context, count int64)
}

// Storage is the query log backend
type Storage interface {
	// LogQuery enqueues an entry; it never blocks the resolution path
	LogQuery(ctx context.Context, entry *QueryLog) error

	// RecentQueries returns the newest entries, most recent first
	RecentQueries(ctx context.Context, limit int) ([]*QueryLog, error)

	Close() error
}
