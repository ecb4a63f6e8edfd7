package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"sixgate/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	dropped int64
}

func (c *countingRecorder) AddDroppedLog(_ context.Context, count int64) {
	c.dropped += count
}

func newTestStorage(t *testing.T, bufferSize int) (*SQLiteStorage, *countingRecorder) {
	t.Helper()
	recorder := &countingRecorder{}
	s, err := NewSQLiteStorage(&config.StorageConfig{
		DatabasePath: filepath.Join(t.TempDir(), "test.db"),
		BufferSize:   bufferSize,
	}, recorder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, recorder
}

func entry(domain string) *QueryLog {
	return &QueryLog{
		Timestamp:      time.Now(),
		ClientIP:       "192.168.1.50",
		Domain:         domain,
		QueryType:      "AAAA",
		ResponseCode:   0,
		Rule:           "lan-no-ipv6",
		Upstream:       "1.1.1.1:53",
		Suppressed:     2,
		ResponseTimeMs: 12.5,
	}
}

func TestLogAndRecentQueries(t *testing.T) {
	s, _ := newTestStorage(t, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.LogQuery(ctx, entry(fmt.Sprintf("host%d.example.com", i))))
	}

	// The flush worker writes on a timer; poll until the rows land
	var entries []*QueryLog
	require.Eventually(t, func() bool {
		var err error
		entries, err = s.RecentQueries(ctx, 10)
		return err == nil && len(entries) == 5
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "192.168.1.50", entries[0].ClientIP)
	assert.Equal(t, "AAAA", entries[0].QueryType)
	assert.Equal(t, "lan-no-ipv6", entries[0].Rule)
	assert.Equal(t, 2, entries[0].Suppressed)
}

func TestRecentQueriesLimit(t *testing.T) {
	s, _ := newTestStorage(t, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.LogQuery(ctx, entry(fmt.Sprintf("host%d.example.com", i))))
	}

	require.Eventually(t, func() bool {
		entries, err := s.RecentQueries(ctx, 100)
		return err == nil && len(entries) == 10
	}, 5*time.Second, 50*time.Millisecond)

	entries, err := s.RecentQueries(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLogQueryNeverBlocks(t *testing.T) {
	// No flush worker running, so the buffer stays full once filled and
	// further entries must be dropped rather than block.
	recorder := &countingRecorder{}
	s := &SQLiteStorage{
		buffer:  make(chan *QueryLog, 1),
		metrics: recorder,
	}
	ctx := context.Background()

	require.NoError(t, s.LogQuery(ctx, entry("first.example.com")))

	done := make(chan struct{})
	go func() {
		_ = s.LogQuery(ctx, entry("overflow.example.com"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogQuery blocked on a full buffer")
	}

	assert.Equal(t, int64(1), recorder.dropped)
}

func TestClosedStorage(t *testing.T) {
	s, _ := newTestStorage(t, 10)
	require.NoError(t, s.Close())

	err := s.LogQuery(context.Background(), entry("late.example.com"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.RecentQueries(context.Background(), 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewSQLiteStorage(&config.StorageConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSQLiteStorage(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
