package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicrm/internal/db"
	"clinicrm/internal/migrate"
	"clinicrm/internal/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*queue.SQLQueue, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	return &queue.SQLQueue{DB: conn, Now: c.Now, PollInterval: 10 * time.Millisecond}, c
}

type payload struct {
	LeadID string `json:"lead_id"`
}

func TestSQLQueueRunsJobAndRemovesIt(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(ctx, "automation.generate", payload{LeadID: "lead-1"}, queue.DefaultPolicy())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	var got payload
	handlers := map[string]queue.Handler{
		"automation.generate": func(ctx context.Context, j queue.Job) error {
			return j.Decode(&got)
		},
	}
	ok, err := q.ProcessNext(ctx, handlers)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lead-1", got.LeadID)

	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	ok, err = q.ProcessNext(ctx, handlers)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLQueueRetriesWithBackoffThenKeepsFailedJob(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	job, err := q.Enqueue(ctx, "automation.generate", payload{LeadID: "lead-1"}, queue.DefaultPolicy())
	require.NoError(t, err)

	var calls int32
	handlers := map[string]queue.Handler{
		"automation.generate": func(ctx context.Context, j queue.Job) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("database is locked")
		},
	}

	ok, err := q.ProcessNext(ctx, handlers)
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.WithinDuration(t, c.Now().Add(2*time.Second), stored.NextRunAt, 0)
	assert.Equal(t, "database is locked", stored.LastError)

	// not due yet
	ok, err = q.ProcessNext(ctx, handlers)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Advance(2 * time.Second)
	ok, err = q.ProcessNext(ctx, handlers)
	require.NoError(t, err)
	require.True(t, ok)
	stored, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, c.Now().Add(4*time.Second), stored.NextRunAt, 0)

	c.Advance(4 * time.Second)
	ok, err = q.ProcessNext(ctx, handlers)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)

	retried, err := q.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
}

func TestSQLQueueUnknownTypeFailsImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	job, err := q.Enqueue(ctx, "unknown", nil, queue.DefaultPolicy())
	require.NoError(t, err)

	ok, err := q.ProcessNext(ctx, map[string]queue.Handler{})
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "no handler")
}

func TestSQLQueueKeepsCompletedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	p := queue.DefaultPolicy()
	p.RemoveOnComplete = false
	job, err := q.Enqueue(ctx, "noop", nil, p)
	require.NoError(t, err)

	ok, err := q.ProcessNext(ctx, map[string]queue.Handler{"noop": func(context.Context, queue.Job) error { return nil }})
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
}

func TestSQLQueueWorkersRunEachJobOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Workers = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, "count", nil, queue.DefaultPolicy())
		require.NoError(t, err)
	}
	var calls int32
	handlers := map[string]queue.Handler{"count": func(context.Context, queue.Job) error {
		if atomic.AddInt32(&calls, 1) == n {
			cancel()
		}
		return nil
	}}
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, handlers) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not drain the queue")
	}
	assert.Equal(t, int32(n), atomic.LoadInt32(&calls))
}
