package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clinicrm/internal/metrics"
)

// Millisecond precision, fixed width so next_run_at compares as text.
const jobTimeLayout = "2006-01-02T15:04:05.000Z"

const jobColumns = `id,type,payload_json,status,attempts,max_attempts,backoff_type,backoff_delay_ms,remove_on_complete,remove_on_fail,next_run_at,last_error,created_at,updated_at`

// SQLQueue stores jobs in the jobs table of the workspace database. Several
// workers, in one or more processes, may consume it concurrently: a job is
// claimed by a single UPDATE so only one worker runs it.
type SQLQueue struct {
	DB           *sql.DB
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Workers      int
	PollInterval time.Duration
	// StaleAfter requeues jobs left running by a crashed worker.
	StaleAfter time.Duration
}

func (q *SQLQueue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

func (q *SQLQueue) logger() *slog.Logger {
	if q.Logger == nil {
		return slog.Default()
	}
	return q.Logger
}

func formatJobTime(t time.Time) string {
	return t.UTC().Format(jobTimeLayout)
}

func parseJobTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (q *SQLQueue) Enqueue(ctx context.Context, jobType string, payload any, p Policy) (Job, error) {
	if strings.TrimSpace(jobType) == "" {
		return Job{}, fmt.Errorf("job type is required")
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return Job{}, err
	}
	p = p.normalized()
	now := q.now()
	job := Job{
		ID:        ulid.Make().String(),
		Type:      jobType,
		Payload:   data,
		Status:    StatusQueued,
		Policy:    p,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = q.DB.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.Type, string(job.Payload), string(job.Status), 0, p.Attempts, string(p.Backoff.Type),
		p.Backoff.Delay.Milliseconds(), boolInt(p.RemoveOnComplete), boolInt(p.RemoveOnFail),
		formatJobTime(now), nil, formatJobTime(now), formatJobTime(now))
	if err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return job, nil
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var payload, status, backoffType, next, created, updated string
	var lastErr sql.NullString
	var delayMS int64
	var removeOK, removeFail int
	err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempts, &j.Policy.Attempts, &backoffType, &delayMS,
		&removeOK, &removeFail, &next, &lastErr, &created, &updated)
	if err != nil {
		return j, err
	}
	j.Payload = []byte(payload)
	j.Status = Status(status)
	j.Policy.Backoff = Backoff{Type: BackoffType(backoffType), Delay: time.Duration(delayMS) * time.Millisecond}
	j.Policy.RemoveOnComplete = removeOK == 1
	j.Policy.RemoveOnFail = removeFail == 1
	j.NextRunAt = parseJobTime(next)
	j.LastError = lastErr.String
	j.CreatedAt = parseJobTime(created)
	j.UpdatedAt = parseJobTime(updated)
	return j, nil
}

// claim marks the oldest due job running and returns it.
func (q *SQLQueue) claim(ctx context.Context) (Job, bool, error) {
	now := formatJobTime(q.now())
	row := q.DB.QueryRowContext(ctx, `UPDATE jobs SET status='running', attempts=attempts+1, updated_at=?
WHERE id = (SELECT id FROM jobs WHERE status='queued' AND next_run_at<=? ORDER BY next_run_at ASC, id ASC LIMIT 1)
AND status='queued'
RETURNING `+jobColumns, now, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// ProcessNext runs at most one due job and reports whether one was found.
// Handler errors are recorded on the job, not returned.
func (q *SQLQueue) ProcessNext(ctx context.Context, handlers map[string]Handler) (bool, error) {
	job, ok, err := q.claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	started := time.Now()
	var runErr error
	if h, found := handlers[job.Type]; found {
		runErr = h(ctx, job)
	} else {
		runErr = fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	action, delay := decide(job.Policy, job.Attempts, runErr)
	q.Metrics.JobProcessed(job.Type, action.String(), time.Since(started))
	log := q.logger().With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	if err := q.settle(ctx, job, action, delay, runErr); err != nil {
		log.Error("settle job", "error", err)
		return true, err
	}
	switch action {
	case ActionRetry:
		log.Warn("job failed, retrying", "error", runErr, "delay", delay)
	case ActionFail:
		log.Error("job failed permanently", "error", runErr)
	default:
		log.Debug("job completed")
	}
	return true, nil
}

func (q *SQLQueue) settle(ctx context.Context, job Job, action Action, delay time.Duration, runErr error) error {
	// The outcome is recorded even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	now := q.now()
	var err error
	switch action {
	case ActionComplete:
		if job.Policy.RemoveOnComplete {
			_, err = q.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, job.ID)
		} else {
			_, err = q.DB.ExecContext(ctx, `UPDATE jobs SET status='completed', last_error=NULL, updated_at=? WHERE id=?`,
				formatJobTime(now), job.ID)
		}
	case ActionRetry:
		_, err = q.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', next_run_at=?, last_error=?, updated_at=? WHERE id=?`,
			formatJobTime(now.Add(delay)), runErr.Error(), formatJobTime(now), job.ID)
	case ActionFail:
		if job.Policy.RemoveOnFail {
			_, err = q.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, job.ID)
		} else {
			_, err = q.DB.ExecContext(ctx, `UPDATE jobs SET status='failed', last_error=?, updated_at=? WHERE id=?`,
				runErr.Error(), formatJobTime(now), job.ID)
		}
	}
	return err
}

// Run starts Workers goroutines polling for due jobs and blocks until ctx
// is cancelled.
func (q *SQLQueue) Run(ctx context.Context, handlers map[string]Handler) error {
	workers := q.Workers
	if workers < 1 {
		workers = 1
	}
	poll := q.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if n, err := q.RequeueStale(ctx); err != nil {
		q.logger().Warn("requeue stale jobs", "error", err)
	} else if n > 0 {
		q.logger().Info("requeued stale jobs", "count", n)
	}
	q.logger().Info("queue workers started", "backend", "sql", "workers", workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker, handlers, poll)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *SQLQueue) work(ctx context.Context, worker int, handlers map[string]Handler, poll time.Duration) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		processed, err := q.ProcessNext(ctx, handlers)
		if err != nil && ctx.Err() == nil {
			q.logger().Warn("queue worker", "worker", worker, "error", err)
		}
		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(poll)
		}
	}
}

// RequeueStale puts jobs stuck in running for longer than StaleAfter back
// in the queue. The attempt they consumed stays counted.
func (q *SQLQueue) RequeueStale(ctx context.Context) (int, error) {
	stale := q.StaleAfter
	if stale <= 0 {
		stale = 10 * time.Minute
	}
	now := q.now()
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', next_run_at=?, updated_at=? WHERE status='running' AND updated_at<?`,
		formatJobTime(now), formatJobTime(now), formatJobTime(now.Add(-stale)))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLQueue) GetJob(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns jobs with the given status, all jobs when status is empty.
func (q *SQLQueue) ListJobs(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

// FailedJobs lists jobs that exhausted their attempts.
func (q *SQLQueue) FailedJobs(ctx context.Context, limit int) ([]Job, error) {
	return q.ListJobs(ctx, StatusFailed, limit)
}

// RetryJob requeues a failed job with a fresh attempt budget.
func (q *SQLQueue) RetryJob(ctx context.Context, id string) (Job, error) {
	now := formatJobTime(q.now())
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', attempts=0, next_run_at=?, updated_at=? WHERE id=? AND status='failed'`,
		now, now, id)
	if err != nil {
		return Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.GetJob(ctx, id); err != nil {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotRetryable)
	}
	return q.GetJob(ctx, id)
}
