// Package queue runs automation jobs with at-least-once delivery and a
// configurable retry policy.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type" yaml:"type"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Policy controls retries and retention of a job.
type Policy struct {
	Attempts         int     `json:"attempts" yaml:"attempts"`
	Backoff          Backoff `json:"backoff" yaml:"backoff"`
	RemoveOnComplete bool    `json:"remove_on_complete" yaml:"remove_on_complete"`
	RemoveOnFail     bool    `json:"remove_on_fail" yaml:"remove_on_fail"`
}

// DefaultPolicy is 3 attempts with exponential backoff starting at 2s;
// completed jobs are dropped and failed jobs kept for inspection.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:         3,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff.Type == "" {
		p.Backoff.Type = BackoffExponential
	}
	if p.Backoff.Delay < 0 {
		p.Backoff.Delay = 0
	}
	return p
}

// DelayFor returns the wait before the next run after the given number of
// failed attempts (1-based): fixed policies always wait Delay, exponential
// ones wait Delay, 2*Delay, 4*Delay and so on.
func (p Policy) DelayFor(attempt int) time.Duration {
	p = p.normalized()
	if p.Backoff.Delay == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff.Type == BackoffFixed {
		return p.Backoff.Delay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff.Delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether a job that has run attempts times may not run again.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().Attempts
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	Policy    Policy          `json:"policy"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, p Policy) (Job, error)
}

// Handler processes one job. A returned error schedules a retry according
// to the job policy; wrap it with Permanent to fail the job immediately.
type Handler func(ctx context.Context, job Job) error

// Inspector exposes jobs that ran out of attempts.
type Inspector interface {
	FailedJobs(ctx context.Context, limit int) ([]Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	// RetryJob requeues a failed job with a fresh attempt budget.
	RetryJob(ctx context.Context, id string) (Job, error)
}

// Runner consumes jobs until ctx is done.
type Runner interface {
	Run(ctx context.Context, handlers map[string]Handler) error
}

var (
	ErrNotFound       = errors.New("job not found")
	ErrUnknownJobType = errors.New("no handler for job type")
	ErrNotRetryable   = errors.New("job is not failed")
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Action is what a backend does with a job after a handler run.
type Action int

const (
	ActionComplete Action = iota
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "completed"
	case ActionRetry:
		return "retried"
	default:
		return "failed"
	}
}

// decide maps a handler result after the given attempt (1-based) onto the
// next action and, for retries, the delay before the next run.
func decide(p Policy, attempt int, err error) (Action, time.Duration) {
	if err == nil {
		return ActionComplete, 0
	}
	if isPermanent(err) || errors.Is(err, ErrUnknownJobType) || p.Exhausted(attempt) {
		return ActionFail, 0
	}
	return ActionRetry, p.DelayFor(attempt)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return data, nil
}
