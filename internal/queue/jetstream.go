package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"

	"clinicrm/internal/metrics"
)

// JetStreamQueue publishes jobs to a work-queue stream. Retries use
// NakWithDelay; jobs out of attempts are copied to the failed stream and
// acknowledged.
type JetStreamQueue struct {
	JS       jetstream.JetStream
	Stream   string
	Consumer string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Workers  int
	// FetchWait bounds one pull request.
	FetchWait time.Duration
	AckWait   time.Duration
	Now       func() time.Time
}

// ConnectNATS dials url, retrying with exponential backoff until ctx ends
// or maxElapsed passes.
func ConnectNATS(ctx context.Context, url string, maxElapsed time.Duration, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = maxElapsed
	var nc *nats.Conn
	op := func() error {
		conn, err := nats.Connect(url, nats.Name("clinicrm"), nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("nats connect", "url", url, "error", err)
			return err
		}
		nc = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NewJetStreamQueue ensures the job and failed-job streams exist.
func NewJetStreamQueue(ctx context.Context, nc *nats.Conn, stream string, logger *slog.Logger, m *metrics.Metrics) (*JetStreamQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	q := &JetStreamQueue{JS: js, Stream: stream, Logger: logger, Metrics: m}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{q.subjectPrefix() + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.failedStream(),
		Subjects:  []string{q.failedPrefix() + ">"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", q.failedStream(), err)
	}
	return q, nil
}

func (q *JetStreamQueue) subjectPrefix() string {
	return strings.ToLower(q.Stream) + ".jobs."
}

func (q *JetStreamQueue) failedPrefix() string {
	return strings.ToLower(q.Stream) + ".failed."
}

func (q *JetStreamQueue) failedStream() string {
	return q.Stream + "_FAILED"
}

func (q *JetStreamQueue) logger() *slog.Logger {
	if q.Logger == nil {
		return slog.Default()
	}
	return q.Logger
}

func (q *JetStreamQueue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

// Subject returns the subject jobs of jobType are published on.
func (q *JetStreamQueue) Subject(jobType string) string {
	return q.subjectPrefix() + jobType
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, jobType string, payload any, p Policy) (Job, error) {
	if strings.TrimSpace(jobType) == "" {
		return Job{}, fmt.Errorf("job type is required")
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return Job{}, err
	}
	now := q.now()
	job := Job{
		ID:        ulid.Make().String(),
		Type:      jobType,
		Payload:   data,
		Status:    StatusQueued,
		Policy:    p.normalized(),
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.JS.Publish(ctx, q.Subject(jobType), body); err != nil {
		return Job{}, fmt.Errorf("publish %s: %w", jobType, err)
	}
	return job, nil
}

// Run consumes with a durable pull consumer until ctx is cancelled.
func (q *JetStreamQueue) Run(ctx context.Context, handlers map[string]Handler) error {
	stream, err := q.JS.Stream(ctx, q.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", q.Stream, err)
	}
	name := q.Consumer
	if name == "" {
		name = "automation-workers"
	}
	ackWait := q.AckWait
	if ackWait <= 0 {
		ackWait = time.Minute
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: q.subjectPrefix() + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		// Attempts are bounded per job by its policy.
		MaxDeliver: -1,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	workers := q.Workers
	if workers < 1 {
		workers = 1
	}
	q.logger().Info("queue workers started", "backend", "jetstream", "stream", q.Stream, "consumer", name, "workers", workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, consumer, handlers)
		}()
	}
	wg.Wait()
	return nil
}

func (q *JetStreamQueue) consumeLoop(ctx context.Context, consumer jetstream.Consumer, handlers map[string]Handler) {
	wait := q.FetchWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger().Debug("fetch timeout or error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			q.handleMessage(ctx, msg, handlers)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			q.logger().Warn("message fetch error", "error", err)
		}
	}
}

func (q *JetStreamQueue) handleMessage(ctx context.Context, msg jetstream.Msg, handlers map[string]Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger().Error("undecodable job message", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			q.logger().Warn("term message", "error", err)
		}
		return
	}
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	job.Attempts = attempt
	job.Status = StatusRunning

	started := time.Now()
	var runErr error
	if h, ok := handlers[job.Type]; ok {
		runErr = h(ctx, job)
	} else {
		runErr = fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	action, delay := decide(job.Policy, attempt, runErr)
	q.Metrics.JobProcessed(job.Type, action.String(), time.Since(started))
	log := q.logger().With("job_id", job.ID, "job_type", job.Type, "attempt", attempt)

	switch action {
	case ActionComplete:
		if err := msg.Ack(); err != nil {
			log.Warn("ack job", "error", err)
		}
	case ActionRetry:
		log.Warn("job failed, retrying", "error", runErr, "delay", delay)
		if err := msg.NakWithDelay(delay); err != nil {
			log.Warn("nak job", "error", err)
		}
	case ActionFail:
		log.Error("job failed permanently", "error", runErr)
		if !job.Policy.RemoveOnFail {
			if err := q.deadLetter(ctx, job, runErr); err != nil {
				// Leave the message unacked so it is redelivered rather than lost.
				log.Error("publish failed job", "error", err)
				return
			}
		}
		if err := msg.Ack(); err != nil {
			log.Warn("ack failed job", "error", err)
		}
	}
}

func (q *JetStreamQueue) deadLetter(ctx context.Context, job Job, runErr error) error {
	job.Status = StatusFailed
	job.LastError = runErr.Error()
	job.UpdatedAt = q.now()
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.JS.Publish(ctx, q.failedPrefix()+job.Type, body)
	return err
}

// FailedJobs reads the newest jobs from the failed stream.
func (q *JetStreamQueue) FailedJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	err := q.scanFailed(ctx, func(seq uint64, job Job) bool {
		jobs = append(jobs, job)
		return len(jobs) < limit
	})
	return jobs, err
}

// GetJob looks a job up in the failed stream. Queued jobs live in the
// work-queue stream and are not addressable by id.
func (q *JetStreamQueue) GetJob(ctx context.Context, id string) (Job, error) {
	var found *Job
	if err := q.scanFailed(ctx, func(seq uint64, job Job) bool {
		if job.ID == id {
			found = &job
			return false
		}
		return true
	}); err != nil {
		return Job{}, err
	}
	if found == nil {
		return Job{}, ErrNotFound
	}
	return *found, nil
}

// RetryJob republishes a failed job with its attempts reset and drops it
// from the failed stream.
func (q *JetStreamQueue) RetryJob(ctx context.Context, id string) (Job, error) {
	var found Job
	var foundSeq uint64
	if err := q.scanFailed(ctx, func(seq uint64, job Job) bool {
		if job.ID == id {
			found, foundSeq = job, seq
			return false
		}
		return true
	}); err != nil {
		return Job{}, err
	}
	if foundSeq == 0 {
		return Job{}, ErrNotFound
	}
	found.Status = StatusQueued
	found.Attempts = 0
	found.LastError = ""
	found.UpdatedAt = q.now()
	body, err := json.Marshal(found)
	if err != nil {
		return Job{}, err
	}
	if _, err := q.JS.Publish(ctx, q.Subject(found.Type), body); err != nil {
		return Job{}, fmt.Errorf("republish job %s: %w", id, err)
	}
	stream, err := q.JS.Stream(ctx, q.failedStream())
	if err != nil {
		return Job{}, err
	}
	if err := stream.DeleteMsg(ctx, foundSeq); err != nil {
		q.logger().Warn("drop retried job from failed stream", "job_id", id, "error", err)
	}
	return found, nil
}

// scanFailed walks the failed stream newest first until fn returns false.
func (q *JetStreamQueue) scanFailed(ctx context.Context, fn func(seq uint64, job Job) bool) error {
	stream, err := q.JS.Stream(ctx, q.failedStream())
	if err != nil {
		return fmt.Errorf("failed stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return err
	}
	if info.State.Msgs == 0 {
		return nil
	}
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0; seq-- {
		raw, err := stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal(raw.Data, &job); err != nil {
			q.logger().Warn("skip undecodable failed job", "seq", seq, "error", err)
			continue
		}
		if !fn(seq, job) {
			return nil
		}
	}
	return nil
}
