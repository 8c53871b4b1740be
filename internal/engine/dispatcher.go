package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinicrm/internal/events"
	"clinicrm/internal/metrics"
	"clinicrm/internal/queue"
	"clinicrm/internal/repo"
)

// JobGenerate is the queue job type that runs task generation.
const JobGenerate = "automation.generate"

// LeadCreated is published once a lead has been stored.
type LeadCreated struct {
	LeadID        string
	StepID        string
	CompanyID     string
	ResponsibleID *string
	EnteredAt     time.Time
}

// LeadMovedToStep is published once a lead changed stage.
type LeadMovedToStep struct {
	LeadID         string
	PreviousStepID string
	NewStepID      string
	CompanyID      string
	EnteredAt      time.Time
}

// GenerateJob is the payload of JobGenerate.
type GenerateJob struct {
	LeadID      string     `json:"lead_id"`
	StepID      string     `json:"step_id"`
	CompanyID   string     `json:"company_id"`
	Anchor      *time.Time `json:"anchor,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Dispatcher turns lead events into generation jobs. It does no
// deduplication; redelivered jobs are absorbed by the generator.
type Dispatcher struct {
	Queue   queue.Queue
	Policy  queue.Policy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  events.Writer
	Now     func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) OnLeadCreated(ctx context.Context, evt LeadCreated) (queue.Job, error) {
	anchor := evt.EnteredAt
	return d.enqueue(ctx, events.LeadCreated, GenerateJob{
		LeadID:      evt.LeadID,
		StepID:      evt.StepID,
		CompanyID:   evt.CompanyID,
		Anchor:      nonZero(anchor),
		RequestedAt: d.now(),
	})
}

func (d *Dispatcher) OnLeadMovedToStep(ctx context.Context, evt LeadMovedToStep) (queue.Job, error) {
	return d.enqueue(ctx, events.LeadMoved, GenerateJob{
		LeadID:      evt.LeadID,
		StepID:      evt.NewStepID,
		CompanyID:   evt.CompanyID,
		Anchor:      nonZero(evt.EnteredAt),
		RequestedAt: d.now(),
	})
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// enqueue never blocks the triggering operation: failures come back as
// *QueueDispatchError for the caller to surface as a warning.
func (d *Dispatcher) enqueue(ctx context.Context, evtType string, job GenerateJob) (queue.Job, error) {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	var err error
	var queued queue.Job
	if d.Queue == nil {
		err = errors.New("no queue configured")
	} else {
		queued, err = d.Queue.Enqueue(ctx, JobGenerate, job, d.Policy)
	}
	if err == nil {
		log.Debug("automation job enqueued", "event", evtType, "lead_id", job.LeadID, "step_id", job.StepID, "job_id", queued.ID)
		return queued, nil
	}
	dispatchErr := &QueueDispatchError{Event: evtType, LeadID: job.LeadID, Err: err}
	log.Warn("automation dispatch failed", "event", evtType, "lead_id", job.LeadID, "step_id", job.StepID, "error", err)
	d.Metrics.DispatchFailed(evtType)
	if d.Events.DB != nil {
		if appendErr := d.Events.Append(context.WithoutCancel(ctx), nil, events.DispatchFailed, job.CompanyID, "lead", job.LeadID, "system", events.EventPayload{
			"event":   evtType,
			"step_id": job.StepID,
			"error":   err.Error(),
		}); appendErr != nil {
			log.Error("record dispatch failure", "lead_id", job.LeadID, "error", appendErr)
		}
	}
	return queue.Job{}, dispatchErr
}

// HandleGenerateJob is the queue handler for JobGenerate. Per-rule failures
// are part of a successful run; only infrastructure errors are returned so
// the queue retries them. A lead or step that no longer exists fails the
// job permanently.
func (e Engine) HandleGenerateJob(ctx context.Context, job queue.Job) error {
	var payload GenerateJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(err)
	}
	if payload.LeadID == "" {
		return queue.Permanent(errors.New("generate job without lead id"))
	}
	res, err := e.GenerateTasks(ctx, GenerateRequest{
		LeadID:      payload.LeadID,
		StepID:      payload.StepID,
		Anchor:      payload.Anchor,
		RequestedAt: payload.RequestedAt,
		ActorID:     "automation",
	})
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("lead %s step %s: %w", payload.LeadID, payload.StepID, err))
	}
	if err != nil {
		return err
	}
	e.log().Debug("generate job done", "job_id", job.ID, "lead_id", res.LeadID, "created", len(res.Created), "failed", len(res.Failures))
	return nil
}

// Handlers returns the queue handlers served by the engine.
func (e Engine) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		JobGenerate: e.HandleGenerateJob,
	}
}
