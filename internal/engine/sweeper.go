package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 15m"

// Sweeper marks expired tasks overdue on a cron schedule.
type Sweeper struct {
	Engine   Engine
	Schedule string
	Logger   *slog.Logger
}

func (s Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return s.Engine.log()
}

// RunOnce performs one sweep and returns how many tasks became OVERDUE.
func (s Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.Engine.MarkExpired(ctx)
	s.Engine.Metrics.Swept(n, err)
	if err != nil {
		s.log().Error("expired task sweep failed", "error", err)
		return 0, err
	}
	s.log().Info("expired task sweep", "overdue", n)
	return n, nil
}

// Start schedules sweeps until ctx is cancelled. Runs never overlap.
func (s Sweeper) Start(ctx context.Context) error {
	schedule := s.Schedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", schedule, err)
	}
	c.Start()
	s.log().Info("sweeper started", "schedule", schedule)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
