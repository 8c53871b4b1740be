package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinicrm/internal/domain"
	"clinicrm/internal/engine"
	"clinicrm/internal/events"
	"clinicrm/internal/queue"
	"clinicrm/internal/repo"
)

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, any, queue.Policy) (queue.Job, error) {
	return queue.Job{}, errors.New("connection refused")
}

func drain(t *testing.T, env *testEnv) int {
	t.Helper()
	n := 0
	for {
		ok, err := env.Queue.ProcessNext(env.Ctx, env.Engine.Handlers())
		if err != nil {
			t.Fatalf("process job: %v", err)
		}
		if !ok {
			return n
		}
		n++
	}
}

func TestLeadCreatedRunsGenerationThroughQueue(t *testing.T) {
	env := newTestEnv(t)
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute), rule("b", 2, 1, domain.DelayAfterPrevious))
	res, err := env.Engine.CreateLead(env.Ctx, engine.NewLead{ID: "lead-1", Name: "Maria", StepID: "new", ResponsibleID: strPtr("dr-ana")})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	if res.JobID == "" || len(res.Warnings) != 0 {
		t.Fatalf("expected an enqueued job, got %+v", res)
	}
	if n := drain(t, env); n != 1 {
		t.Fatalf("expected 1 job, processed %d", n)
	}
	if c := countTasks(t, env, "lead-1", domain.TaskPending); c != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", c)
	}
}

func TestRedeliveredJobsDoNotDuplicateTasks(t *testing.T) {
	env := newTestEnv(t)
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute), rule("b", 2, 1, domain.DelayAfterPrevious))
	lead := env.lead(t, "lead-1", "new", strPtr("dr-ana"))
	payload := engine.GenerateJob{LeadID: lead.ID, StepID: "new", CompanyID: lead.CompanyID, RequestedAt: t0}
	if _, err := env.Queue.Enqueue(env.Ctx, engine.JobGenerate, payload, queue.DefaultPolicy()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := drain(t, env); n != 2 {
		t.Fatalf("expected 2 jobs, processed %d", n)
	}
	if c := countTasks(t, env, lead.ID, ""); c != 2 {
		t.Fatalf("expected 2 tasks, got %d", c)
	}
}

func TestDispatchFailureDoesNotFailLeadCreation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Dispatcher.Queue = brokenQueue{}
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute))

	res, err := env.Engine.CreateLead(env.Ctx, engine.NewLead{ID: "lead-1", Name: "Maria", StepID: "new"})
	if err != nil {
		t.Fatalf("lead creation must succeed: %v", err)
	}
	if len(res.Warnings) != 1 || res.JobID != "" {
		t.Fatalf("expected one dispatch warning, got %+v", res)
	}
	if _, err := env.Engine.GetLead(env.Ctx, "lead-1"); err != nil {
		t.Fatalf("lead not stored: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.DispatchFailed})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].EntityID != "lead-1" {
		t.Fatalf("expected dispatch failure event, got %+v", evts)
	}

	env.step(t, "consult")
	mv, err := env.Engine.MoveLead(env.Ctx, "lead-1", "consult", "tester")
	if err != nil {
		t.Fatalf("move must succeed: %v", err)
	}
	if mv.Lead.StepID != "consult" || len(mv.Warnings) != 1 {
		t.Fatalf("unexpected move result %+v", mv)
	}
}

func TestDispatchErrorIsTyped(t *testing.T) {
	d := &engine.Dispatcher{Queue: brokenQueue{}, Policy: queue.DefaultPolicy()}
	_, err := d.OnLeadMovedToStep(context.Background(), engine.LeadMovedToStep{LeadID: "lead-1", NewStepID: "s"})
	var dispatchErr *engine.QueueDispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected QueueDispatchError, got %v", err)
	}
	if dispatchErr.LeadID != "lead-1" || dispatchErr.Event != events.LeadMoved {
		t.Fatalf("unexpected error fields %+v", dispatchErr)
	}
}

func TestStaleGenerationJobSkippedAfterCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute))
	lead := env.lead(t, "lead-1", "new", strPtr("dr-ana"))

	env.advance(time.Minute)
	lost, err := env.Engine.MarkLeadLost(env.Ctx, lead.ID, "tester")
	if err != nil {
		t.Fatalf("mark lost: %v", err)
	}
	if lost.Lead.TasksCancelledAt == nil {
		t.Fatalf("expected cancellation token on lead")
	}
	if n := drain(t, env); n != 1 {
		t.Fatalf("expected 1 job, processed %d", n)
	}
	if c := countTasks(t, env, lead.ID, ""); c != 0 {
		t.Fatalf("stale job created %d tasks", c)
	}

	env.Engine.Config.Automation.GuardCancelledLeads = false
	res, err := env.Engine.GenerateTasks(env.Ctx, engine.GenerateRequest{LeadID: lead.ID, RequestedAt: t0})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.PassSkipped != "" || len(res.Created) != 1 {
		t.Fatalf("guard disabled, expected a task, got %+v", res)
	}
}

func TestMoveLeadCancelsOpenTasksAndGeneratesForNewStep(t *testing.T) {
	env := newTestEnv(t)
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute))
	env.step(t, "consult", rule("x", 1, 2, domain.DelayAbsolute))
	lead := env.lead(t, "lead-1", "new", strPtr("dr-ana"))
	drain(t, env)

	env.advance(time.Hour)
	res, err := env.Engine.MoveLead(env.Ctx, lead.ID, "consult", "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Cancelled != 1 || res.JobID == "" {
		t.Fatalf("unexpected move result %+v", res)
	}
	if !res.Lead.StepEnteredAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("step entry not updated: %v", res.Lead.StepEnteredAt)
	}
	drain(t, env)
	tasks, err := env.Engine.GetTasksByLead(env.Ctx, lead.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	var pending []domain.Task
	for _, task := range tasks {
		if task.Status == domain.TaskPending {
			pending = append(pending, task)
		}
	}
	if len(pending) != 1 || pending[0].RuleID != "x" {
		t.Fatalf("expected the consult task only, got %+v", pending)
	}
	if want := t0.Add(time.Hour + 48*time.Hour); !pending[0].DueDate.Equal(want) {
		t.Fatalf("due %v, want %v", pending[0].DueDate, want)
	}
}

func TestGenerateJobForMissingLeadFailsPermanently(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Queue.Enqueue(env.Ctx, engine.JobGenerate, engine.GenerateJob{LeadID: "ghost", StepID: "new"}, queue.DefaultPolicy())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drain(t, env)
	stored, err := env.Queue.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != queue.StatusFailed || stored.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s/%d", stored.Status, stored.Attempts)
	}
}

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t)
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute), rule("b", 2, 3, domain.DelayAbsolute))
	lead := env.lead(t, "lead-1", "new", strPtr("dr-ana"))
	if _, err := env.Engine.GenerateTasks(env.Ctx, engine.GenerateRequest{LeadID: lead.ID}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	env.advance(time.Hour)
	s := engine.Sweeper{Engine: env.Engine}
	n, err := s.RunOnce(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if err := (engine.Sweeper{Engine: env.Engine, Schedule: "not a schedule"}).Start(env.Ctx); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestMyTasksAndStats(t *testing.T) {
	env := newTestEnv(t)
	fixed := rule("b", 2, 1, domain.DelayAbsolute)
	fixed.AssignType = domain.AssignFixedUser
	fixed.AssignedUserID = "reception"
	env.step(t, "new", rule("a", 1, 0, domain.DelayAbsolute), fixed, rule("c", 3, 2, domain.DelayAbsolute))
	lead := env.lead(t, "lead-1", "new", strPtr("dr-ana"))
	res, err := env.Engine.GenerateTasks(env.Ctx, engine.GenerateRequest{LeadID: lead.ID})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, res.Created[0].ID, "", "dr-ana"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	mine, err := env.Engine.GetMyTasks(env.Ctx, "dr-ana", "")
	if err != nil || len(mine) != 2 {
		t.Fatalf("my tasks: %d %v", len(mine), err)
	}
	pending, err := env.Engine.GetMyTasks(env.Ctx, "dr-ana", domain.TaskPending)
	if err != nil || len(pending) != 1 || pending[0].RuleID != "c" {
		t.Fatalf("my pending tasks: %+v %v", pending, err)
	}
	if _, err := env.Engine.GetMyTasks(env.Ctx, "", ""); err == nil {
		t.Fatalf("expected error without assignee")
	}

	stats, err := env.Engine.GetTaskStats(env.Ctx, engine.TaskStatsFilter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Completed != 1 || stats.Pending != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.CompletionRate < 0.33 || stats.CompletionRate > 0.34 {
		t.Fatalf("completion rate %v", stats.CompletionRate)
	}
	reception, err := env.Engine.GetTaskStats(env.Ctx, engine.TaskStatsFilter{AssigneeID: "reception"})
	if err != nil || reception.Total != 1 || reception.DueToday != 0 {
		t.Fatalf("reception stats %+v %v", reception, err)
	}
	later := t0.Add(time.Hour)
	empty, err := env.Engine.GetTaskStats(env.Ctx, engine.TaskStatsFilter{Start: &later})
	if err != nil || empty.Total != 0 {
		t.Fatalf("range stats %+v %v", empty, err)
	}
}

func TestReplaceStepRulesValidation(t *testing.T) {
	env := newTestEnv(t)
	env.step(t, "new")
	dup := []engine.RuleInput{rule("a", 1, 0, domain.DelayAbsolute), rule("b", 1, 0, domain.DelayAbsolute)}
	if _, err := env.Engine.ReplaceStepRules(env.Ctx, "new", dup, "admin"); !errors.Is(err, repo.ErrDuplicateRuleOrder) {
		t.Fatalf("expected duplicate order error, got %v", err)
	}
	fixed := rule("f", 1, 0, domain.DelayAbsolute)
	fixed.AssignType = domain.AssignFixedUser
	if _, err := env.Engine.ReplaceStepRules(env.Ctx, "new", []engine.RuleInput{fixed}, "admin"); err == nil {
		t.Fatalf("expected FIXED_USER without user to be rejected")
	}

	if _, err := env.Engine.ReplaceStepRules(env.Ctx, "new", []engine.RuleInput{rule("a", 1, 0, domain.DelayAbsolute), rule("b", 2, 0, domain.DelayAbsolute)}, "admin"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	// swap orders and drop b
	rules, err := env.Engine.ReplaceStepRules(env.Ctx, "new", []engine.RuleInput{rule("c", 1, 0, domain.DelayAbsolute), rule("a", 2, 0, domain.DelayAbsolute)}, "admin")
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "c" || rules[1].ID != "a" {
		t.Fatalf("unexpected active rules %+v", rules)
	}
	all, err := env.Engine.Repo.ListRulesForStep(env.Ctx, "new")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected b kept inactive, got %d %v", len(all), err)
	}
}
