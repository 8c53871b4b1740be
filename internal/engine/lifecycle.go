package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"clinicrm/internal/domain"
	"clinicrm/internal/events"
	"clinicrm/internal/repo"
)

type CompleteResult struct {
	Task domain.Task `json:"task"`
	// Next is the task created for the following rule, if any.
	Next *domain.Task `json:"next,omitempty"`
	// ChainError reports a chaining failure; the completion itself stands.
	ChainError string `json:"chain_error,omitempty"`
}

// CompleteTask completes an open task and chains the next rule of its
// stage when that rule has no non-cancelled task for the lead.
func (e Engine) CompleteTask(ctx context.Context, taskID, notes, actorID string) (CompleteResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := ensureTaskTransition(t.ID, t.Status, domain.TaskCompleted); err != nil {
		return CompleteResult{}, err
	}
	now := e.now()
	if err := e.Repo.CompleteTask(ctx, tx, t.ID, notes, now); err != nil {
		return CompleteResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.TaskCompleted, t.CompanyID, "task", t.ID, actorID, events.EventPayload{
		"lead_id": t.LeadID,
		"rule_id": t.RuleID,
		"from":    string(t.Status),
	}); err != nil {
		return CompleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CompleteResult{}, err
	}
	e.Metrics.Transition(string(domain.TaskCompleted), 1)

	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	if notes != "" {
		t.Notes = notes
	}
	res := CompleteResult{Task: t}
	next, err := e.chainNext(ctx, t, actorID)
	if err != nil {
		e.log().Warn("chaining next task failed", "task_id", t.ID, "lead_id", t.LeadID, "error", err)
		res.ChainError = err.Error()
		return res, nil
	}
	res.Next = next
	return res, nil
}

// chainNext creates the task of the rule ordered right after the completed
// task's rule. The completed due date anchors AFTER_PREVIOUS delays.
func (e Engine) chainNext(ctx context.Context, done domain.Task, actorID string) (*domain.Task, error) {
	rules, err := e.Repo.ListActiveRulesForStep(ctx, done.StepID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	current := -1
	for i, r := range rules {
		if r.ID == done.RuleID {
			current = i
			break
		}
	}
	// the rule was deactivated or the chain ends here
	if current < 0 || current+1 >= len(rules) {
		return nil, nil
	}
	nextRule := rules[current+1]
	if _, err := e.Repo.FindActiveTask(ctx, nil, done.LeadID, nextRule.ID); err == nil {
		return nil, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	lead, err := e.Repo.GetLead(ctx, nil, done.LeadID)
	if err != nil {
		return nil, err
	}
	// ABSOLUTE rules keep counting from stage entry, as in a full pass;
	// only AFTER_PREVIOUS delays follow the completed task's due date.
	anchor := done.DueDate
	if lead.StepID == done.StepID && !lead.StepEnteredAt.IsZero() {
		anchor = lead.StepEnteredAt
	}
	previous := done.DueDate
	task, err := e.createTask(ctx, lead, nextRule, ResolveDueDate(nextRule, anchor, &previous), actorID, "chain")
	if errors.Is(err, ErrDuplicateTaskSkipped) {
		return nil, nil
	}
	if err != nil {
		var assignErr *AssignmentError
		if errors.As(err, &assignErr) {
			e.recordRuleFailure(ctx, lead, nextRule, err, actorID)
		}
		return nil, err
	}
	e.Metrics.TaskGenerated("chain", 1)
	return &task, nil
}

// CancelTask cancels a single open task.
func (e Engine) CancelTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t.ID, t.Status, domain.TaskCancelled); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	if err := e.Repo.CancelTask(ctx, tx, t.ID, reason, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.events().Append(ctx, tx, events.TaskCancelled, t.CompanyID, "task", t.ID, actorID, events.EventPayload{
		"lead_id": t.LeadID,
		"reason":  reason,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(string(domain.TaskCancelled), 1)
	t.Status = domain.TaskCancelled
	t.CancelReason = reason
	t.CancelledAt = &now
	t.UpdatedAt = now
	return t, nil
}

// CancelLeadTasks cancels every PENDING or OVERDUE task of the lead and
// stamps the lead so generation jobs requested earlier are dropped.
// Completed tasks are left untouched.
func (e Engine) CancelLeadTasks(ctx context.Context, leadID, reason, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	lead, err := e.Repo.GetLead(ctx, tx, leadID)
	if err != nil {
		return 0, err
	}
	n, err := e.cancelLeadTasksTx(ctx, tx, lead, reason, actorID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Metrics.Transition(string(domain.TaskCancelled), n)
	e.log().Info("lead tasks cancelled", "lead_id", lead.ID, "count", n, "reason", reason)
	return n, nil
}

func (e Engine) cancelLeadTasksTx(ctx context.Context, tx *sql.Tx, lead domain.Lead, reason, actorID string) (int, error) {
	now := e.now()
	ids, err := e.Repo.CancelOpenTasksForLead(ctx, tx, lead.ID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("cancel tasks: %w", err)
	}
	if err := e.Repo.MarkLeadTasksCancelled(ctx, tx, lead.ID, now); err != nil {
		return 0, fmt.Errorf("stamp lead: %w", err)
	}
	for _, id := range ids {
		if err := e.events().Append(ctx, tx, events.TaskCancelled, lead.CompanyID, "task", id, actorID, events.EventPayload{
			"lead_id": lead.ID,
			"reason":  reason,
		}); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// ReactivateLeadTasks regenerates tasks for the lead's current stage.
// Cancelled tasks stay cancelled; fresh ones are created in their place.
func (e Engine) ReactivateLeadTasks(ctx context.Context, leadID, actorID string) (GenerateResult, error) {
	lead, err := e.Repo.GetLead(ctx, nil, leadID)
	if err != nil {
		return GenerateResult{}, err
	}
	return e.GenerateTasks(ctx, GenerateRequest{
		LeadID:      lead.ID,
		StepID:      lead.StepID,
		RequestedAt: e.now(),
		ActorID:     actorID,
	})
}

// MarkExpired moves PENDING tasks past their due date to OVERDUE with a
// single conditional update, so concurrent or repeated sweeps are no-ops
// for tasks already marked.
func (e Engine) MarkExpired(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	expired, err := e.Repo.MarkOverdue(ctx, tx, e.now())
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	for _, t := range expired {
		if err := e.events().Append(ctx, tx, events.TaskOverdue, t.CompanyID, "task", t.ID, "system", events.EventPayload{
			"lead_id":  t.LeadID,
			"due_date": repo.FormatTime(t.DueDate),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Metrics.Transition(string(domain.TaskOverdue), len(expired))
	return len(expired), nil
}
