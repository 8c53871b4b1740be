package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clinicrm/internal/domain"
	"clinicrm/internal/events"
	"clinicrm/internal/repo"
)

type GenerateRequest struct {
	LeadID string
	// StepID defaults to the lead's current step.
	StepID string
	// Anchor overrides the stage entry time delays count from.
	Anchor *time.Time
	// RequestedAt is when the triggering event happened. Passes requested
	// before the lead's tasks were last cancelled are skipped. Zero
	// disables the check.
	RequestedAt time.Time
	ActorID     string
}

type RuleSkip struct {
	RuleID string `json:"rule_id"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
}

type RuleFailure struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
	Err    error  `json:"-"`
}

type GenerateResult struct {
	LeadID   string         `json:"lead_id"`
	StepID   string         `json:"step_id"`
	Created  []domain.Task  `json:"created"`
	Skipped  []RuleSkip     `json:"skipped,omitempty"`
	Failures []RuleFailure  `json:"failures,omitempty"`
	// PassSkipped is set, with the reason, when no rule was evaluated.
	PassSkipped string `json:"pass_skipped,omitempty"`
}

const skipLeadCancelled = "lead_cancelled"

// GenerateTasks creates one task per active rule of the step that has no
// non-cancelled task for the lead yet. Rules are walked in ascending order
// and AFTER_PREVIOUS delays chain off the due date resolved for the rule
// before. A failing rule is recorded and does not stop the pass; the
// returned error covers only failures to read the lead or rules.
func (e Engine) GenerateTasks(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	lead, err := e.Repo.GetLead(ctx, nil, req.LeadID)
	if err != nil {
		return GenerateResult{}, err
	}
	stepID := req.StepID
	if stepID == "" {
		stepID = lead.StepID
	}
	res := GenerateResult{LeadID: lead.ID, StepID: stepID, Created: []domain.Task{}}
	log := e.log().With("lead_id", lead.ID, "step_id", stepID)

	if e.automation().GuardCancelledLeads && !req.RequestedAt.IsZero() && lead.TasksCancelledAt != nil &&
		lead.TasksCancelledAt.After(req.RequestedAt) {
		log.Info("generation skipped, lead tasks cancelled after request",
			"requested_at", req.RequestedAt, "cancelled_at", *lead.TasksCancelledAt)
		e.Metrics.TaskSkipped(skipLeadCancelled)
		res.PassSkipped = skipLeadCancelled
		return res, nil
	}

	step, err := e.Repo.GetStep(ctx, nil, stepID)
	if err != nil {
		return res, fmt.Errorf("step %s: %w", stepID, err)
	}
	if step.CompanyID != lead.CompanyID {
		return res, fmt.Errorf("step %s belongs to another company", step.ID)
	}
	rules, err := e.Repo.ListActiveRulesForStep(ctx, stepID)
	if err != nil {
		return res, fmt.Errorf("load rules: %w", err)
	}
	anchor := e.anchorFor(lead, stepID, req.Anchor)

	var previousDue *time.Time
	for _, rule := range rules {
		task, err := e.generateForRule(ctx, lead, rule, anchor, previousDue, req.ActorID)
		due := task.DueDate
		previousDue = &due
		switch {
		case err == nil:
			res.Created = append(res.Created, task)
		case errors.Is(err, ErrDuplicateTaskSkipped):
			log.Debug("duplicate task skipped", "rule_id", rule.ID, "task_id", task.ID)
			e.Metrics.TaskSkipped("duplicate")
			res.Skipped = append(res.Skipped, RuleSkip{RuleID: rule.ID, TaskID: task.ID, Reason: "duplicate"})
		default:
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failures = append(res.Failures, e.recordRuleFailure(ctx, lead, rule, err, req.ActorID))
		}
	}
	e.Metrics.TaskGenerated("rules", len(res.Created))
	log.Info("tasks generated", "created", len(res.Created), "skipped", len(res.Skipped), "failed", len(res.Failures))
	return res, nil
}

func (e Engine) anchorFor(lead domain.Lead, stepID string, explicit *time.Time) time.Time {
	if explicit != nil && !explicit.IsZero() {
		return explicit.UTC()
	}
	if lead.StepID == stepID && !lead.StepEnteredAt.IsZero() {
		return lead.StepEnteredAt
	}
	return e.now()
}

// generateForRule returns the created task, or the existing one together
// with ErrDuplicateTaskSkipped. On other errors the returned task still
// carries the resolved due date so the chain keeps its dates.
func (e Engine) generateForRule(ctx context.Context, lead domain.Lead, rule domain.StageTaskRule, anchor time.Time, previousDue *time.Time, actorID string) (domain.Task, error) {
	existing, err := e.Repo.FindActiveTask(ctx, nil, lead.ID, rule.ID)
	if err == nil {
		return existing, ErrDuplicateTaskSkipped
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{DueDate: ResolveDueDate(rule, anchor, previousDue)}, err
	}
	return e.createTask(ctx, lead, rule, ResolveDueDate(rule, anchor, previousDue), actorID, "rules")
}

func (e Engine) resolveAssignee(lead domain.Lead, rule domain.StageTaskRule) (string, error) {
	switch rule.AssignType {
	case domain.AssignFixedUser:
		if rule.AssignedUserID != nil && *rule.AssignedUserID != "" {
			return *rule.AssignedUserID, nil
		}
	default:
		if lead.ResponsibleID != nil && *lead.ResponsibleID != "" {
			return *lead.ResponsibleID, nil
		}
		if fallback := e.automation().FallbackAssigneeID; fallback != "" {
			return fallback, nil
		}
	}
	return "", &AssignmentError{LeadID: lead.ID, RuleID: rule.ID, AssignType: rule.AssignType}
}

// createTask inserts the task and its creation record in one transaction.
// Losing an insert race to another worker yields ErrDuplicateTaskSkipped.
func (e Engine) createTask(ctx context.Context, lead domain.Lead, rule domain.StageTaskRule, due time.Time, actorID, source string) (domain.Task, error) {
	assignee, err := e.resolveAssignee(lead, rule)
	if err != nil {
		return domain.Task{DueDate: due}, err
	}
	now := e.now()
	t := domain.Task{
		ID:          uuid.NewString(),
		CompanyID:   lead.CompanyID,
		LeadID:      lead.ID,
		RuleID:      rule.ID,
		StepID:      rule.StepID,
		AssignedID:  assignee,
		Title:       rule.Title,
		Description: rule.Description,
		TaskType:    rule.TaskType,
		DueDate:     due,
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{DueDate: due}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrDuplicateTask) {
			existing, findErr := e.Repo.FindActiveTask(ctx, tx, lead.ID, rule.ID)
			if findErr != nil {
				return domain.Task{DueDate: due}, ErrDuplicateTaskSkipped
			}
			return existing, ErrDuplicateTaskSkipped
		}
		return domain.Task{DueDate: due}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, t.CompanyID, "task", t.ID, actorID, events.EventPayload{
		"lead_id":     t.LeadID,
		"rule_id":     t.RuleID,
		"step_id":     t.StepID,
		"assigned_id": t.AssignedID,
		"due_date":    repo.FormatTime(t.DueDate),
		"source":      source,
	}); err != nil {
		return domain.Task{DueDate: due}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{DueDate: due}, err
	}
	return t, nil
}

func (e Engine) recordRuleFailure(ctx context.Context, lead domain.Lead, rule domain.StageTaskRule, err error, actorID string) RuleFailure {
	reason := "error"
	var assignErr *AssignmentError
	if errors.As(err, &assignErr) {
		reason = "assignment"
	}
	e.log().Warn("rule generation failed", "lead_id", lead.ID, "rule_id", rule.ID, "reason", reason, "error", err)
	e.Metrics.RuleFailed(reason)
	if appendErr := e.events().Append(ctx, nil, events.TaskGenerationFailed, lead.CompanyID, "lead", lead.ID, actorID, events.EventPayload{
		"rule_id": rule.ID,
		"step_id": rule.StepID,
		"reason":  reason,
		"error":   err.Error(),
	}); appendErr != nil {
		e.log().Error("record generation failure", "lead_id", lead.ID, "rule_id", rule.ID, "error", appendErr)
	}
	return RuleFailure{RuleID: rule.ID, Error: err.Error(), Err: err}
}
