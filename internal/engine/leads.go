package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"clinicrm/internal/domain"
	"clinicrm/internal/events"
	"clinicrm/internal/repo"
)

type NewLead struct {
	ID            string
	CompanyID     string
	Name          string
	StepID        string
	ResponsibleID *string
	ActorID       string
}

// LeadResult carries the lead after a pipeline operation. Automation
// problems never fail the operation and are listed in Warnings instead.
type LeadResult struct {
	Lead      domain.Lead `json:"lead"`
	JobID     string      `json:"job_id,omitempty"`
	Cancelled int         `json:"cancelled_tasks"`
	Warnings  []string    `json:"warnings,omitempty"`
}

func (e Engine) CreateLead(ctx context.Context, in NewLead) (LeadResult, error) {
	if strings.TrimSpace(in.Name) == "" {
		return LeadResult{}, errors.New("name is required")
	}
	step, err := e.Repo.GetStep(ctx, nil, in.StepID)
	if err != nil {
		return LeadResult{}, fmt.Errorf("step %s: %w", in.StepID, err)
	}
	if in.CompanyID == "" {
		in.CompanyID = step.CompanyID
	}
	if in.CompanyID != step.CompanyID {
		return LeadResult{}, fmt.Errorf("step %s belongs to another company", step.ID)
	}
	now := e.now()
	lead := domain.Lead{
		ID:            in.ID,
		CompanyID:     in.CompanyID,
		Name:          in.Name,
		StepID:        step.ID,
		ResponsibleID: in.ResponsibleID,
		StepEnteredAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LeadResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLead(ctx, tx, lead); err != nil {
		return LeadResult{}, err
	}
	payload := events.EventPayload{"step_id": lead.StepID, "name": lead.Name}
	if lead.ResponsibleID != nil {
		payload["responsible_id"] = *lead.ResponsibleID
	}
	if err := e.events().Append(ctx, tx, events.LeadCreated, lead.CompanyID, "lead", lead.ID, in.ActorID, payload); err != nil {
		return LeadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LeadResult{}, err
	}

	res := LeadResult{Lead: lead}
	if e.Dispatcher != nil {
		job, err := e.Dispatcher.OnLeadCreated(ctx, LeadCreated{
			LeadID:        lead.ID,
			StepID:        lead.StepID,
			CompanyID:     lead.CompanyID,
			ResponsibleID: lead.ResponsibleID,
			EnteredAt:     lead.StepEnteredAt,
		})
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			res.JobID = job.ID
		}
	}
	return res, nil
}

// MoveLead puts the lead in stepID and hands the move to the dispatcher.
// Open tasks of the previous stage are cancelled when the automation config
// says so. Moving a lead to the stage it is in changes nothing.
func (e Engine) MoveLead(ctx context.Context, leadID, stepID, actorID string) (LeadResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LeadResult{}, err
	}
	defer tx.Rollback()
	lead, err := e.Repo.GetLead(ctx, tx, leadID)
	if err != nil {
		return LeadResult{}, err
	}
	if lead.StepID == stepID {
		return LeadResult{Lead: lead, Warnings: []string{"lead already in step " + stepID}}, nil
	}
	step, err := e.Repo.GetStep(ctx, tx, stepID)
	if err != nil {
		return LeadResult{}, fmt.Errorf("step %s: %w", stepID, err)
	}
	if step.CompanyID != lead.CompanyID {
		return LeadResult{}, fmt.Errorf("step %s belongs to another company", step.ID)
	}
	now := e.now()
	previous := lead.StepID
	res := LeadResult{}
	if e.automation().CancelOnMove {
		n, err := e.cancelLeadTasksTx(ctx, tx, lead, "moved to step "+step.ID, actorID)
		if err != nil {
			return LeadResult{}, err
		}
		res.Cancelled = n
	}
	if err := e.Repo.MoveLead(ctx, tx, lead.ID, step.ID, now); err != nil {
		return LeadResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.LeadMoved, lead.CompanyID, "lead", lead.ID, actorID, events.EventPayload{
		"from": previous,
		"to":   step.ID,
	}); err != nil {
		return LeadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LeadResult{}, err
	}
	e.Metrics.Transition(string(domain.TaskCancelled), res.Cancelled)

	lead, err = e.Repo.GetLead(ctx, nil, lead.ID)
	if err != nil {
		return LeadResult{}, err
	}
	res.Lead = lead
	if e.Dispatcher != nil {
		job, err := e.Dispatcher.OnLeadMovedToStep(ctx, LeadMovedToStep{
			LeadID:         lead.ID,
			PreviousStepID: previous,
			NewStepID:      lead.StepID,
			CompanyID:      lead.CompanyID,
			EnteredAt:      lead.StepEnteredAt,
		})
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			res.JobID = job.ID
		}
	}
	return res, nil
}

// MarkLeadLost cancels the lead's open tasks with reason "lost".
func (e Engine) MarkLeadLost(ctx context.Context, leadID, actorID string) (LeadResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LeadResult{}, err
	}
	defer tx.Rollback()
	lead, err := e.Repo.GetLead(ctx, tx, leadID)
	if err != nil {
		return LeadResult{}, err
	}
	n, err := e.cancelLeadTasksTx(ctx, tx, lead, "lost", actorID)
	if err != nil {
		return LeadResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.LeadLost, lead.CompanyID, "lead", lead.ID, actorID, events.EventPayload{"cancelled": n}); err != nil {
		return LeadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LeadResult{}, err
	}
	e.Metrics.Transition(string(domain.TaskCancelled), n)
	lead, err = e.Repo.GetLead(ctx, nil, lead.ID)
	if err != nil {
		return LeadResult{}, err
	}
	return LeadResult{Lead: lead, Cancelled: n}, nil
}

// AssignLead sets the responsible user LEAD_OWNER rules resolve to.
func (e Engine) AssignLead(ctx context.Context, leadID string, responsibleID *string) (domain.Lead, error) {
	if err := e.Repo.SetLeadResponsible(ctx, nil, leadID, responsibleID, e.now()); err != nil {
		return domain.Lead{}, err
	}
	return e.Repo.GetLead(ctx, nil, leadID)
}

func (e Engine) GetLead(ctx context.Context, leadID string) (domain.Lead, error) {
	return e.Repo.GetLead(ctx, nil, leadID)
}

// GetTasksByLead lists all tasks of the lead, cancelled ones included,
// by due date.
func (e Engine) GetTasksByLead(ctx context.Context, leadID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetLead(ctx, nil, leadID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasksByLead(ctx, leadID)
}

// GetMyTasks lists tasks assigned to assigneeID, optionally by status.
func (e Engine) GetMyTasks(ctx context.Context, assigneeID string, status domain.TaskStatus) ([]domain.Task, error) {
	if strings.TrimSpace(assigneeID) == "" {
		return nil, errors.New("assignee is required")
	}
	switch status {
	case "", domain.TaskPending, domain.TaskCompleted, domain.TaskOverdue, domain.TaskCancelled:
	default:
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{AssigneeID: assigneeID, Status: status})
}

type TaskStatsFilter = repo.TaskStatsFilter

func (e Engine) GetTaskStats(ctx context.Context, f TaskStatsFilter) (domain.TaskStats, error) {
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return domain.TaskStats{}, errors.New("end date is before start date")
	}
	return e.Repo.TaskStats(ctx, f, e.now())
}
