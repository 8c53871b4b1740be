package engine

import (
	"errors"
	"fmt"

	"clinicrm/internal/domain"
)

// ErrDuplicateTaskSkipped marks a rule that already has a non-cancelled
// task for the lead. It is bookkeeping, not a failure.
var ErrDuplicateTaskSkipped = errors.New("duplicate task skipped")

// AssignmentError reports a rule whose assignee could not be resolved.
type AssignmentError struct {
	LeadID     string
	RuleID     string
	AssignType domain.AssignType
}

func (e *AssignmentError) Error() string {
	switch e.AssignType {
	case domain.AssignFixedUser:
		return fmt.Sprintf("rule %s: FIXED_USER rule has no assigned user", e.RuleID)
	default:
		return fmt.Sprintf("rule %s: lead %s has no responsible user and no fallback assignee is configured", e.RuleID, e.LeadID)
	}
}

// InvalidTransitionError rejects a status change the task lifecycle does
// not define.
type InvalidTransitionError struct {
	TaskID string
	From   domain.TaskStatus
	To     domain.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// QueueDispatchError wraps a failure to enqueue an automation job.
type QueueDispatchError struct {
	Event  string
	LeadID string
	Err    error
}

func (e *QueueDispatchError) Error() string {
	return fmt.Sprintf("dispatch %s for lead %s: %v", e.Event, e.LeadID, e.Err)
}

func (e *QueueDispatchError) Unwrap() error { return e.Err }

func ensureTaskTransition(taskID string, from, to domain.TaskStatus) error {
	switch from {
	case domain.TaskPending:
		if to == domain.TaskCompleted || to == domain.TaskCancelled || to == domain.TaskOverdue {
			return nil
		}
	case domain.TaskOverdue:
		if to == domain.TaskCompleted || to == domain.TaskCancelled {
			return nil
		}
	}
	return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
}
