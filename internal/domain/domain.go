package domain

import "time"

type DelayType string

const (
	DelayAbsolute      DelayType = "ABSOLUTE"
	DelayAfterPrevious DelayType = "AFTER_PREVIOUS"
)

type AssignType string

const (
	AssignLeadOwner AssignType = "LEAD_OWNER"
	AssignFixedUser AssignType = "FIXED_USER"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskOverdue   TaskStatus = "OVERDUE"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no transition is defined out of the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Open reports whether the task still awaits an action.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskOverdue
}

type TaskType string

const (
	TaskTypeCall     TaskType = "CALL"
	TaskTypeMessage  TaskType = "MESSAGE"
	TaskTypeReminder TaskType = "REMINDER"
	TaskTypeOther    TaskType = "OTHER"
)

type FunnelStep struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

type Lead struct {
	ID               string     `json:"id"`
	CompanyID        string     `json:"company_id"`
	Name             string     `json:"name"`
	StepID           string     `json:"step_id"`
	ResponsibleID    *string    `json:"responsible_id,omitempty"`
	StepEnteredAt    time.Time  `json:"step_entered_at"`
	TasksCancelledAt *time.Time `json:"tasks_cancelled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type StageTaskRule struct {
	ID             string     `json:"id"`
	CompanyID      string     `json:"company_id"`
	StepID         string     `json:"step_id"`
	Order          int        `json:"order"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	TaskType       TaskType   `json:"task_type" enum:"CALL,MESSAGE,REMINDER,OTHER"`
	DelayDays      int        `json:"delay_days" minimum:"0"`
	DelayType      DelayType  `json:"delay_type" enum:"ABSOLUTE,AFTER_PREVIOUS"`
	AssignType     AssignType `json:"assign_type" enum:"LEAD_OWNER,FIXED_USER"`
	AssignedUserID *string    `json:"assigned_user_id,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Task struct {
	ID           string     `json:"id"`
	CompanyID    string     `json:"company_id"`
	LeadID       string     `json:"lead_id"`
	RuleID       string     `json:"rule_id"`
	StepID       string     `json:"step_id"`
	AssignedID   string     `json:"assigned_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	TaskType     TaskType   `json:"task_type"`
	DueDate      time.Time  `json:"due_date"`
	Status       TaskStatus `json:"status" enum:"PENDING,COMPLETED,OVERDUE,CANCELLED"`
	Notes        string     `json:"notes,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type TaskStats struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	Completed      int     `json:"completed"`
	Overdue        int     `json:"overdue"`
	Cancelled      int     `json:"cancelled"`
	DueToday       int     `json:"due_today"`
	CompletionRate float64 `json:"completion_rate"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
