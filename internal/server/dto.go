package server

import (
	"encoding/json"
	"time"

	"clinicrm/internal/domain"
	"clinicrm/internal/engine"
	"clinicrm/internal/queue"
)

// Request payloads

type CreateLeadRequest struct {
	ID            *string `json:"id,omitempty"`
	CompanyID     string  `json:"company_id,omitempty"`
	Name          string  `json:"name"`
	StepID        string  `json:"step_id"`
	ResponsibleID *string `json:"responsible_id,omitempty"`
}

type MoveLeadRequest struct {
	StepID string `json:"step_id"`
}

type AssignLeadRequest struct {
	ResponsibleID *string `json:"responsible_id"`
}

type GenerateTasksRequest struct {
	StepID string `json:"step_id,omitempty"`
	// Anchor overrides the stage entry time.
	Anchor *time.Time `json:"anchor,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CompleteTaskRequest struct {
	Notes string `json:"notes,omitempty"`
}

type CreateStepRequest struct {
	ID        *string `json:"id,omitempty"`
	CompanyID string  `json:"company_id,omitempty"`
	Name      string  `json:"name"`
	Position  int     `json:"position,omitempty"`
}

type ReplaceRulesRequest struct {
	Rules []engine.RuleInput `json:"rules"`
}

// Response payloads

type LeadList struct {
	Items []domain.Lead `json:"items"`
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type StepList struct {
	Items []domain.FunnelStep `json:"items"`
}

type RuleList struct {
	Items []domain.StageTaskRule `json:"items"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type JobResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	NextRunAt time.Time      `json:"next_run_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type JobList struct {
	Items []JobResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

// jobCompany reads the company a job acts for from its payload.
func jobCompany(j queue.Job) string {
	var payload struct {
		CompanyID string `json:"company_id"`
	}
	_ = json.Unmarshal(j.Payload, &payload)
	return payload.CompanyID
}

func jobResponse(j queue.Job) JobResponse {
	var payload map[string]any
	_ = json.Unmarshal(j.Payload, &payload)
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    string(j.Status),
		Attempts:  j.Attempts,
		LastError: j.LastError,
		Payload:   payload,
		NextRunAt: j.NextRunAt,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CompanyID:  e.CompanyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
