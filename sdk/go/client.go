package clinicrmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal clinicrm HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix, "/v1" by default.
	BasePath    string
	BearerToken string
	// ActorID and CompanyID are sent as X-Actor-Id and X-Company-Id when
	// no bearer token is set.
	ActorID    string
	CompanyID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Lead struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	Name          string    `json:"name"`
	StepID        string    `json:"step_id"`
	ResponsibleID *string   `json:"responsible_id,omitempty"`
	StepEnteredAt time.Time `json:"step_entered_at"`
}

// LeadResult is returned by lead pipeline calls. Warnings list automation
// problems that did not fail the call.
type LeadResult struct {
	Lead      Lead     `json:"lead"`
	JobID     string   `json:"job_id,omitempty"`
	Cancelled int      `json:"cancelled_tasks"`
	Warnings  []string `json:"warnings,omitempty"`
}

type Task struct {
	ID           string     `json:"id"`
	CompanyID    string     `json:"company_id"`
	LeadID       string     `json:"lead_id"`
	RuleID       string     `json:"rule_id"`
	StepID       string     `json:"step_id"`
	AssignedID   string     `json:"assigned_id"`
	Title        string     `json:"title"`
	TaskType     string     `json:"task_type"`
	DueDate      time.Time  `json:"due_date"`
	Status       string     `json:"status"`
	Notes        string     `json:"notes,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type CompleteResult struct {
	Task       Task   `json:"task"`
	Next       *Task  `json:"next,omitempty"`
	ChainError string `json:"chain_error,omitempty"`
}

type GenerateResult struct {
	LeadID   string `json:"lead_id"`
	StepID   string `json:"step_id"`
	Created  []Task `json:"created"`
	Failures []struct {
		RuleID string `json:"rule_id"`
		Error  string `json:"error"`
	} `json:"failures,omitempty"`
	PassSkipped string `json:"pass_skipped,omitempty"`
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

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateLead creates a lead in stepID. The server schedules its tasks.
func (c *Client) CreateLead(ctx context.Context, name, stepID string, responsibleID *string) (LeadResult, error) {
	body := map[string]any{
		"name":    name,
		"step_id": stepID,
	}
	if responsibleID != nil {
		body["responsible_id"] = *responsibleID
	}
	var resp LeadResult
	err := c.do(ctx, http.MethodPost, "leads", body, &resp)
	return resp, err
}

// MoveLead moves a lead to stepID.
func (c *Client) MoveLead(ctx context.Context, leadID, stepID string) (LeadResult, error) {
	var resp LeadResult
	err := c.do(ctx, http.MethodPost, leadPath(leadID, "move"), map[string]any{"step_id": stepID}, &resp)
	return resp, err
}

// MarkLeadLost cancels all open tasks of a lead.
func (c *Client) MarkLeadLost(ctx context.Context, leadID string) (LeadResult, error) {
	var resp LeadResult
	err := c.do(ctx, http.MethodPost, leadPath(leadID, "lost"), nil, &resp)
	return resp, err
}

// LeadTasks lists all tasks of a lead.
func (c *Client) LeadTasks(ctx context.Context, leadID string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, leadPath(leadID, "tasks"), nil, &resp)
	return resp.Items, err
}

// GenerateTasks runs task generation for the lead's current step.
func (c *Client) GenerateTasks(ctx context.Context, leadID string) (GenerateResult, error) {
	var resp GenerateResult
	err := c.do(ctx, http.MethodPost, leadPath(leadID, "tasks/generate"), map[string]any{}, &resp)
	return resp, err
}

// CompleteTask completes a task; the response carries the chained task.
func (c *Client) CompleteTask(ctx context.Context, taskID, notes string) (CompleteResult, error) {
	var resp CompleteResult
	endpoint := fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": notes}, &resp)
	return resp, err
}

// CancelTask cancels a single task.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/cancel", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// MyTasks lists tasks assigned to the caller, optionally by status.
func (c *Client) MyTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "tasks/me"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// TaskStats returns task counts; empty dates leave the range open.
func (c *Client) TaskStats(ctx context.Context, startDate, endDate string) (TaskStats, error) {
	q := url.Values{}
	if startDate != "" {
		q.Set("start_date", startDate)
	}
	if endDate != "" {
		q.Set("end_date", endDate)
	}
	endpoint := "tasks/stats"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TaskStats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.CompanyID != "" {
			req.Header.Set("X-Company-Id", c.CompanyID)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func leadPath(leadID, p string) string {
	return fmt.Sprintf("leads/%s/%s", url.PathEscape(leadID), p)
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
