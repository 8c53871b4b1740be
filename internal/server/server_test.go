package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"clinicrm/internal/config"
	"clinicrm/internal/db"
	"clinicrm/internal/domain"
	"clinicrm/internal/engine"
	"clinicrm/internal/metrics"
	"clinicrm/internal/migrate"
	"clinicrm/internal/queue"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Queue  *queue.SQLQueue
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := engine.New(conn, config.Default())
	e.Metrics = m
	q := &queue.SQLQueue{DB: conn, Metrics: m}
	e.Dispatcher = &engine.Dispatcher{Queue: q, Policy: queue.DefaultPolicy(), Events: e.Events, Metrics: m}
	handler, err := New(Config{
		Engine:   e,
		Jobs:     q,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL + "/v1", Engine: e, Queue: q, client: srv.Client()}
}

var clinicHeaders = map[string]string{"X-Actor-Id": "dr-ana", "X-Company-Id": "clinic-1"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) drain(t *testing.T) {
	t.Helper()
	for {
		ok, err := s.Queue.ProcessNext(context.Background(), s.Engine.Handlers())
		if err != nil {
			t.Fatalf("process job: %v", err)
		}
		if !ok {
			return
		}
	}
}

func (s *testServer) seedFunnel(t *testing.T) {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/steps", map[string]any{"id": "new", "name": "New contact"}, clinicHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create step: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, s.client, http.MethodPut, s.URL+"/steps/new/rules", map[string]any{
		"rules": []map[string]any{
			{"id": "call", "order": 1, "title": "First call", "task_type": "CALL", "delay_days": 0, "delay_type": "ABSOLUTE", "assign_type": "LEAD_OWNER"},
			{"id": "msg", "order": 2, "title": "Send message", "task_type": "MESSAGE", "delay_days": 2, "delay_type": "AFTER_PREVIOUS", "assign_type": "LEAD_OWNER"},
		},
	}, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replace rules: %d %s", res.StatusCode, data)
	}
}

func (s *testServer) createLead(t *testing.T, id string) engine.LeadResult {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/leads", map[string]any{
		"id":             id,
		"name":           "Maria",
		"step_id":        "new",
		"responsible_id": "dr-ana",
	}, clinicHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead: %d %s", res.StatusCode, data)
	}
	var out engine.LeadResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	return out
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/leads", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error envelope %s", data)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/leads", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestLeadLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)
	created := srv.createLead(t, "lead-1")
	if created.JobID == "" {
		t.Fatalf("expected a generation job, got %+v", created)
	}
	srv.drain(t)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/leads/lead-1/tasks", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lead tasks: %d %s", res.StatusCode, data)
	}
	var tasks TaskList
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks.Items) != 2 || tasks.Items[0].RuleID != "call" {
		t.Fatalf("expected 2 tasks in rule order, got %+v", tasks.Items)
	}

	first := tasks.Items[0]
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+first.ID+"/complete", map[string]any{"notes": "reached"}, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, data)
	}
	var done engine.CompleteResult
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if done.Task.Status != domain.TaskCompleted || done.Next != nil {
		t.Fatalf("unexpected completion %+v", done)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+first.ID+"/cancel", nil, clinicHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a completed task, got %d %s", res.StatusCode, data)
	}
	if !strings.Contains(string(data), "invalid_transition") {
		t.Fatalf("expected invalid_transition code, got %s", data)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/me?status=PENDING", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("my tasks: %d %s", res.StatusCode, data)
	}
	var mine TaskList
	_ = json.Unmarshal(data, &mine)
	if len(mine.Items) != 1 || mine.Items[0].RuleID != "msg" {
		t.Fatalf("expected the message task, got %+v", mine.Items)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/leads/lead-1/lost", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lost: %d %s", res.StatusCode, data)
	}
	var lost engine.LeadResult
	_ = json.Unmarshal(data, &lost)
	if lost.Cancelled != 1 {
		t.Fatalf("expected 1 cancelled task, got %d", lost.Cancelled)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/stats?start_date=2000-01-01", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, data)
	}
	var stats domain.TaskStats
	_ = json.Unmarshal(data, &stats)
	if stats.Total != 2 || stats.Completed != 1 || stats.Cancelled != 1 || stats.CompletionRate != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/stats?start_date=yesterday", nil, clinicHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", res.StatusCode)
	}
}

func TestUnknownLeadIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/leads/ghost/tasks", nil, clinicHeaders)
	if res.StatusCode != http.StatusNotFound || !strings.Contains(string(data), "not_found") {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}
}

func TestJWTCompanyScope(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)
	srv.createLead(t, "lead-1")

	own, err := IssueToken(testSecret, "dr-ana", "clinic-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	other, err := IssueToken(testSecret, "dr-bo", "clinic-2")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/leads/lead-1", nil, map[string]string{"Authorization": "Bearer " + own})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("own company: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/leads/lead-1", nil, map[string]string{"Authorization": "Bearer " + other})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other company must not see the lead, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/leads/lead-1/lost", nil, map[string]string{"Authorization": "Bearer " + other})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other company must not mark the lead lost, got %d", res.StatusCode)
	}
}

func TestDuplicateRuleOrderIsConflict(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)
	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/steps/new/rules", map[string]any{
		"rules": []map[string]any{
			{"order": 1, "title": "A", "delay_days": 0, "delay_type": "ABSOLUTE", "assign_type": "LEAD_OWNER"},
			{"order": 1, "title": "B", "delay_days": 0, "delay_type": "ABSOLUTE", "assign_type": "LEAD_OWNER"},
		},
	}, clinicHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, data)
	}
}

func TestFailedJobsCanBeRetried(t *testing.T) {
	srv := newTestServer(t)
	job, err := srv.Queue.Enqueue(context.Background(), engine.JobGenerate, engine.GenerateJob{LeadID: "ghost", CompanyID: "clinic-1"}, queue.DefaultPolicy())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	srv.drain(t)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/jobs/failed", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("failed jobs: %d %s", res.StatusCode, data)
	}
	var failed JobList
	_ = json.Unmarshal(data, &failed)
	if len(failed.Items) != 1 || failed.Items[0].ID != job.ID || failed.Items[0].LastError == "" {
		t.Fatalf("unexpected failed jobs %+v", failed.Items)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/retry", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry: %d %s", res.StatusCode, data)
	}
	var retried JobResponse
	_ = json.Unmarshal(data, &retried)
	if retried.Status != string(queue.StatusQueued) || retried.Attempts != 0 {
		t.Fatalf("unexpected retried job %+v", retried)
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/jobs/missing/retry", nil, clinicHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", res.StatusCode)
	}
}

func TestFailedJobsAreScopedToCompany(t *testing.T) {
	srv := newTestServer(t)
	other, err := srv.Queue.Enqueue(context.Background(), engine.JobGenerate, engine.GenerateJob{LeadID: "ghost", CompanyID: "clinic-2"}, queue.DefaultPolicy())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	srv.drain(t)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/jobs/failed", nil, clinicHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("failed jobs: %d %s", res.StatusCode, data)
	}
	var failed JobList
	_ = json.Unmarshal(data, &failed)
	if len(failed.Items) != 0 {
		t.Fatalf("clinic-1 sees jobs of clinic-2: %+v", failed.Items)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/jobs/"+other.ID+"/retry", nil, clinicHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 retrying another company's job, got %d %s", res.StatusCode, data)
	}
	stored, err := srv.Queue.GetJob(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("job of clinic-2 was requeued: %+v", stored)
	}

	owner := map[string]string{"X-Actor-Id": "dr-rui", "X-Company-Id": "clinic-2"}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/jobs/failed", nil, owner)
	_ = json.Unmarshal(data, &failed)
	if res.StatusCode != http.StatusOK || len(failed.Items) != 1 || failed.Items[0].ID != other.ID {
		t.Fatalf("clinic-2 should see its job: %d %s", res.StatusCode, data)
	}
}

func TestGenerateRejectsStepOfAnotherCompany(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)
	lead := srv.createLead(t, "lead-1")
	srv.drain(t)

	otherClinic := map[string]string{"X-Actor-Id": "dr-rui", "X-Company-Id": "clinic-2"}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/steps", map[string]any{"id": "intake", "name": "Intake"}, otherClinic)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create step: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/steps/intake/rules", map[string]any{
		"rules": []map[string]any{
			{"id": "intake-call", "order": 1, "title": "Intake call", "task_type": "CALL", "delay_days": 0, "delay_type": "ABSOLUTE", "assign_type": "LEAD_OWNER"},
		},
	}, otherClinic)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replace rules: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/leads/"+lead.Lead.ID+"/tasks/generate", map[string]any{"step_id": "intake"}, clinicHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, data)
	}
	tasks, err := srv.Engine.GetTasksByLead(context.Background(), lead.Lead.ID)
	if err != nil {
		t.Fatalf("tasks by lead: %v", err)
	}
	for _, task := range tasks {
		if task.StepID == "intake" {
			t.Fatalf("task created from another company's step: %+v", task)
		}
	}
}

func TestReplaceRulesCannotTakeOverAnotherStepsRule(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)
	otherClinic := map[string]string{"X-Actor-Id": "dr-rui", "X-Company-Id": "clinic-2"}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/steps", map[string]any{"id": "intake", "name": "Intake"}, otherClinic)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create step: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/steps/intake/rules", map[string]any{
		"rules": []map[string]any{
			{"id": "call", "order": 5, "title": "Hijacked", "task_type": "CALL", "delay_days": 0, "delay_type": "ABSOLUTE", "assign_type": "LEAD_OWNER"},
		},
	}, otherClinic)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, data)
	}
	rules, err := srv.Engine.Repo.ListActiveRulesForStep(context.Background(), "new")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "call" || rules[0].Title != "First call" {
		t.Fatalf("rules of step new changed: %+v", rules)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)
	srv.createLead(t, "lead-1")
	srv.drain(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	for _, name := range []string{"clinicrm_tasks_generated_total", "clinicrm_jobs_processed_total"} {
		if !strings.Contains(string(data), name) {
			t.Fatalf("metric %s missing", name)
		}
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&engine.AssignmentError{LeadID: "l", RuleID: "r"}, http.StatusUnprocessableEntity, "assignment_failed"},
		{&engine.InvalidTransitionError{TaskID: "t", From: domain.TaskCompleted, To: domain.TaskCancelled}, http.StatusConflict, "invalid_transition"},
		{errors.New("name is required"), http.StatusBadRequest, "bad_request"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		api, ok := se.(*apiError)
		if !ok {
			t.Fatalf("unexpected error type %T", se)
		}
		if api.status != tc.status || api.Body.Code != tc.code {
			t.Fatalf("%v mapped to %d/%s", tc.err, api.status, api.Body.Code)
		}
	}
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	srv.seedFunnel(t)

	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		if r.Header.Get("X-Clinicrm-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := &WebhookDispatcher{
		Repo:     srv.Engine.Repo,
		Webhooks: []config.WebhookConfig{{URL: hook.URL, Events: []string{"lead.created"}, Secret: "s3cret"}},
	}
	ctx := context.Background()
	// the first poll only positions the cursor
	d.DispatchAll(ctx)
	srv.createLead(t, "lead-1")
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "lead.created" || got[0].EntityID != "lead-1" || got[0].CompanyID != "clinic-1" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
}
