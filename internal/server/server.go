package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clinicrm/internal/domain"
	"clinicrm/internal/engine"
	"clinicrm/internal/queue"
	"clinicrm/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Jobs backs the failed-job endpoints; nil disables them.
	Jobs     queue.Inspector
	BasePath string
	Auth     AuthConfig
	// Registry is exposed on /metrics when set.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task status transition COMPLETED -> CANCELLED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the automation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("clinicrm automation API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLeads(group, cfg.Engine)
	registerLeadTasks(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerJobs(group, cfg.Jobs)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.Registry != nil {
		router.Handle(path.Join(basePath, "metrics"), promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var transition *engine.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"task_id": transition.TaskID,
			"from":    string(transition.From),
			"to":      string(transition.To),
		})
	}
	var assign *engine.AssignmentError
	if errors.As(err, &assign) {
		return newAPIError(http.StatusUnprocessableEntity, "assignment_failed", err.Error(), map[string]any{
			"lead_id": assign.LeadID,
			"rule_id": assign.RuleID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, queue.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicateTask) || errors.Is(err, repo.ErrDuplicateRuleOrder) ||
		errors.Is(err, repo.ErrDuplicateLead) || errors.Is(err, repo.ErrDuplicateStep) ||
		errors.Is(err, repo.ErrRuleConflict) || errors.Is(err, queue.ErrNotRetryable) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "another company"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must") || strings.Contains(lowered, "before"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// companyScope is the caller's company, empty when unscoped.
func companyScope(ctx context.Context) string {
	p, _ := principalFromContext(ctx)
	return p.CompanyID
}

// visible hides records of other companies behind not found.
func visible(ctx context.Context, companyID, kind, id string) error {
	scope := companyScope(ctx)
	if scope != "" && scope != companyID {
		return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
	}
	return nil
}

func loadLead(ctx context.Context, e engine.Engine, leadID string) (domain.Lead, error) {
	lead, err := e.GetLead(ctx, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	return lead, visible(ctx, lead.CompanyID, "lead", lead.ID)
}

func loadTask(ctx context.Context, e engine.Engine, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return t, visible(ctx, t.CompanyID, "task", t.ID)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>clinicrm API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type leadPath struct {
	LeadID string `path:"lead_id"`
}

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create lead and schedule its follow-up tasks",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateLeadRequest `json:"body"`
	}) (*struct {
		Body engine.LeadResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		companyID := input.Body.CompanyID
		if scope := companyScope(ctx); scope != "" {
			if companyID != "" && companyID != scope {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "company does not match credentials", nil)
			}
			companyID = scope
		}
		in := engine.NewLead{
			CompanyID:     companyID,
			Name:          input.Body.Name,
			StepID:        input.Body.StepID,
			ResponsibleID: input.Body.ResponsibleID,
			ActorID:       actorID,
		}
		if input.Body.ID != nil {
			in.ID = *input.Body.ID
		}
		res, err := e.CreateLead(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.LeadResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
	}, func(ctx context.Context, input *struct {
		StepID string `query:"step_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body LeadList `json:"body"`
	}, error) {
		items, err := e.Repo.ListLeads(ctx, repo.LeadFilters{
			CompanyID: companyScope(ctx),
			StepID:    input.StepID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadList `json:"body"`
		}{Body: LeadList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		lead, err := loadLead(ctx, e, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-lead",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/move",
		Summary:     "Move lead to another funnel step",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string          `path:"lead_id"`
		Body   MoveLeadRequest `json:"body"`
	}) (*struct {
		Body engine.LeadResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.StepID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "step_id is required", nil)
		}
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.MoveLead(ctx, input.LeadID, input.Body.StepID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.LeadResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-lead-lost",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/lost",
		Summary:     "Mark lead lost and cancel its open tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body engine.LeadResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.MarkLeadLost(ctx, input.LeadID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.LeadResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-lead",
		Method:      http.MethodPut,
		Path:        "/leads/{lead_id}/responsible",
		Summary:     "Set the lead's responsible user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string            `path:"lead_id"`
		Body   AssignLeadRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		lead, err := e.AssignLead(ctx, input.LeadID, input.Body.ResponsibleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})
}

func registerLeadTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lead-tasks",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/tasks",
		Summary:     "List all tasks of a lead by due date",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.GetTasksByLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-lead-tasks",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/tasks/generate",
		Summary:     "Generate the tasks of the lead's step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string                `path:"lead_id"`
		Body   *GenerateTasksRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.GenerateResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		req := engine.GenerateRequest{LeadID: input.LeadID, ActorID: actorID}
		if input.Body != nil {
			req.StepID = input.Body.StepID
			req.Anchor = input.Body.Anchor
		}
		res, err := e.GenerateTasks(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GenerateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-lead-tasks",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/tasks/cancel",
		Summary:     "Cancel all open tasks of a lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string         `path:"lead_id"`
		Body   *CancelRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		reason := "cancelled"
		if input.Body != nil && strings.TrimSpace(input.Body.Reason) != "" {
			reason = input.Body.Reason
		}
		n, err := e.CancelLeadTasks(ctx, input.LeadID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reactivate-lead-tasks",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/tasks/reactivate",
		Summary:     "Regenerate tasks for the lead's current step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body engine.GenerateResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadLead(ctx, e, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.ReactivateLeadTasks(ctx, input.LeadID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GenerateResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task and chain the next rule",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   *CompleteTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.CompleteResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadTask(ctx, e, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		notes := ""
		if input.Body != nil {
			notes = input.Body.Notes
		}
		res, err := e.CompleteTask(ctx, input.TaskID, notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompleteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a single task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   *CancelRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadTask(ctx, e, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		t, err := e.CancelTask(ctx, input.TaskID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/me",
		Summary:     "Tasks assigned to the caller",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PENDING,COMPLETED,OVERDUE,CANCELLED"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.GetMyTasks(ctx, actorID, domain.TaskStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if scope := companyScope(ctx); scope != "" {
			kept := tasks[:0]
			for _, t := range tasks {
				if t.CompanyID == scope {
					kept = append(kept, t)
				}
			}
			tasks = kept
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-stats",
		Method:      http.MethodGet,
		Path:        "/tasks/stats",
		Summary:     "Task counts per status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		StartDate  string `query:"start_date"`
		EndDate    string `query:"end_date"`
		AssigneeID string `query:"assignee_id"`
	}) (*struct {
		Body domain.TaskStats `json:"body"`
	}, error) {
		start, err := parseDateParam("start_date", input.StartDate)
		if err != nil {
			return nil, err
		}
		end, err := parseDateParam("end_date", input.EndDate)
		if err != nil {
			return nil, err
		}
		stats, serr := e.GetTaskStats(ctx, engine.TaskStatsFilter{
			CompanyID:  companyScope(ctx),
			AssigneeID: input.AssigneeID,
			Start:      start,
			End:        end,
		})
		if serr != nil {
			return nil, handleError(serr)
		}
		return &struct {
			Body domain.TaskStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-expired-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/expired/process",
		Summary:     "Mark pending tasks past their due date overdue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		n, err := e.MarkExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	type stepPath struct {
		StepID string `path:"step_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-step",
		Method:        http.MethodPost,
		Path:          "/steps",
		Summary:       "Create funnel step",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateStepRequest `json:"body"`
	}) (*struct {
		Body domain.FunnelStep `json:"body"`
	}, error) {
		step := domain.FunnelStep{CompanyID: input.Body.CompanyID, Name: input.Body.Name, Position: input.Body.Position}
		if scope := companyScope(ctx); scope != "" {
			step.CompanyID = scope
		}
		if input.Body.ID != nil {
			step.ID = *input.Body.ID
		}
		created, err := e.CreateStep(ctx, step)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FunnelStep `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/steps",
		Summary:     "List funnel steps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StepList `json:"body"`
	}, error) {
		steps, err := e.Repo.ListSteps(ctx, companyScope(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepList `json:"body"`
		}{Body: StepList{Items: nonNilSlice(steps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-step-rules",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}/rules",
		Summary:     "List the rule chain of a step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
		All    bool   `query:"all" doc:"include inactive rules"`
	}) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		step, err := e.Repo.GetStep(ctx, nil, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := visible(ctx, step.CompanyID, "step", step.ID); err != nil {
			return nil, handleError(err)
		}
		var rules []domain.StageTaskRule
		if input.All {
			rules, err = e.Repo.ListRulesForStep(ctx, step.ID)
		} else {
			rules, err = e.Repo.ListActiveRulesForStep(ctx, step.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: RuleList{Items: nonNilSlice(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-step-rules",
		Method:      http.MethodPut,
		Path:        "/steps/{step_id}/rules",
		Summary:     "Replace the rule chain of a step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StepID string              `path:"step_id"`
		Body   ReplaceRulesRequest `json:"body"`
	}) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		step, err := e.Repo.GetStep(ctx, nil, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := visible(ctx, step.CompanyID, "step", step.ID); err != nil {
			return nil, handleError(err)
		}
		rules, err := e.ReplaceStepRules(ctx, step.ID, input.Body.Rules, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: RuleList{Items: nonNilSlice(rules)}}, nil
	})
}

func registerJobs(api huma.API, jobs queue.Inspector) {
	unavailable := newAPIError(http.StatusNotImplemented, "not_implemented", "job inspection is not available", nil)
	huma.Register(api, huma.Operation{
		OperationID: "failed-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/failed",
		Summary:     "Automation jobs that ran out of attempts",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body JobList `json:"body"`
	}, error) {
		if jobs == nil {
			return nil, unavailable
		}
		items, err := jobs.FailedJobs(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		scope := companyScope(ctx)
		resp := JobList{Items: []JobResponse{}}
		for _, j := range items {
			if scope != "" && jobCompany(j) != scope {
				continue
			}
			resp.Items = append(resp.Items, jobResponse(j))
		}
		return &struct {
			Body JobList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/retry",
		Summary:     "Requeue a failed job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if jobs == nil {
			return nil, unavailable
		}
		if scope := companyScope(ctx); scope != "" {
			job, err := jobs.GetJob(ctx, input.JobID)
			if err != nil {
				return nil, handleError(err)
			}
			if jobCompany(job) != scope {
				return nil, handleError(fmt.Errorf("job %s: %w", input.JobID, queue.ErrNotFound))
			}
		}
		job, err := jobs.RetryJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"lead,task,step"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			CompanyID:  companyScope(ctx),
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// parseDateParam accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseDateParam(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
}
