package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"corehub/internal/dispatch"
	"corehub/internal/domain"
	"corehub/internal/repo"
	"corehub/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Dispatch dispatch.Dispatcher
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"system_paused"`
	Message string         `json:"message" example:"system is paused"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CoreHub API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("CoreHub API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Dispatch)
	registerTasks(group, cfg.Dispatch)
	registerRuns(group, cfg.Dispatch)
	registerEvents(group, cfg.Dispatch)
	registerAdmin(group, cfg.Dispatch)
	registerReport(group, cfg.Dispatch)
	registerOpenAPI(router, api, basePath)

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
	switch {
	case errors.Is(err, dispatch.ErrSystemPaused):
		return newAPIError(http.StatusConflict, "system_paused", err.Error(), nil)
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, dispatch.ErrTaskNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CoreHub API Docs</title>
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

func registerHealth(api huma.API, d dispatch.Dispatcher) {
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

	huma.Register(api, huma.Operation{
		OperationID: "health-detailed",
		Method:      http.MethodGet,
		Path:        "/health/detailed",
		Summary:     "Detailed health check",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		dbHealthy := d.DB.PingContext(ctx) == nil
		status := "ok"
		counts := map[string]int{}
		paused := false
		if dbHealthy {
			var err error
			counts, err = d.Repo.CountTasksByStatus(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			paused, err = d.SystemPaused(ctx)
			if err != nil {
				return nil, handleError(err)
			}
		} else {
			status = "degraded"
		}
		if paused {
			status = "paused"
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":        status,
			"database":      dbHealthy,
			"task_counts":   counts,
			"system_paused": paused,
		}}, nil
	})
}

func registerTasks(api huma.API, d dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-next-task",
		Method:      http.MethodPost,
		Path:        "/tasks/next",
		Summary:     "Claim the next eligible task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimTaskRequest `json:"body"`
	}) (*struct {
		Status int
		Body   *TaskResponse `json:"body,omitempty"`
	}, error) {
		if input.Body.Agent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent is required", nil)
		}
		task, err := d.ClaimNext(ctx, input.Body.Agent)
		if err != nil {
			return nil, handleError(err)
		}
		if task == nil {
			return &struct {
				Status int
				Body   *TaskResponse `json:"body,omitempty"`
			}{Status: http.StatusNoContent}, nil
		}
		resp := taskResponse(*task)
		return &struct {
			Status int
			Body   *TaskResponse `json:"body,omitempty"`
		}{Status: http.StatusOK, Body: &resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Report a claimed task's outcome",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		outcome, err := outcomeFromStatus(input.Body.Status, stringOrEmpty(input.Body.Reason))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		task, err := d.ReleaseOrComplete(ctx, input.TaskID, outcome, stringOrEmpty(input.Body.Agent))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := dispatch.TaskCreateOptions{
			Title:   input.Body.Title,
			Type:    input.Body.Type,
			AgentID: stringOrEmpty(input.Body.Agent),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		task, err := d.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"todo,in_progress,done,blocked"`
		Type   string `query:"type" enum:"dev,ops,test"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListTasks(ctx, repo.TaskFilters{
			Status: input.Status,
			Type:   input.Type,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := d.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func outcomeFromStatus(status, reason string) (dispatch.Outcome, error) {
	switch status {
	case domain.StatusDone:
		return dispatch.Completed(), nil
	case domain.StatusBlocked:
		return dispatch.Blocked(reason), nil
	case domain.StatusTodo:
		return dispatch.FailedRetryable(reason), nil
	default:
		return dispatch.Outcome{}, fmt.Errorf("invalid target status %q", status)
	}
}

func registerRuns(api huma.API, d dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Record an agent run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Agent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent is required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		run := domain.Run{
			Agent:       input.Body.Agent,
			TaskID:      input.Body.TaskID,
			Status:      input.Body.Status,
			CostUSD:     input.Body.CostUSD,
			DurationSec: input.Body.DurationSec,
			CreatedAt:   d.Now().UTC().Format(time.RFC3339),
		}
		id, err := d.Repo.InsertRun(ctx, run)
		if err != nil {
			return nil, handleError(err)
		}
		run.ID = id
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Agent  string `query:"agent"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListRuns(ctx, repo.RunFilters{
			Agent:  input.Agent,
			TaskID: input.TaskID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(items)}, nil
	})
}

func registerEvents(api huma.API, d dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "log-event",
		Method:        http.MethodPost,
		Path:          "/events/log",
		Summary:       "Append an event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LogEventRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		id, err := d.Events.AppendDirect(ctx, input.Body.Type, stringOrEmpty(input.Body.Agent), input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"id": id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events in append order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Agent  string `query:"agent"`
		Type   string `query:"type"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"100"`
		Offset int    `query:"offset" default:"0"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListEvents(ctx, repo.EventFilters{
			Agent:  input.Agent,
			Type:   input.Type,
			TaskID: input.TaskID,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID int64 `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		evt, err := d.Repo.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})
}

func registerAdmin(api huma.API, d dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pause",
		Method:      http.MethodGet,
		Path:        "/admin/pause",
		Summary:     "Read the system pause flag",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PauseResponse `json:"body"`
	}, error) {
		paused, err := d.SystemPaused(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PauseResponse `json:"body"`
		}{Body: PauseResponse{Paused: paused}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-pause",
		Method:      http.MethodPost,
		Path:        "/admin/pause",
		Summary:     "Pause or resume dispatch",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SetPauseRequest `json:"body"`
	}) (*struct {
		Body PauseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := d.SetSystemPaused(ctx, input.Body.Paused, stringOrEmpty(input.Body.Actor)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PauseResponse `json:"body"`
		}{Body: PauseResponse{Paused: input.Body.Paused}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flags",
		Method:      http.MethodGet,
		Path:        "/admin/flags",
		Summary:     "List flags",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []FlagResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListFlags(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FlagResponse `json:"body"`
		}{Body: mapFlags(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-flag",
		Method:      http.MethodPut,
		Path:        "/admin/flags/{key}",
		Summary:     "Upsert a flag",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Key  string            `path:"key"`
		Body UpdateFlagRequest `json:"body"`
	}) (*struct {
		Body FlagResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		flag := domain.Flag{
			Key:         input.Key,
			Value:       input.Body.Value,
			Description: stringOrEmpty(input.Body.Description),
			UpdatedAt:   d.Now().UTC().Format(time.RFC3339),
		}
		if err := d.Repo.UpsertFlag(ctx, flag); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlagResponse `json:"body"`
		}{Body: flagResponse(flag)}, nil
	})
}

func registerReport(api huma.API, d dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-report",
		Method:      http.MethodGet,
		Path:        "/report/daily",
		Summary:     "Daily activity report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" format:"date"`
	}) (*struct {
		Body DailyReportResponse `json:"body"`
	}, error) {
		day := d.Now().UTC().AddDate(0, 0, -1)
		if input.Date != "" {
			parsed, err := time.Parse("2006-01-02", input.Date)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid date, want YYYY-MM-DD", map[string]any{"date": input.Date})
			}
			day = parsed
		}
		rep, err := scheduler.BuildDailyReport(ctx, d.Repo, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DailyReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})
}
