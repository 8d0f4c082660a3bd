package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"caseflow/internal/engine"
	"caseflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Caseflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCommands(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerConnectors(group, cfg.Engine)
	registerCapabilities(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStaleVersion) {
		return newAPIError(http.StatusConflict, "stale_version", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot move from"),
		strings.Contains(lowered, "not active"),
		strings.Contains(lowered, "only queued"),
		strings.Contains(lowered, "only running"):
		return newAPIError(http.StatusConflict, "state_conflict", msg, nil)
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown"):
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

func minuteDuration(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return createdAt + "," + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	idx := strings.LastIndex(cursor, ",")
	if idx <= 0 || idx == len(cursor)-1 {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return cursor[:idx], cursor[idx+1:], nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Caseflow API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-command",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/commands",
		Summary:       "Submit a command",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		Body  CreateCommandRequest `json:"body"`
	}) (*struct {
		Body CreateCommandResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CommandType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "command_type is required", nil)
		}
		opts := engine.CreateCommandOptions{
			OrgID:       input.OrgID,
			IssuedBy:    actorID,
			CommandType: input.Body.CommandType,
			Payload:     input.Body.Payload,
			Priority:    input.Body.Priority,
			WorkerClass: input.Body.WorkerClass,
			Metadata:    input.Body.Metadata,
		}
		if input.Body.SessionID != nil {
			opts.SessionID = *input.Body.SessionID
		}
		if input.Body.ThreadID != nil {
			opts.ThreadID = *input.Body.ThreadID
		}
		if input.Body.Objective != nil {
			opts.Objective = *input.Body.Objective
		}
		if input.Body.ScheduledFor != nil {
			opts.ScheduledFor = *input.Body.ScheduledFor
		}
		if input.Body.DomainKey != nil {
			opts.DomainKey = *input.Body.DomainKey
		}
		out, err := e.CreateCommand(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateCommandResponse `json:"body"`
		}{Body: createCommandResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-command",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/commands/{id}",
		Summary:     "Get command",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCommand(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if c.OrgID != input.OrgID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "command not found in org", nil)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: commandResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-command",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/commands/{id}/cancel",
		Summary:     "Cancel a queued command",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CancelCommand(ctx, input.OrgID, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: commandResponse(c)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/sessions/{id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.OrgID != input.OrgID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found in org", nil)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-session",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}/sessions/{id}",
		Summary:     "Update session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		ID    string               `path:"id"`
		Body  UpdateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.OrgID != input.OrgID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found in org", nil)
		}
		s, err := e.UpdateSession(ctx, engine.UpdateSessionOptions{
			SessionID:        input.ID,
			ActorID:          actorID,
			Status:           input.Body.Status,
			DirectorState:    input.Body.DirectorState,
			SafetyState:      input.Body.SafetyState,
			Metadata:         input.Body.Metadata,
			CurrentObjective: input.Body.CurrentObjective,
			ExpectedVersion:  input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-commands",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/sessions/{id}/commands",
		Summary:     "List session commands",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		ID     string `path:"id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCommands `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.OrgID != input.OrgID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found in org", nil)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListCommands(ctx, repo.CommandFilters{
			SessionID:       input.ID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCommands{Items: []CommandResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapCommands(items)
		return &struct {
			Body paginatedCommands `json:"body"`
		}{Body: resp}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-jobs",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/jobs/claim",
		Summary:     "Claim eligible jobs for a worker class",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  ClaimJobsRequest `json:"body"`
	}) (*struct {
		Body []EnvelopeResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		envelopes, err := e.ClaimJobs(ctx, engine.ClaimOptions{
			OrgID:       input.OrgID,
			WorkerClass: input.Body.WorkerClass,
			ActorID:     actorID,
			Limit:       input.Body.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EnvelopeResponse, 0, len(envelopes))
		for _, env := range envelopes {
			res = append(res, envelopeResponse(env))
		}
		return &struct {
			Body []EnvelopeResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		j, err := e.Repo.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if j.OrgID != input.OrgID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found in org", nil)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/jobs/{id}/complete",
		Summary:     "Submit a job result",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		ID    string             `path:"id"`
		Body  CompleteJobRequest `json:"body"`
	}) (*struct {
		Body CompleteJobResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.CompleteJob(ctx, engine.CompleteJobOptions{
			JobID:   input.ID,
			ActorID: actorID,
			Result:  input.Body.Result,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteJobResponse `json:"body"`
		}{Body: completeJobResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reap-jobs",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/jobs/reap",
		Summary:     "Requeue or fail stale running jobs",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string          `path:"org_id"`
		Body  ReapJobsRequest `json:"body"`
	}) (*struct {
		Body engine.ReapSummary `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ReapOptions{OrgID: input.OrgID, ActorID: actorID, MaxAttempts: input.Body.MaxAttempts}
		if input.Body.OlderThanMinutes > 0 {
			opts.OlderThan = minuteDuration(input.Body.OlderThanMinutes)
		}
		summary, err := e.ReapStaleJobs(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReapSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerConnectors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-connector",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/connectors",
		Summary:       "Register a connector",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string                   `path:"org_id"`
		Body  RegisterConnectorRequest `json:"body"`
	}) (*struct {
		Body ConnectorResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RegisterConnector(ctx, engine.RegisterConnectorOptions{
			OrgID:    input.OrgID,
			Type:     input.Body.Type,
			Name:     input.Body.Name,
			Status:   input.Body.Status,
			Config:   input.Body.Config,
			Metadata: input.Body.Metadata,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectorResponse `json:"body"`
		}{Body: connectorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-connectors",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/connectors",
		Summary:     "List connectors",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Type   string `query:"type"`
		Status string `query:"status"`
	}) (*struct {
		Body []ConnectorResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListConnectors(ctx, repo.ConnectorFilters{
			OrgID:  input.OrgID,
			Type:   input.Type,
			Status: input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConnectorResponse `json:"body"`
		}{Body: mapConnectors(items)}, nil
	})
}

func registerCapabilities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-capabilities",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/capabilities",
		Summary:     "Capability manifest with connector coverage",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body engine.CapabilitiesView `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		view, err := e.Capabilities(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CapabilitiesView `json:"body"`
		}{Body: view}, nil
	})
}

func registerWebhooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-webhook",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/webhooks",
		Summary:       "Register an outbound webhook",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string                 `path:"org_id"`
		Body  RegisterWebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required", nil)
		}
		w, err := e.RegisterWebhook(ctx, engine.RegisterWebhookOptions{
			OrgID:      input.OrgID,
			URL:        input.Body.URL,
			Secret:     input.Body.Secret,
			EventTypes: input.Body.EventTypes,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/webhooks",
		Summary:     "List webhooks",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []WebhookResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListWebhooks(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WebhookResponse, 0, len(items))
		for _, w := range items {
			res = append(res, webhookResponse(w))
		}
		return &struct {
			Body []WebhookResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-webhook",
		Method:      http.MethodDelete,
		Path:        "/orgs/{org_id}/webhooks/{id}",
		Summary:     "Delete webhook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct{}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteWebhook(ctx, input.OrgID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "Tail the audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursor, input.OrgID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string              `path:"org_id"`
		Body  CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.NewString()
		k, err := e.Repo.CreateAPIKey(ctx, input.OrgID, input.Body.ActorID, input.Body.Name, raw)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        k.ID,
			OrgID:     k.OrgID,
			ActorID:   k.ActorID,
			Name:      k.Name,
			Key:       raw,
			CreatedAt: k.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/orgs/{org_id}/apikeys/{id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct{}, error) {
		if authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
