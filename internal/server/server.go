// Package server exposes the orchestrator, the compliance scorer and the
// pipeline monitor over HTTP.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sdline/internal/aggregate"
	"sdline/internal/app"
	"sdline/internal/compliance"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/engine"
	"sdline/internal/events"
	"sdline/internal/pipeline"
	"sdline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Workspace *app.Workspace
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"requirements_unmet"`
	Message string         `json:"message" example:"directive SD-1 blocked in PLAN"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"failed\":[\"prd_exists\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sdline API.
func New(cfg Config) (http.Handler, error) {
	w := cfg.Workspace
	if w == nil {
		return nil, errors.New("workspace required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = w.Log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("sdline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if w.Metrics != nil {
		router.Handle("/metrics", promhttp.Handler())
	}
	registerHealth(group)
	registerDirectives(group, w)
	registerRun(group, w)
	registerCompliance(group, w)
	registerDecisions(group, w)
	registerPipeline(group, w)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth)

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
	var blocked *engine.BlockingRequirementError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusConflict, "requirements_unmet", err.Error(), map[string]any{
			"sd_id":       blocked.DirectiveID,
			"phase":       string(blocked.Phase),
			"failed":      blocked.Failed,
			"remediation": blocked.Remediation,
		})
	}
	if errors.Is(err, engine.ErrDirectiveNotFound) || errors.Is(err, aggregate.ErrNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if repo.IsStaleWrite(err) {
		return newAPIError(http.StatusConflict, "stale_write", err.Error(), nil)
	}
	var failed *engine.RunFailedError
	if errors.As(err, &failed) {
		return newAPIError(http.StatusUnprocessableEntity, "run_failed", err.Error(), map[string]any{
			"sd_id": failed.DirectiveID,
			"phase": string(failed.Phase),
		})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "cancelled", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authCfg AuthConfig) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, authCfg)
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, authCfg AuthConfig) {
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{path.Join("/", basePath, "health"): true}
	if authCfg.DevLogin {
		open[path.Join("/", basePath, "auth/dev/login")] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
<html>
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>sdline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerDirectives(api huma.API, w *app.Workspace) {
	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/directives",
		Summary:     "List directives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,approved,in_progress,pending,ready,completed,failed"`
		Phase  string `query:"phase"`
		Parent string `query:"parent"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body DirectiveList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopeRead); err != nil {
			return nil, err
		}
		items, err := w.Repo.ListDirectives(ctx, repo.DirectiveFilters{
			Status:   input.Status,
			Phase:    input.Phase,
			ParentID: input.Parent,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveList `json:"body"`
		}{Body: DirectiveList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/directives/{id}",
		Summary:     "Get directive with handoffs and timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopeRead); err != nil {
			return nil, err
		}
		resp, err := directiveDetail(ctx, w.Repo, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func directiveDetail(ctx context.Context, r repo.Repo, id string) (DirectiveResponse, error) {
	d, ok, err := r.GetDirective(ctx, id)
	if err != nil {
		return DirectiveResponse{}, err
	}
	if !ok {
		return DirectiveResponse{}, fmt.Errorf("%w: %s", engine.ErrDirectiveNotFound, id)
	}
	resp := DirectiveResponse{Directive: d, Children: []string{}}
	if active, remaining := d.ActivePhase(); remaining {
		resp.ActivePhase = string(active)
	}
	children, err := r.ListChildren(ctx, id)
	if err != nil {
		return DirectiveResponse{}, err
	}
	for _, c := range children {
		resp.Children = append(resp.Children, c.ID)
	}
	if resp.Handoffs, err = r.ListHandoffs(ctx, id); err != nil {
		return DirectiveResponse{}, err
	}
	if resp.Timeline, err = r.ListTimeline(ctx, id); err != nil {
		return DirectiveResponse{}, err
	}
	if resp.ApprovalStatus, _, err = r.GetApprovalStatus(ctx, id); err != nil {
		return DirectiveResponse{}, err
	}
	resp.Handoffs = nonNilSlice(resp.Handoffs)
	resp.Timeline = nonNilSlice(resp.Timeline)
	return resp, nil
}

func registerRun(api huma.API, w *app.Workspace) {
	huma.Register(api, huma.Operation{
		OperationID: "run-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/run",
		Summary:     "Advance a directive through its phases",
		Description: "Runs from the current phase until the lifecycle completes, a requirement blocks, or the run waits on evidence or approval. Blocked runs answer 409 with the failed requirements.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body RunRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		p, serr := requireScope(ctx, ScopeRun)
		if serr != nil {
			return nil, serr
		}
		opts := engine.RunOptions{Force: input.Body.Force, SessionID: input.Body.SessionID}
		if input.Body.Phase != "" {
			phase, err := domain.ParsePhase(input.Body.Phase)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "phase"})
			}
			opts.Phase = phase
		}
		w.Log.Info("run requested", zap.String("sd_id", input.ID), zap.String("actor", p.ActorID), zap.String("phase", string(opts.Phase)), zap.Bool("force", opts.Force))
		res, err := w.Engine.Run(ctx, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		res.Completed = nonNilSlice(res.Completed)
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerCompliance(api huma.API, w *app.Workspace) {
	huma.Register(api, huma.Operation{
		OperationID: "directive-compliance",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/compliance",
		Summary:     "Score protocol compliance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body compliance.Report `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopeRead); err != nil {
			return nil, err
		}
		dl := decision.NewLogger("", decision.WithDirective(input.ID), decision.WithZap(w.Log.Named("compliance")))
		rep, err := compliance.Evaluate(ctx, w.Aggregator, input.ID, dl, w.Metrics)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body compliance.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerDecisions(api huma.API, w *app.Workspace) {
	huma.Register(api, huma.Operation{
		OperationID: "directive-decisions",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/decisions",
		Summary:     "List logged decisions for a directive",
		Description: "Entries come back in append order. Without a session every session of the directive is included.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Session string `query:"session"`
		Action  string `query:"action" enum:"pass,block,warn,already_satisfied,auto_pass"`
		Limit   int    `query:"limit" default:"200" minimum:"1" maximum:"5000"`
	}) (*struct {
		Body DecisionList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopeRead); err != nil {
			return nil, err
		}
		if _, ok, err := w.Repo.GetDirective(ctx, input.ID); err != nil {
			return nil, handleError(err)
		} else if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", engine.ErrDirectiveNotFound, input.ID))
		}
		entries, err := w.Events.List(ctx, events.Query{
			SessionID:   input.Session,
			DirectiveID: input.ID,
			Action:      input.Action,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionList `json:"body"`
		}{Body: DecisionList{
			Items:   nonNilSlice(entries),
			Summary: decision.Summarize(entries),
			Session: input.Session,
		}}, nil
	})
}

func registerPipeline(api huma.API, w *app.Workspace) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-health",
		Method:      http.MethodGet,
		Path:        "/pipeline/health",
		Summary:     "Improvement pipeline health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pipeline.Health `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopeRead); err != nil {
			return nil, err
		}
		h := w.Pipeline.Health()
		h.Rejections = nonNilSlice(h.Rejections)
		h.Warnings = nonNilSlice(h.Warnings)
		return &struct {
			Body pipeline.Health `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-feedback",
		Method:      http.MethodGet,
		Path:        "/pipeline/feedback",
		Summary:     "Rejection feedback grouped by category",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pipeline.Feedback `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopeRead); err != nil {
			return nil, err
		}
		fb := w.Pipeline.Feedback()
		fb.Categories = nonNilSlice(fb.Categories)
		return &struct {
			Body pipeline.Feedback `json:"body"`
		}{Body: fb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-outcome",
		Method:        http.MethodPost,
		Path:          "/pipeline/outcomes",
		Summary:       "Record a proposal outcome",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RecordOutcomeRequest `json:"body"`
	}) (*struct {
		Body domain.ProposalOutcome `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, ScopePipelineWrite); err != nil {
			return nil, err
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		o, err := w.Pipeline.Record(ctx, domain.ProposalOutcome{
			ProposalID:   input.Body.ProposalID,
			ProposalType: input.Body.ProposalType,
			Target:       input.Body.Target,
			Decision:     domain.ProposalDecision(input.Body.Decision),
			Category:     input.Body.Category,
			Score:        input.Body.Score,
			Tokens:       input.Body.Tokens,
			Content:      input.Body.Content,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProposalOutcome `json:"body"`
		}{Body: o}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		scopes := input.Body.Scopes
		if len(scopes) == 0 {
			scopes = []string{ScopeRead}
		}
		ttl := time.Duration(input.Body.TTLMinutes) * time.Minute
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, scopes, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
