package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"annotask/internal/app"
	"annotask/internal/apperr"
	"annotask/internal/config"
	"annotask/internal/domain"
	"annotask/internal/engine"
	"annotask/internal/ratelimit"
	"annotask/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	BasePath       string
	Auth           AuthConfig
	Limiter        *ratelimit.Limiter
	Logger         *slog.Logger
	CORSOrigins    []string
	RequestTimeout time.Duration
	// EventSinks names the configured event publishers for /health.
	EventSinks []string
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status      int
	Code        string              `json:"error" example:"LEASE_CONFLICT"`
	Message     string              `json:"message" example:"Assignment not found"`
	SkipReasons []apperr.SkipReason `json:"skip_reasons,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

type bodyBytesKey struct{}

type requestInfo struct {
	ContributorID string
}

type requestInfoKey struct{}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

type service struct {
	engine  engine.Engine
	auth    AuthConfig
	limiter *ratelimit.Limiter
	limits  limitRules
	logger  *slog.Logger
	sinks   []string
}

type limitRules struct {
	claim  []ratelimit.Rule
	bundle []ratelimit.Rule
	submit []ratelimit.Rule
}

func newLimitRules(l config.Limits) limitRules {
	rule := func(base ratelimit.Rule, limit int) ratelimit.Rule {
		base.Limit = limit
		return base
	}
	return limitRules{
		claim:  []ratelimit.Rule{rule(ratelimit.TasksPerHour, l.ClaimsPerHour)},
		bundle: []ratelimit.Rule{rule(ratelimit.BundlePerHour, l.BundlesPerHour)},
		submit: []ratelimit.Rule{
			rule(ratelimit.SubmitPerMin, l.SubmitPerMinute),
			rule(ratelimit.SubmitPerHour, l.SubmitPerHour),
		},
	}
}

// New returns an HTTP handler exposing the contributor task API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.New()
	}
	appCfg := cfg.Engine.Config
	if appCfg == nil {
		appCfg = config.Default()
		cfg.Engine.Config = appCfg
	}
	s := &service{
		engine:  cfg.Engine,
		auth:    cfg.Auth,
		limiter: limiter,
		limits:  newLimitRules(appCfg.Limits),
		logger:  logger,
		sinks:   cfg.EventSinks,
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema failures are plain bad input
			status = http.StatusBadRequest
			if len(errs) > 0 {
				msg = errs[0].Error()
			}
		}
		return newAPIError(status, "", msg, nil)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Api-Key", cfg.Auth.devHeader()},
		MaxAge:         300,
	}))
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(timeout))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("Annotask API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, s)
	registerTasks(group, s)
	registerBundles(group, s)
	registerClips(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("api request",
				"method", r.Method,
				"route", r.URL.Path,
				"contributor_id", info.ContributorID,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newAPIError(status int, code, message string, reasons []apperr.SkipReason) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Code: code, Message: message, SkipReasons: reasons}
}

// handleError maps an engine failure onto the envelope without changing its
// code or status.
func (s *service) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok {
		if e.Status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "code", e.Code, "message", e.Message, "error", e.Err)
		}
		return newAPIError(e.Status, e.Code, e.Message, e.SkipReasons)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, apperr.CodeValidationFailed, "Not found", nil)
	}
	s.logger.Error("request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, apperr.CodeServerError, "Internal server error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return apperr.CodeValidationFailed
	case http.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case http.StatusForbidden:
		return apperr.CodeForbidden
	case http.StatusConflict:
		return apperr.CodeLeaseConflict
	case http.StatusGone:
		return apperr.CodeLeaseExpired
	case http.StatusTooManyRequests:
		return apperr.CodeRateLimit
	case http.StatusServiceUnavailable:
		return apperr.CodeFeatureDisabled
	default:
		return apperr.CodeServerError
	}
}

// contributor resolves the caller and applies the access gates.
func (s *service) contributor(ctx context.Context, readOnly bool) (domain.Contributor, error) {
	if err := app.CheckAccess(s.engine.Config, domain.Contributor{}, true); err != nil {
		return domain.Contributor{}, err
	}
	p, _ := principalFromContext(ctx)
	c, err := app.ResolveContributor(ctx, s.engine.Repo, p.ContributorID, s.auth.AllowAnonymous, time.Now())
	if err != nil {
		return c, err
	}
	if info := requestInfoFrom(ctx); info != nil {
		info.ContributorID = c.ID
	}
	return c, app.CheckAccess(s.engine.Config, c, readOnly)
}

func (s *service) allow(c domain.Contributor, rules []ratelimit.Rule) error {
	if s.limiter.Allow(c.ID, rules...) {
		return nil
	}
	return apperr.New(apperr.CodeRateLimit, http.StatusTooManyRequests, "Rate limit exceeded")
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
    <title>Annotask API Docs</title>
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

func registerHealth(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		cfg := s.engine.Config
		sinks := s.sinks
		if sinks == nil {
			sinks = []string{}
		}
		storage := cfg.Storage.Kind
		if storage == "" {
			storage = "none"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:     "ok",
			Store:      s.engine.Repo.Driver(),
			Storage:    storage,
			EventSinks: sinks,
			MockMode:   cfg.Tasks.MockMode,
		}}, nil
	})
}

func registerTasks(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-next-task",
		Method:      http.MethodPost,
		Path:        "/tasks/next",
		Summary:     "Lease the next eligible task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ClaimedTask `json:"body"`
	}, error) {
		c, err := s.contributor(ctx, false)
		if err != nil {
			return nil, s.handleError(err)
		}
		if err := s.allow(c, s.limits.claim); err != nil {
			return nil, s.handleError(err)
		}
		res, err := s.engine.ClaimSingleTask(ctx, c, engine.ClaimOptions{})
		if err != nil {
			return nil, s.handleError(err)
		}
		if res.Task == nil {
			return nil, s.handleError(apperr.NoTasks(res.SkipReasons))
		}
		return &struct {
			Body engine.ClaimedTask `json:"body"`
		}{Body: *res.Task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-task",
		Method:      http.MethodPost,
		Path:        "/tasks/heartbeat",
		Summary:     "Extend a task lease",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body HeartbeatRequest `json:"body"`
	}) (*struct {
		Body HeartbeatResponse `json:"body"`
	}, error) {
		c, err := s.contributor(ctx, false)
		if err != nil {
			return nil, s.handleError(err)
		}
		expires, err := s.engine.RefreshLease(ctx, c, input.Body.AssignmentID, input.Body.PlaybackRatio, input.Body.WatchedMS)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body HeartbeatResponse `json:"body"`
		}{Body: HeartbeatResponse{OK: true, LeaseExpiresAt: expires}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodPost,
		Path:        "/tasks/release",
		Summary:     "Give a leased task back",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ReleaseRequest `json:"body"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		c, err := s.contributor(ctx, false)
		if err != nil {
			return nil, s.handleError(err)
		}
		a, err := s.engine.ReleaseAssignment(ctx, c, input.Body.AssignmentID, input.Body.Reason)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{OK: true, State: a.State}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/submit",
		Summary:     "Submit an annotation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           SubmitRequest `json:"body"`
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		c, err := s.contributor(ctx, false)
		if err != nil {
			return nil, s.handleError(err)
		}
		if err := s.allow(c, s.limits.submit); err != nil {
			return nil, s.handleError(err)
		}
		payload, err := submissionPayload(ctx, input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, apperr.CodeValidationFailed, "payload must be JSON", nil)
		}
		res, err := s.engine.SubmitAssignment(ctx, c, strings.TrimSpace(input.IdempotencyKey), engine.SubmitInput{
			TaskID:        input.Body.TaskID,
			AssignmentID:  input.Body.AssignmentID,
			Payload:       payload,
			DurationMS:    input.Body.DurationMS,
			PlaybackRatio: input.Body.PlaybackRatio,
			WatchedMS:     input.Body.WatchedMS,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerBundles(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-bundle",
		Method:      http.MethodGet,
		Path:        "/bundle",
		Summary:     "Lease a bundle of tasks",
		Description: "An empty claim answers 200 with status NO_TASKS and the skip reasons.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Count string `query:"count" doc:"Requested bundle size"`
	}) (*struct {
		Body BundleResponse `json:"body"`
	}, error) {
		c, err := s.contributor(ctx, false)
		if err != nil {
			return nil, s.handleError(err)
		}
		if err := s.allow(c, s.limits.bundle); err != nil {
			return nil, s.handleError(err)
		}
		b, err := s.engine.ClaimBundle(ctx, c, parseCount(input.Count))
		if e, ok := apperr.As(err); ok && e.Code == apperr.CodeNoTasks {
			return &struct {
				Body BundleResponse `json:"body"`
			}{Body: noTasksResponse(e.SkipReasons)}, nil
		}
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body BundleResponse `json:"body"`
		}{Body: bundleResponse(b)}, nil
	})
}

func registerClips(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "clip-context",
		Method:      http.MethodGet,
		Path:        "/context/{clip_id}",
		Summary:     "Clip with neighbouring context clips",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClipID string `path:"clip_id"`
	}) (*struct {
		Body engine.ClipContext `json:"body"`
	}, error) {
		if _, err := s.contributor(ctx, false); err != nil {
			return nil, s.handleError(err)
		}
		out, err := s.engine.ClipContext(ctx, input.ClipID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body engine.ClipContext `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "peek-backlog",
		Method:      http.MethodGet,
		Path:        "/peek",
		Summary:     "Backlog size and estimated wait",
	}, func(ctx context.Context, input *struct {
		Cap string `query:"cap" doc:"Task type to estimate the wait for"`
	}) (*struct {
		Body engine.PeekResult `json:"body"`
	}, error) {
		if _, err := s.contributor(ctx, true); err != nil {
			return nil, s.handleError(err)
		}
		out, err := s.engine.Peek(ctx, strings.TrimSpace(input.Cap))
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body engine.PeekResult `json:"body"`
		}{Body: out}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

// submissionPayload returns the payload exactly as the client sent it.
func submissionPayload(ctx context.Context, decoded any) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bodyBytes(ctx), &fields); err == nil {
		if raw, ok := fields["payload"]; ok && len(raw) > 0 {
			return raw, nil
		}
	}
	if decoded == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(decoded)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// parseCount truncates a fractional count; anything unusable means default.
func parseCount(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 1 {
		return 0
	}
	return int(f)
}
