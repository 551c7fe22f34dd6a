// Package httpapi implements the HTTP API gateway.
//
// Security:
//   - Optional API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/jaribu/internal/environment"
	"github.com/jkaninda/jaribu/internal/observability"
	"github.com/jkaninda/jaribu/internal/ratelimit"
	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/service"
	"github.com/jkaninda/jaribu/internal/source"
	"github.com/jkaninda/jaribu/internal/storage"
	"github.com/jkaninda/jaribu/internal/testrunner"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string              // e.g., ":8080"
	APIKey     string              // API key for /v1. Empty disables authentication.
	EnableDocs bool
	RateLimit  *ratelimit.Limiter // Per-client limiter for /v1. Nil disables rate limiting.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	svc    *service.Service
	logger *slog.Logger
	server *http.Server

	// Extra handlers mounted on the mux (e.g., the WebSocket event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *service.Service, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		svc:    svc,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event stream endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the interactive OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Jaribu",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group with metrics/tracing middleware.
	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	if g.config.RateLimit != nil {
		middlewares = append(middlewares, g.throttle)
	}
	if g.config.APIKey != "" {
		middlewares = append(middlewares, g.authenticate)
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/environments", g.handleEnvironmentCreate,
		okapi.DocSummary("Provision an environment from a GitHub repository or local path"),
		okapi.DocTags("Environments"),
		okapi.DocRequestBody(EnvironmentCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, EnvironmentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Get("/environments", g.handleEnvironmentList,
		okapi.DocSummary("List live environments"),
		okapi.DocTags("Environments"),
		okapi.DocResponse([]EnvironmentResponse{}),
	)
	g.group.Get("/environments/{id}", g.handleEnvironmentGet,
		okapi.DocSummary("Get an environment by ID"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("id", "string", "Environment ID"),
		okapi.DocResponse(EnvironmentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/environments/{id}", g.handleEnvironmentDelete,
		okapi.DocSummary("Tear down an environment"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("id", "string", "Environment ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/environments/{id}/tests", g.handleRunTests,
		okapi.DocSummary("Auto-detect and run the environment's test suite"),
		okapi.DocTags("Tests"),
		okapi.DocPathParam("id", "string", "Environment ID"),
		okapi.DocResponse(testrunner.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Get("/environments/{id}/runs", g.handleEnvironmentRuns,
		okapi.DocSummary("List recorded runs for an environment"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Environment ID"),
		okapi.DocResponse([]RunResponse{}),
	)
	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List recent runs across all environments"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]RunResponse{}),
	)

	// Extra handlers (e.g., WebSocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // provisioning and test runs respond synchronously
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// EnvironmentCreateRequest is the JSON body for POST /v1/environments.
// Exactly one of github_url or path must be set.
type EnvironmentCreateRequest struct {
	GitHubURL string `json:"github_url,omitempty"`
	Path      string `json:"path,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// EnvironmentResponse describes a live environment.
type EnvironmentResponse struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Branch     string `json:"branch,omitempty"`
	Runtime    string `json:"runtime"`
	WorkingDir string `json:"working_dir"`
	CreatedAt  string `json:"created_at"`
}

func environmentResponse(env *environment.Environment) EnvironmentResponse {
	return EnvironmentResponse{
		ID:         env.ID,
		Source:     env.Source,
		Branch:     env.Branch,
		Runtime:    string(env.Runtime.Name),
		WorkingDir: env.Sandbox.WorkDir,
		CreatedAt:  env.CreatedAt.Format(time.RFC3339),
	}
}

func (g *Gateway) handleEnvironmentCreate(c *okapi.Context) error {
	var req EnvironmentCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if (req.GitHubURL == "") == (req.Path == "") {
		return c.AbortBadRequest("exactly one of github_url or path is required")
	}

	g.logger.Info("http environment create",
		slog.String("github_url", req.GitHubURL),
		slog.String("path", req.Path),
	)

	var (
		env *environment.Environment
		err error
	)
	if req.GitHubURL != "" {
		env, err = g.svc.CreateFromRepo(c.Context(), req.GitHubURL, req.Branch)
	} else {
		env, err = g.svc.CreateFromPath(c.Context(), req.Path)
	}
	if err != nil {
		g.logger.Warn("provisioning failed", slog.String("error", err.Error()))
		return provisionError(c, err)
	}

	return c.JSON(http.StatusCreated, environmentResponse(env))
}

func (g *Gateway) handleEnvironmentList(c *okapi.Context) error {
	envs := g.svc.List()
	resp := make([]EnvironmentResponse, len(envs))
	for i, env := range envs {
		resp[i] = environmentResponse(env)
	}
	return c.OK(resp)
}

func (g *Gateway) handleEnvironmentGet(c *okapi.Context) error {
	env, err := g.svc.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "environment not found"})
	}
	return c.OK(environmentResponse(env))
}

func (g *Gateway) handleEnvironmentDelete(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.svc.Cleanup(id); err != nil {
		if errors.Is(err, environment.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "environment not found"})
		}
		g.logger.Error("environment teardown failed",
			slog.String("env_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("teardown failed")
	}
	return c.OK(map[string]string{"status": "destroyed"})
}

func (g *Gateway) handleRunTests(c *okapi.Context) error {
	id := c.Param("id")

	res, err := g.svc.RunTests(c.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, environment.ErrNotFound):
			return c.JSON(http.StatusNotFound, okapi.M{"error": "environment not found"})
		case errors.Is(err, testrunner.ErrNoRunnerDetected):
			return c.JSON(http.StatusUnprocessableEntity, okapi.M{"error": "no test runner detected"})
		default:
			g.logger.Error("test run failed",
				slog.String("env_id", id),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("test run failed")
		}
	}
	return c.OK(res)
}

// RunResponse is one recorded run in history listings.
type RunResponse struct {
	ID            string `json:"id"`
	EnvironmentID string `json:"environment_id"`
	Source        string `json:"source"`
	Branch        string `json:"branch,omitempty"`
	Runtime       string `json:"runtime"`
	Runner        string `json:"runner,omitempty"`
	Outcome       string `json:"outcome"`
	Total         int    `json:"total"`
	Passed        int    `json:"passed"`
	Failed        int    `json:"failed"`
	Skipped       int    `json:"skipped"`
	DurationMS    int64  `json:"duration_ms"`
	Detail        string `json:"detail,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func runResponse(rec *storage.RunRecord) RunResponse {
	return RunResponse{
		ID:            rec.ID,
		EnvironmentID: rec.EnvironmentID,
		Source:        rec.Source,
		Branch:        rec.Branch,
		Runtime:       rec.Runtime,
		Runner:        rec.Runner,
		Outcome:       rec.Outcome,
		Total:         rec.Total,
		Passed:        rec.Passed,
		Failed:        rec.Failed,
		Skipped:       rec.Skipped,
		DurationMS:    rec.DurationMS,
		Detail:        rec.Detail,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
	}
}

func runResponses(recs []*storage.RunRecord) []RunResponse {
	resp := make([]RunResponse, len(recs))
	for i, rec := range recs {
		resp[i] = runResponse(rec)
	}
	return resp
}

func (g *Gateway) handleEnvironmentRuns(c *okapi.Context) error {
	recs, err := g.svc.RunsForEnvironment(c.Context(), c.Param("id"))
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(runResponses(recs))
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	recs, err := g.svc.Runs(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(runResponses(recs))
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key with a constant-time comparison.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// throttle applies the per-client rate limit. Clients are keyed by the
// presented API key when there is one, otherwise by remote host.
func (g *Gateway) throttle(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		key := strings.TrimPrefix(c.Header("Authorization"), "Bearer ")
		if key == "" {
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			key = host
		}
		if err := g.config.RateLimit.Allow(key); err != nil {
			return c.JSON(http.StatusTooManyRequests, okapi.M{"error": "rate limit exceeded"})
		}
		return next(c)
	}
}

// --- Helpers ---

// provisionError maps provisioning errors to appropriate HTTP responses.
func provisionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, source.ErrInvalidURL):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, runtimes.ErrNoRuntimeDetected),
		errors.Is(err, environment.ErrInstallFailed),
		errors.Is(err, source.ErrCloneFailed):
		return c.JSON(http.StatusUnprocessableEntity, okapi.M{"error": err.Error()})
	default:
		return c.AbortInternalServerError("provisioning failed")
	}
}
