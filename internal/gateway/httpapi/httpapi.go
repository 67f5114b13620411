// Package httpapi exposes the build orchestrator over HTTP.
//
// Security:
//   - Bearer token authentication on /v1 and the MCP endpoint (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/seiro/internal/build"
	"github.com/jkaninda/seiro/internal/history"
	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/observability"
	"github.com/jkaninda/seiro/internal/ratelimit"
	"github.com/jkaninda/seiro/internal/service"
	"github.com/jkaninda/seiro/internal/toolerr"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultPollInterval   = 500 * time.Millisecond
)

// Builds is the orchestration facade served by the gateway.
type Builds interface {
	ValidateSandboxPolicy(ctx context.Context, in service.ValidateInput) (service.ValidateOutput, error)
	BuildVisionOSApp(ctx context.Context, req build.Request) (service.BuildOutput, error)
	SubmitBuild(ctx context.Context, req build.Request) (string, error)
	FetchBuildOutput(ctx context.Context, in service.FetchInput) (service.FetchOutput, error)
	Job(ctx context.Context, id string) (jobstore.Job, error)
}

// HistoryLister reads the persistent build history.
type HistoryLister interface {
	List(ctx context.Context, opts history.ListOptions) ([]history.Entry, error)
}

// ErrorBody is the error response used in OpenAPI documentation.
type ErrorBody = toolerr.Envelope

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8080"
	Token          string // Bearer token. Empty disables authentication.
	EnableDocs     bool
	MaxRequestSize int64         // Maximum request body in bytes. 0 = 1 MB default.
	PollInterval   time.Duration // Job status stream cadence. 0 = 500ms.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	builds  Builds
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	history HistoryLister // nil = history endpoint disabled.

	mcpPath    string
	mcpHandler http.Handler // nil = MCP over HTTP disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway. rl may be nil.
func NewGateway(cfg Config, b Builds, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		builds:  b,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHistory enables GET /v1/history.
func (g *Gateway) WithHistory(h HistoryLister) *Gateway {
	g.history = h
	return g
}

// WithMCP mounts the streamable HTTP MCP transport at path, behind the same
// authentication and rate limit as /v1.
func (g *Gateway) WithMCP(path string, h http.Handler) *Gateway {
	g.mcpPath = path
	g.mcpHandler = h
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Seiro",
			Version: "v1",
		},
	)
	return g
}

func (g *Gateway) routes() {
	maxBody := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Check the sandbox policy without building"),
		okapi.DocTags("Sandbox"),
		okapi.DocRequestBody(service.ValidateInput{}),
		okapi.DocResponse(service.ValidateOutput{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/builds", g.handleBuild,
		okapi.DocSummary("Build a visionOS app; pass ?async=true to return once the job is registered"),
		okapi.DocTags("Builds"),
		okapi.DocRequestBody(build.Request{}),
		okapi.DocResponse(service.BuildOutput{}),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Get("/builds/{id}", g.handleJob,
		okapi.DocSummary("Get the current job record"),
		okapi.DocTags("Builds"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(jobstore.Job{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/builds/{id}/output", g.handleOutput,
		okapi.DocSummary("Fetch the artifact handle of a succeeded job"),
		okapi.DocTags("Builds"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(service.FetchOutput{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
	g.group.Get("/builds/{id}/artifact", g.handleArtifact,
		okapi.DocSummary("Download the artifact zip of a succeeded job"),
		okapi.DocTags("Builds"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
	g.group.Get("/builds/{id}/events", g.handleJobEvents,
		okapi.DocSummary("Stream job status changes via SSE"),
		okapi.DocTags("Builds"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if g.history != nil {
		g.group.Get("/history", g.handleHistory,
			okapi.DocSummary("List finished builds, newest first"),
			okapi.DocTags("History"),
			okapi.DocResponse([]history.Entry{}),
		)
	}

	g.okapi.HandleStd("GET", "/v1/watch", g.requireToken(http.HandlerFunc(g.handleWatch)).ServeHTTP)
	if g.mcpHandler != nil {
		h := g.requireToken(g.mcpHandler).ServeHTTP
		for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			g.okapi.HandleStd(m, g.mcpPath, h)
		}
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
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()
	if g.config.Token == "" {
		g.logger.Warn("http api authentication disabled; bind to loopback only")
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SubmitResponse is returned with HTTP 202 for asynchronous builds.
type SubmitResponse struct {
	JobID  string            `json:"job_id"`
	Status jobstore.Status   `json:"status"`
	Links  map[string]string `json:"links"`
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var in service.ValidateInput
	if err := c.Bind(&in); err != nil {
		return writeError(c, toolerr.Wrap(toolerr.InvalidRequest, err, "invalid request body"))
	}
	out, err := g.builds.ValidateSandboxPolicy(c.Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(out)
}

func (g *Gateway) handleBuild(c *okapi.Context) error {
	var req build.Request
	if err := c.Bind(&req); err != nil {
		return writeError(c, toolerr.Wrap(toolerr.InvalidRequest, err, "invalid request body"))
	}

	if async, _ := strconv.ParseBool(c.Request().URL.Query().Get("async")); async {
		id, err := g.builds.SubmitBuild(c.Context(), req)
		if err != nil {
			return writeError(c, err)
		}
		g.logger.Info("http build submitted", slog.String("job_id", id), slog.String("scheme", req.Scheme))
		return c.JSON(http.StatusAccepted, SubmitResponse{
			JobID:  id,
			Status: jobstore.StatusRunning,
			Links: map[string]string{
				"self":     "/v1/builds/" + id,
				"events":   "/v1/builds/" + id + "/events",
				"watch":    "/v1/watch?job_id=" + id,
				"output":   "/v1/builds/" + id + "/output",
				"artifact": "/v1/builds/" + id + "/artifact",
			},
		})
	}

	out, err := g.builds.BuildVisionOSApp(c.Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(out)
}

func (g *Gateway) handleJob(c *okapi.Context) error {
	job, err := g.builds.Job(c.Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(job)
}

func (g *Gateway) handleOutput(c *okapi.Context) error {
	in := service.FetchInput{JobID: c.Param("id")}
	if v := c.Request().URL.Query().Get("include_logs"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return writeError(c, toolerr.New(toolerr.InvalidRequest, "include_logs must be a boolean"))
		}
		in.IncludeLogs = &b
	}
	out, err := g.builds.FetchBuildOutput(c.Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(out)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	q := c.Request().URL.Query()
	opts := history.ListOptions{Status: q.Get("status"), Scheme: q.Get("scheme")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return writeError(c, toolerr.New(toolerr.InvalidRequest, "limit must be a non-negative integer"))
		}
		opts.Limit = n
	}
	entries, err := g.history.List(c.Context(), opts)
	if err != nil {
		g.logger.Error("history query failed", slog.String("error", err.Error()))
		return writeError(c, toolerr.Wrap(toolerr.Internal, err, "reading build history"))
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.OK(entries)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

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

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !g.validToken(c.Header("Authorization")) {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		id := clientID(c.Request())
		c.Set("clientID", id)
		if g.limiter != nil {
			if err := g.limiter.Allow(id); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}

// requireToken applies the same authentication and rate limiting as the /v1
// group to plain handlers.
func (g *Gateway) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.validToken(r.Header.Get("Authorization")) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(clientID(r)); err != nil {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) validToken(header string) bool {
	if g.config.Token == "" {
		return true
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.config.Token)) == 1
}

// clientID keys the rate limiter by remote host.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Helpers ---

func writeError(c *okapi.Context, err error) error {
	te := toolerr.From(err)
	return c.JSON(StatusFor(te.Code), te.Envelope())
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code toolerr.Code) int {
	switch code {
	case toolerr.InvalidRequest, toolerr.InvalidJobID:
		return http.StatusBadRequest
	case toolerr.PathNotAllowed, toolerr.SchemeNotAllowed, toolerr.SandboxViolationBlocked:
		return http.StatusForbidden
	case toolerr.SDKMissing, toolerr.DevToolsSecurityDisabled, toolerr.XcodeUnlicensed, toolerr.DiskInsufficient:
		return http.StatusPreconditionFailed
	case toolerr.JobNotFound:
		return http.StatusNotFound
	case toolerr.ArtifactExpired:
		return http.StatusGone
	case toolerr.BuildFailedNoArtifact:
		return http.StatusConflict
	case toolerr.BuildFailed:
		return http.StatusUnprocessableEntity
	case toolerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
