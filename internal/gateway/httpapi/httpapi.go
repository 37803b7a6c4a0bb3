// Package httpapi implements the HTTP API gateway for Kijenzi.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - All run submissions logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/events"
	"github.com/jkaninda/kijenzi/internal/observability"
	"github.com/jkaninda/kijenzi/internal/ratelimit"
	"github.com/jkaninda/kijenzi/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// anonymousClient is the client ID used when no API keys are configured.
const anonymousClient = "anonymous"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> client ID. Empty = authentication disabled.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Preview proxy
	ProxyTimeout    time.Duration // Upstream timeout. 0 = 30s.
	ProxyHostSuffix string        // Only preview hosts ending with this suffix are proxied. Empty = any host.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// RunQueue accepts run events for asynchronous execution. runner.Runner implements it.
type RunQueue interface {
	Enqueue(ctx context.Context, ev domain.RunEvent) (string, error)
}

// queueChecker is implemented by run queues that can report spare capacity
// before anything is written.
type queueChecker interface {
	CheckQueue(ctx context.Context) error
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	projects storage.ProjectStore
	messages storage.MessageStore
	runs     RunQueue
	broker   *events.Broker // nil = SSE stream disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the run event stream).
	extraRoutes []extraRoute

	okapi     *okapi.Okapi
	group     *okapi.Group
	routeOnce sync.Once
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil to disable rate limiting.
func NewGateway(cfg Config, projects storage.ProjectStore, messages storage.MessageStore, runs RunQueue, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 30 * time.Second
	}
	return &Gateway{
		config:   cfg,
		projects: projects,
		messages: messages,
		runs:     runs,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kijenzi",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given pattern.
// Used for the websocket run event stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler returns the gateway's HTTP handler with all routes registered.
func (g *Gateway) Handler() http.Handler {
	g.routeOnce.Do(g.registerRoutes)
	return g.okapi
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routeOnce.Do(g.registerRoutes)

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

func (g *Gateway) registerRoutes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/projects", g.handleCreateProject,
		okapi.DocSummary("Create a project and start its first build"),
		okapi.DocTags("Projects"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(http.StatusAccepted, CreateProjectResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/projects/{id}", g.handleGetProject,
		okapi.DocSummary("Get a project"),
		okapi.DocTags("Projects"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocResponse(ProjectResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/projects/{id}/messages", g.handlePostMessage,
		okapi.DocSummary("Send a follow-up instruction and start a build"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(http.StatusAccepted, RunAcceptedResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/projects/{id}/messages", g.handleListMessages,
		okapi.DocSummary("List project messages with their fragments"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocResponse([]MessageResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// SSE run progress stream.
	if g.broker != nil {
		g.group.Get("/projects/{id}/events/stream", g.handleEventStream,
			okapi.DocSummary("Stream run progress via SSE"),
			okapi.DocTags("Events"),
			okapi.DocPathParam("id", "string", "Project ID (UUID)"),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., websocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Preview proxy (unauthenticated; loaded by iframes).
	g.okapi.HandleStd("GET", "/proxy", newPreviewProxy(g.config.ProxyTimeout, g.config.ProxyHostSuffix, g.logger).ServeHTTP)

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

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
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

// authenticate validates the API key and stores the mapped client ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", anonymousClient)
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// ValidKey reports whether token matches a configured API key.
// Always true when authentication is disabled.
func (g *Gateway) ValidKey(token string) bool {
	if len(g.config.APIKeys) == 0 {
		return true
	}
	ok := false
	for key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// allow applies the per-client rate limit.
func (g *Gateway) allow(clientID string) bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow(clientID) == nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
