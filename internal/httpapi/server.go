package httpapi

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/galaxy/internal/engine"
)

// Deps holds the dependencies for the HTTP API.
type Deps struct {
	Service *engine.Service
	// Pool, when set, reports worker pool metrics on /healthz.
	Pool PoolStats
	// MaxCallbackBody bounds provider callback payloads; zero means 10 MiB.
	MaxCallbackBody int64
	Logger          *slog.Logger
}

const defaultMaxCallbackBody = 10 << 20

// PoolStats exposes worker pool metrics. Satisfied by *engine.WorkerPool.
type PoolStats interface {
	Metrics() engine.PoolMetrics
}

// Server serves the JSON API, live event streams and provider callbacks.
type Server struct {
	svc             *engine.Service
	pool            PoolStats
	maxCallbackBody int64
	logger          *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBody := deps.MaxCallbackBody
	if maxBody <= 0 {
		maxBody = defaultMaxCallbackBody
	}
	return &Server{svc: deps.Service, pool: deps.Pool, maxCallbackBody: maxBody, logger: logger}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Provider callbacks. The path matches the callback URL handed to providers.
	mux.HandleFunc("POST /callbacks/{token}", s.handleCallback)

	// Planning and triggering.
	mux.HandleFunc("POST /api/plan", s.handlePlan)
	mux.HandleFunc("POST /api/workflows/{id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.DebugContext(r.Context(), "http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.pool != nil {
		resp["pool"] = s.pool.Metrics()
	}
	writeJSON(w, http.StatusOK, resp)
}
