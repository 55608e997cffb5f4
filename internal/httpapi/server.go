// Package httpapi is the HTTP surface of the engine: the JSON task facade
// under /api/v1 and the push-stream bindings under /stream. Handlers stay
// thin; task semantics live in the registry and worker.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/db"
	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/registry"
)

// StreamCloser tears down a task's external event stream; the facade calls
// it when a task row is deleted.
type StreamCloser interface {
	CloseStreams(taskID string)
}

// Options wires the server.
type Options struct {
	Registry *registry.Registry
	Store    *db.Client
	Logger   *zap.Logger
	// Redis enables the rate-limit and idempotency middleware when non-nil.
	Redis *redis.Client
	// Mirror, when non-nil, has its stream deleted alongside the task row.
	Mirror         StreamCloser
	TracingEnabled bool

	// Stream session tuning; zero values take the protocol defaults.
	StatePollInterval time.Duration
	DrainGrace        time.Duration
	IdleTimeout       time.Duration
}

// Server carries handler dependencies.
type Server struct {
	registry       *registry.Registry
	store          *db.Client
	logger         *zap.Logger
	redis          *redis.Client
	mirror         StreamCloser
	tracingEnabled bool

	statePollInterval time.Duration
	drainGrace        time.Duration
	idleTimeout       time.Duration
}

// NewServer builds the facade around a registry and store.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StatePollInterval <= 0 {
		opts.StatePollInterval = 500 * time.Millisecond
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 300 * time.Millisecond
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	return &Server{
		registry:          opts.Registry,
		store:             opts.Store,
		logger:            opts.Logger,
		redis:             opts.Redis,
		mirror:            opts.Mirror,
		tracingEnabled:    opts.TracingEnabled,
		statePollInterval: opts.StatePollInterval,
		drainGrace:        opts.DrainGrace,
		idleTimeout:       opts.IdleTimeout,
	}
}

// Routes returns the fully wired handler: route table inside the middleware
// onion (recovery outermost, then logging, tracing, metrics, and the
// redis-backed limiters when redis is configured).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/stop", s.handleStopTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/state", s.handleTaskState)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/v1/tasks/{id}/agent-runs", s.handleAgentRuns)
	mux.HandleFunc("GET /api/v1/tasks/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /api/v1/tasks/{id}/artifacts/content", s.handleArtifactContent)

	mux.HandleFunc("GET /stream/{task_id}", s.handleWebSocket)
	mux.HandleFunc("GET /stream/{task_id}/sse", s.handleSSE)

	var h http.Handler = mux
	if s.redis != nil {
		h = s.idempotencyMiddleware(h)
		h = s.rateLimitMiddleware(h)
	}
	if s.tracingEnabled {
		h = s.tracingMiddleware(h)
	}
	h = s.metricsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

func (s *Server) sendError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    errCode,
			"message": message,
		},
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// currentState resolves the task's state: the live worker snapshot when one
// exists, otherwise a view derived from the durable record.
func (s *Server) currentState(r *http.Request, taskID string) (models.TaskState, error) {
	if state, ok := s.registry.StateSnapshot(taskID); ok {
		return state, nil
	}
	task, err := s.store.FetchTask(r.Context(), taskID)
	if err != nil {
		return models.TaskState{}, err
	}
	return stateFromTask(task), nil
}

// stateFromTask reconstructs a snapshot for tasks with no live worker.
// Progress is authoritative only for SUCCEEDED; other terminal rows report
// zero because the durable model does not record partial progress.
func stateFromTask(t *db.Task) models.TaskState {
	state := models.TaskState{
		TaskID: t.ID,
		Status: t.Status,
	}
	if t.Status == models.TaskStatusSucceeded {
		state.Progress = 1.0
		if t.ResultSummary != nil {
			var result map[string]interface{}
			if err := json.Unmarshal([]byte(*t.ResultSummary), &result); err == nil {
				state.Result = result
			}
		}
	}
	if t.ErrorMessage != nil {
		state.LastMessage = *t.ErrorMessage
	}
	return state
}
