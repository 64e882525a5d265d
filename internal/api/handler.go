// Package api provides the HTTP handlers of the agentchat server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/registry"
	"github.com/ashureev/agentchat/internal/sandbox"
	"github.com/ashureev/agentchat/internal/store"
	"github.com/ashureev/agentchat/internal/workspace"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultMaxUploadSize      = 50 << 20
)

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

// Deps are the collaborators of the handlers.
type Deps struct {
	Repo      store.Repository
	Workspace *workspace.Manager
	Registry  *registry.Registry
	Agents    *agent.Service
	Sandbox   sandbox.Executor
	TurnLog   workspace.TurnLogger
	Limiter   *RateLimiter
	Logger    *slog.Logger
}

// Options tune the handlers.
type Options struct {
	// Provider is the configured LLM provider; new sessions get one of its
	// models.
	Provider string
	// DefaultModel is preferred for new sessions when it belongs to Provider.
	DefaultModel       string
	MaxRequestBodySize int64
	MaxUploadSize      int64
	// OriginPatterns are the hosts allowed to open /ws/chat. Empty allows
	// same-origin requests only.
	OriginPatterns []string
}

// Handler serves the REST, SSE and websocket endpoints.
type Handler struct {
	repo    store.Repository
	ws      *workspace.Manager
	reg     *registry.Registry
	agents  *agent.Service
	exec    sandbox.Executor
	turnLog workspace.TurnLogger
	limiter *RateLimiter
	logger  *slog.Logger
	opts    Options
}

// NewHandler creates a Handler. Optional dependencies fall back to inert
// implementations.
func NewHandler(deps Deps, opts Options) *Handler {
	h := &Handler{
		repo:    deps.Repo,
		ws:      deps.Workspace,
		reg:     deps.Registry,
		agents:  deps.Agents,
		exec:    deps.Sandbox,
		turnLog: deps.TurnLog,
		limiter: deps.Limiter,
		logger:  deps.Logger,
		opts:    opts,
	}
	if h.reg == nil {
		h.reg = registry.Builtin()
	}
	if h.exec == nil {
		h.exec = sandbox.Disabled{}
	}
	if h.turnLog == nil {
		h.turnLog = workspace.NopTurnLogger{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.opts.MaxRequestBodySize <= 0 {
		h.opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if h.opts.MaxUploadSize <= 0 {
		h.opts.MaxUploadSize = defaultMaxUploadSize
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)

		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Route("/sessions/{agent_type}/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Get("/files", h.ListFiles)
			r.Get("/logs", h.ListLogs)
		})
		r.Post("/upload/{agent_type}/{session_id}", h.Upload)

		r.Get("/agents", h.ListAgents)
		r.Get("/models", h.ListModels)
	})
	r.Get("/ws/chat", h.HandleWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorStatus maps domain errors to an HTTP status and a client message.
func errorStatus(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, workspace.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, workspace.ErrInvalidPath),
		errors.Is(err, agent.ErrUnknownAgent),
		errors.Is(err, agent.ErrUnavailable),
		errors.Is(err, registry.ErrUnknownModel),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeError renders err with the status errorStatus picks. Server errors
// are logged.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	Error(w, status, msg)
}
