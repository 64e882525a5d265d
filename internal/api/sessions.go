package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/identity"
)

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	AgentType string `json:"agent_type"`
	ModelID   string `json:"model_id,omitempty"`
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, decodeError(err))
		return
	}
	info, ok := h.reg.Agent(req.AgentType)
	if !ok {
		Error(w, http.StatusBadRequest, fmt.Sprintf("unknown agent type %q", req.AgentType))
		return
	}
	if !info.Available {
		Error(w, http.StatusBadRequest, fmt.Sprintf("agent %q is not available", req.AgentType))
		return
	}

	model, err := h.sessionModel(req.ModelID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sess := &domain.Session{
		AgentType: req.AgentType,
		UserID:    userID,
		Messages:  []domain.Message{},
		State: domain.SessionState{
			ModelID:   model.ID,
			ModelInfo: model.Info(),
			Usage:     &domain.Usage{},
		},
	}
	if err := h.repo.CreateSession(r.Context(), sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	path, err := h.ws.Create(sess.AgentType, sess.ID)
	if err != nil {
		h.logger.Error("Failed to create session workspace", "session_id", sess.ID, "error", err)
		if delErr := h.repo.DeleteSession(r.Context(), userID, sess.AgentType, sess.ID); delErr != nil {
			h.logger.Warn("Failed to roll back session", "session_id", sess.ID, "error", delErr)
		}
		h.writeError(w, r, err)
		return
	}
	sess.Path = path

	h.logger.Info("Session created", "session_id", sess.ID, "agent_type", sess.AgentType, "model_id", model.ID)
	JSON(w, http.StatusCreated, sess)
}

// sessionModel resolves the model of a new session. An explicit id must be
// known to the registry; otherwise the configured provider's default wins.
func (h *Handler) sessionModel(requested string) (domain.ModelSpec, error) {
	if requested != "" {
		return h.reg.Model(requested)
	}
	return h.reg.DefaultModel(h.opts.Provider, h.opts.DefaultModel)
}

// ListSessions handles GET /api/sessions?agent_type=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.repo.ListSessions(r.Context(), userID, r.URL.Query().Get("agent_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession handles GET /api/sessions/{agent_type}/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.loadSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/sessions/{agent_type}/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.loadSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := h.exec.Release(ctx, h.sandboxKey(sess)); err != nil {
		h.logger.Warn("Failed to release sandbox", "session_id", sess.ID, "error", err)
	}
	if err := h.repo.DeleteSession(ctx, sess.UserID, sess.AgentType, sess.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.ws.Remove(sess.AgentType, sess.ID); err != nil {
		h.logger.Warn("Failed to remove session files", "session_id", sess.ID, "error", err)
	}

	h.logger.Info("Session deleted", "session_id", sess.ID, "agent_type", sess.AgentType)
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Session %s deleted", sess.ID),
	})
}

// ListFiles handles GET /api/sessions/{agent_type}/{session_id}/files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	sess, err := h.loadSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	files, err := h.ws.ListFiles(sess.AgentType, sess.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, files)
}

// ListLogs handles GET /api/sessions/{agent_type}/{session_id}/logs.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	sess, err := h.loadSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.ws.Logs(sess.AgentType, sess.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "logs": logs})
}

// Upload handles POST /api/upload/{agent_type}/{session_id} with a
// multipart "file" field.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	sess, err := h.loadSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize+64<<10)

	reader, err := r.MultipartReader()
	if err != nil {
		Error(w, http.StatusBadRequest, "multipart form expected")
		return
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			Error(w, http.StatusBadRequest, `missing "file" field`)
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			continue
		}
		path, err := h.ws.SaveUpload(sess.AgentType, sess.ID, part.FileName(), part, h.opts.MaxUploadSize)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		name := filepath.Base(path)
		h.logger.Info("File uploaded", "session_id", sess.ID, "filename", name)
		JSON(w, http.StatusOK, map[string]string{
			"filename": name,
			"path":     "input/" + name,
		})
		return
	}
}

// loadSession fetches the session named by the URL for the current user.
func (h *Handler) loadSession(r *http.Request) (*domain.Session, error) {
	userID := identity.UserIDFromContext(r.Context())
	agentType := chi.URLParam(r, "agent_type")
	sessionID := chi.URLParam(r, "session_id")
	sess, err := h.repo.GetSession(r.Context(), userID, agentType, sessionID)
	if err != nil {
		return nil, err
	}
	if path, err := h.ws.Path(sess.AgentType, sess.ID); err == nil {
		sess.Path = path
	}
	return sess, nil
}

// decodeError classifies a JSON body decode failure.
func decodeError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: ") {
		msg = strings.TrimPrefix(msg, "json: ")
	}
	return fmt.Errorf("%w: invalid request body: %s", errBadRequest, msg)
}
