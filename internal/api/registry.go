package api

import (
	"net/http"
)

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"agents": h.reg.Agents()})
}

// ListModels handles GET /api/models?provider=.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"models": h.reg.Models(r.URL.Query().Get("provider"))})
}
