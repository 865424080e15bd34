package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves the probe endpoints from the manager's cached snapshot.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHandler(m *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: m, logger: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/ready", h.handleReadiness)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, results := h.manager.Overall()
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{
		"status":     status.String(),
		"components": results,
	})
}

// Liveness answers as long as the process serves HTTP at all.
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
