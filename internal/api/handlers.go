package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"copytrader/internal/engine"
	"copytrader/internal/store"
)

// StatusProvider is the engine-side view the API reads. Implemented by
// engine.Engine.
type StatusProvider interface {
	Status() engine.Status
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	instance string
	provider StatusProvider
	store    *store.Store
	logger   *slog.Logger
}

// NewHandlers creates the handlers for one instance.
func NewHandlers(instance string, provider StatusProvider, st *store.Store, logger *slog.Logger) *Handlers {
	return &Handlers{
		instance: instance,
		provider: provider,
		store:    st,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine loop snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.Status())
}

// HandlePositions returns the instance's active mirrored positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ActivePositions(h.instance)
	if err != nil {
		h.logger.Error("failed to load positions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, rows)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
