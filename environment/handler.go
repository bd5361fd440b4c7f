package environment

import (
	"encoding/json"
	"net/http"
)

// Handler exposes read-only environment endpoints over HTTP. Environment
// state changes only through rollouts, so there are no write routes.
type Handler struct {
	arena *Arena
}

// NewHandler creates a new environment HTTP handler.
func NewHandler(arena *Arena) *Handler {
	return &Handler{arena: arena}
}

// RegisterRoutes registers environment endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/environments", h.handleList)
	mux.HandleFunc("GET /api/environments/{name}", h.handleGet)
}

// ---------- GET /api/environments ----------

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"environments": h.arena.List()})
}

// ---------- GET /api/environments/{name} ----------

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing environment name")
		return
	}
	rec, ok := h.arena.Get(Name(name))
	if !ok {
		writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
