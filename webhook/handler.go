package webhook

import (
	"encoding/json"
	"net/http"
)

// Handler exposes the notification dead letter store over HTTP.
type Handler struct {
	sender *Sender
}

// NewHandler creates a new dead letter HTTP handler.
func NewHandler(sender *Sender) *Handler {
	return &Handler{sender: sender}
}

// RegisterRoutes registers dead letter routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/notifications/dead-letter", h.list)
	mux.HandleFunc("GET /api/notifications/dead-letter/stats", h.stats)
	mux.HandleFunc("POST /api/notifications/dead-letter/{id}/retry", h.retry)
	mux.HandleFunc("DELETE /api/notifications/dead-letter/{id}", h.remove)
	mux.HandleFunc("DELETE /api/notifications/dead-letter", h.purge)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	entries := h.sender.DeadLetters().List(r.URL.Query().Get("run"))
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "total": len(entries)})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sender.DeadLetters().Stats())
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.sender.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		if delivery != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "delivery": delivery})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sender.DeadLetters().Remove(r.PathValue("id")); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) purge(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"purged": h.sender.DeadLetters().Purge()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
