package scm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/shipyard/promotion"
)

// maxPayload caps webhook bodies. GitHub limits payloads to 25MB.
const maxPayload = 25 << 20

// Submitter starts pipeline runs.
type Submitter interface {
	Submit(ctx context.Context, ev promotion.Event) (promotion.Run, error)
}

// Handler receives GitHub webhooks.
type Handler struct {
	submitter Submitter
	secret    string
	logger    *slog.Logger
}

// NewHandler creates a webhook handler. secret is the shared webhook
// secret; empty disables signature checks.
func NewHandler(submitter Submitter, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{submitter: submitter, secret: secret, logger: logger}
}

// RegisterRoutes registers the webhook route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /hooks/github", h.handleGitHub)
}

func (h *Handler) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if err := VerifyGitHub(h.secret, r.Header.Get("X-Hub-Signature-256"), body); err != nil {
		h.logger.Warn("rejected webhook", "delivery", r.Header.Get("X-GitHub-Delivery"), "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	ev, err := ParseGitHub(eventType, r.Header.Get("X-GitHub-Delivery"), body)
	switch {
	case errors.Is(err, ErrIgnored):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	run, err := h.submitter.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, promotion.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("webhook accepted", "event", eventType, "run", run.ID, "ref", ev.Ref, "revision", ev.Revision)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run": run.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
