package promotion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/release"
)

// CancelRecorder records operator cancellation requests.
type CancelRecorder interface {
	LogCancellation(ctx context.Context, actor, runID string, err error)
}

// Handler provides HTTP endpoints for runs, rollout attempts and approvals.
type Handler struct {
	pipeline *Pipeline
	attempts deploy.AttemptStore
	recorder CancelRecorder
}

// NewHandler creates a new promotion HTTP handler.
func NewHandler(pipeline *Pipeline, attempts deploy.AttemptStore) *Handler {
	return &Handler{pipeline: pipeline, attempts: attempts}
}

// SetCancelRecorder sets where cancellation requests are recorded.
func (h *Handler) SetCancelRecorder(r CancelRecorder) { h.recorder = r }

// RegisterRoutes registers promotion API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", h.listRuns)
	mux.HandleFunc("POST /api/runs", h.submit)
	mux.HandleFunc("GET /api/runs/{id}", h.getRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", h.cancel)
	mux.HandleFunc("GET /api/attempts", h.listAttempts)
	mux.HandleFunc("GET /api/attempts/{id}", h.getAttempt)
	mux.HandleFunc("GET /api/approvals", h.listApprovals)
	mux.HandleFunc("POST /api/approvals/{environment}/{release}/approve", h.approve)
	mux.HandleFunc("POST /api/approvals/{environment}/{release}/reject", h.reject)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	f := RunFilter{State: State(r.URL.Query().Get("state")), Limit: limit(r)}
	runs, err := h.pipeline.List(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs, "total": len(runs)})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	run, err := h.pipeline.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.pipeline.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body decision
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := h.pipeline.Cancel(r.Context(), id)
	if h.recorder != nil {
		h.recorder.LogCancellation(r.Context(), body.By, id, err)
	}
	switch {
	case errors.Is(err, ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrRunFinished):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
	}
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attempts, err := h.attempts.ListAttempts(r.Context(), deploy.AttemptFilter{
		Environment: q.Get("environment"),
		Status:      deploy.Status(q.Get("status")),
		Limit:       limit(r),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": attempts, "total": len(attempts)})
}

func (h *Handler) getAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.attempts.GetAttempt(r.Context(), r.PathValue("id"))
	if errors.Is(err, deploy.ErrAttemptNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	gates := h.pipeline.Gates().List(GateStatus(r.URL.Query().Get("status")))
	writeJSON(w, http.StatusOK, map[string]any{"items": gates, "total": len(gates)})
}

type decision struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var body decision
	_ = json.NewDecoder(r.Body).Decode(&body)
	gate, err := h.pipeline.Gates().Approve(r.Context(), r.PathValue("environment"), release.ID(r.PathValue("release")), body.By, body.Reason)
	writeDecision(w, gate, err)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var body decision
	_ = json.NewDecoder(r.Body).Decode(&body)
	gate, err := h.pipeline.Gates().Reject(r.Context(), r.PathValue("environment"), release.ID(r.PathValue("release")), body.By, body.Reason)
	writeDecision(w, gate, err)
}

func writeDecision(w http.ResponseWriter, gate Gate, err error) {
	switch {
	case errors.Is(err, ErrGateNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrGateClosed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, gate)
	}
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
