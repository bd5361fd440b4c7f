// Package audit writes one JSON line per pipeline decision: rollouts,
// approvals, cancellations and configuration changes.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/promotion"
)

// EventType classifies audit events.
type EventType string

const (
	EventRun          EventType = "run"
	EventRollout      EventType = "rollout"
	EventApproval     EventType = "approval"
	EventCancellation EventType = "cancellation"
	EventConfigChange EventType = "config_change"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events as JSON lines. It observes pipeline runs and
// rollout attempts.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	slog   *slog.Logger
}

var (
	_ promotion.Observer = (*Logger)(nil)
	_ deploy.Observer    = (*Logger)(nil)
)

// NewLogger creates a Logger that writes to w. If w is nil, it defaults to
// os.Stdout.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		writer: w,
		slog:   slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Log records an audit event. It is safe for concurrent use.
func (l *Logger) Log(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		l.slog.Error("failed to marshal audit event", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		l.slog.Error("failed to write audit event", "error", err)
	}
}

// LogConfigChange records a configuration reload.
func (l *Logger) LogConfigChange(ctx context.Context, actor, resource, detail string) {
	l.Log(ctx, Event{
		Type:     EventConfigChange,
		Action:   "config_change",
		Actor:    actor,
		Resource: resource,
		Success:  true,
		Detail:   detail,
	})
}

// LogCancellation records an operator's cancellation request for a run.
func (l *Logger) LogCancellation(ctx context.Context, actor, runID string, err error) {
	ev := Event{
		Type:     EventCancellation,
		Action:   "cancel",
		Actor:    actor,
		Resource: "run/" + runID,
		Success:  err == nil,
	}
	if err != nil {
		ev.Detail = err.Error()
	}
	l.Log(ctx, ev)
}

// LogGate records a gate decision or expiry.
func (l *Logger) LogGate(ctx context.Context, g promotion.Gate) {
	if g.Pending() {
		l.Log(ctx, Event{
			Type:     EventApproval,
			Action:   "requested",
			Resource: "environment/" + g.Environment,
			Success:  true,
			Metadata: map[string]any{"gate": g.ID, "run": g.RunID, "release": string(g.Release), "tag": g.Tag},
		})
		return
	}
	l.Log(ctx, Event{
		Type:     EventApproval,
		Action:   string(g.Status),
		Actor:    g.DecidedBy,
		Resource: "environment/" + g.Environment,
		Detail:   g.Reason,
		Success:  g.Status == promotion.GateApproved,
		Metadata: map[string]any{"gate": g.ID, "run": g.RunID, "release": string(g.Release)},
	})
}

// RunTransitioned is a no-op; only run outcomes are audited.
func (l *Logger) RunTransitioned(context.Context, promotion.Run, promotion.State) {}

// RunFinished records the outcome of a run.
func (l *Logger) RunFinished(ctx context.Context, r promotion.Run) {
	ev := Event{
		Type:     EventRun,
		Action:   string(r.State),
		Actor:    r.Event.Sender,
		Resource: "run/" + r.ID,
		Detail:   r.Reason,
		Success:  r.FailureKind == "",
		Metadata: map[string]any{"plan": string(r.Plan), "ref": r.Event.Ref, "revision": r.Event.Revision},
	}
	if r.Release != nil {
		ev.Metadata["release"] = string(r.Release.ID)
	}
	if r.FailureKind != "" {
		ev.Metadata["failureKind"] = string(r.FailureKind)
	}
	l.Log(ctx, ev)
}

// AttemptStarted records the start of a rollout.
func (l *Logger) AttemptStarted(ctx context.Context, a deploy.Attempt) {
	l.Log(ctx, Event{
		Type:     EventRollout,
		Action:   "started",
		Resource: "environment/" + a.Environment,
		Success:  true,
		Metadata: map[string]any{"attempt": a.ID, "release": string(a.Release), "previous": string(a.PreviousRelease)},
	})
}

// BatchCompleted is a no-op; batches are recorded on the attempt itself.
func (l *Logger) BatchCompleted(context.Context, deploy.Attempt, int, time.Duration) {}

// AttemptFinished records the outcome of a rollout.
func (l *Logger) AttemptFinished(ctx context.Context, a deploy.Attempt) {
	ev := Event{
		Type:     EventRollout,
		Action:   string(a.Status),
		Resource: "environment/" + a.Environment,
		Detail:   a.Reason,
		Success:  a.Status == deploy.StatusSuccess,
		Metadata: map[string]any{
			"attempt":          a.ID,
			"release":          string(a.Release),
			"completedBatches": a.CompletedBatches,
			"batches":          a.Batches,
		},
	}
	if a.FailureKind != "" {
		ev.Metadata["failureKind"] = string(a.FailureKind)
	}
	l.Log(ctx, ev)
}

// GateStore records every saved gate state change before passing it on.
type GateStore struct {
	next promotion.GateStore
	log  *Logger

	mu   sync.Mutex
	seen map[string]promotion.GateStatus
}

// NewGateStore wraps next, which may be nil.
func NewGateStore(next promotion.GateStore, log *Logger) *GateStore {
	return &GateStore{next: next, log: log, seen: make(map[string]promotion.GateStatus)}
}

// SaveGate implements promotion.GateStore.
func (s *GateStore) SaveGate(ctx context.Context, g promotion.Gate) error {
	if s.next != nil {
		if err := s.next.SaveGate(ctx, g); err != nil {
			return err
		}
	}
	s.mu.Lock()
	prev, ok := s.seen[g.ID]
	s.seen[g.ID] = g.Status
	s.mu.Unlock()
	if !ok || prev != g.Status {
		s.log.LogGate(ctx, g)
	}
	return nil
}
