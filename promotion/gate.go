package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/shipyard/release"
)

var (
	// ErrGateNotFound is returned when no gate matches a decision or lookup.
	ErrGateNotFound = errors.New("promotion: approval gate not found")
	// ErrGateClosed is returned when deciding a gate that is no longer pending.
	ErrGateClosed = errors.New("promotion: approval gate already closed")
	// ErrGateConsumed is returned when a gate's outcome was already taken.
	ErrGateConsumed = errors.New("promotion: approval gate already consumed")
	// ErrNoTimeout is returned when a gate is opened without a timeout and
	// the registry does not allow that.
	ErrNoTimeout = errors.New("promotion: approval timeout is required")
)

// GateStatus is the state of an approval gate.
type GateStatus string

const (
	GatePending   GateStatus = "pending"
	GateApproved  GateStatus = "approved"
	GateRejected  GateStatus = "rejected"
	GateExpired   GateStatus = "expired"
	GateCancelled GateStatus = "cancelled"
)

// Gate is a request for a human decision on promoting one release to one
// environment.
type Gate struct {
	ID          string     `json:"id"`
	RunID       string     `json:"runId"`
	Environment string     `json:"environment"`
	Release     release.ID `json:"release"`
	Tag         string     `json:"tag,omitempty"`
	Status      GateStatus `json:"status"`
	Consumed    bool       `json:"consumed"`
	RequestedAt time.Time  `json:"requestedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
	DecidedBy   string     `json:"decidedBy,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Pending reports whether the gate still awaits a decision.
func (g Gate) Pending() bool { return g.Status == GatePending }

// GateStore persists gates.
type GateStore interface {
	SaveGate(ctx context.Context, g Gate) error
}

// GateLister lists persisted gates by status.
type GateLister interface {
	ListGates(ctx context.Context, status GateStatus) ([]Gate, error)
}

// DefaultGateRetention is how many consumed gates a registry keeps in
// memory for listing and late decisions. Older ones live only in the store.
const DefaultGateRetention = 256

type gateEntry struct {
	gate    Gate
	decided chan struct{}
}

// GateRegistry holds approval gates. A gate is decided at most once and its
// outcome is consumed at most once, by the run that opened it.
type GateRegistry struct {
	store          GateStore
	allowNoTimeout bool
	logger         *slog.Logger

	mu    sync.Mutex
	gates map[string]*gateEntry
	// consumed holds IDs of consumed gates, oldest first.
	consumed []string
	retain   int
}

// NewGateRegistry creates a registry. store may be nil. Gates may be opened
// without a timeout only when allowNoTimeout is set.
func NewGateRegistry(store GateStore, allowNoTimeout bool, logger *slog.Logger) *GateRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &GateRegistry{
		store:          store,
		allowNoTimeout: allowNoTimeout,
		logger:         logger,
		gates:          make(map[string]*gateEntry),
		retain:         DefaultGateRetention,
	}
}

// Open creates a pending gate for (env, rel) on behalf of runID.
func (r *GateRegistry) Open(ctx context.Context, runID, env string, rel release.Release, timeout time.Duration) (Gate, error) {
	if timeout <= 0 && !r.allowNoTimeout {
		return Gate{}, ErrNoTimeout
	}
	now := time.Now().UTC()
	g := Gate{
		ID:          uuid.NewString(),
		RunID:       runID,
		Environment: env,
		Release:     rel.ID,
		Tag:         rel.Tag,
		Status:      GatePending,
		RequestedAt: now,
	}
	if timeout > 0 {
		exp := now.Add(timeout)
		g.ExpiresAt = &exp
	}
	if err := r.save(ctx, g); err != nil {
		return Gate{}, err
	}

	r.mu.Lock()
	r.gates[g.ID] = &gateEntry{gate: g, decided: make(chan struct{})}
	r.mu.Unlock()

	r.logger.Info("approval requested", "environment", env, "release", rel.ID, "gate", g.ID, "run", runID)
	return g, nil
}

// Approve approves the oldest pending gate for (env, rel).
func (r *GateRegistry) Approve(ctx context.Context, env string, rel release.ID, by, reason string) (Gate, error) {
	return r.decide(ctx, env, rel, GateApproved, by, reason)
}

// Reject rejects the oldest pending gate for (env, rel).
func (r *GateRegistry) Reject(ctx context.Context, env string, rel release.ID, by, reason string) (Gate, error) {
	return r.decide(ctx, env, rel, GateRejected, by, reason)
}

func (r *GateRegistry) decide(ctx context.Context, env string, rel release.ID, status GateStatus, by, reason string) (Gate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *gateEntry
	seen := false
	for _, e := range r.gates {
		if e.gate.Environment != env || e.gate.Release != rel {
			continue
		}
		seen = true
		if e.gate.Pending() && (target == nil || e.gate.RequestedAt.Before(target.gate.RequestedAt)) {
			target = e
		}
	}
	switch {
	case target == nil && seen:
		return Gate{}, fmt.Errorf("%w: %s/%s", ErrGateClosed, env, rel)
	case target == nil:
		return Gate{}, fmt.Errorf("%w: %s/%s", ErrGateNotFound, env, rel)
	}

	if err := r.closeLocked(ctx, target, status, by, reason); err != nil {
		return Gate{}, err
	}
	r.logger.Info("approval decided", "environment", env, "release", rel, "gate", target.gate.ID,
		"status", status, "by", by)
	return target.gate, nil
}

// closeLocked moves a pending gate to a terminal status.
func (r *GateRegistry) closeLocked(ctx context.Context, e *gateEntry, status GateStatus, by, reason string) error {
	next := e.gate
	now := time.Now().UTC()
	next.Status = status
	next.DecidedAt = &now
	next.DecidedBy = by
	next.Reason = reason
	if err := r.save(ctx, next); err != nil {
		return err
	}
	e.gate = next
	close(e.decided)
	return nil
}

// Wait blocks until the gate is decided, expires, or ctx ends, and consumes
// the outcome. When ctx ends first the gate is cancelled. Waiting on a
// consumed gate returns ErrGateConsumed.
func (r *GateRegistry) Wait(ctx context.Context, id string) (Gate, error) {
	r.mu.Lock()
	e, ok := r.gates[id]
	if !ok {
		r.mu.Unlock()
		return Gate{}, fmt.Errorf("%w: %s", ErrGateNotFound, id)
	}
	if e.gate.Consumed {
		r.mu.Unlock()
		return Gate{}, fmt.Errorf("%w: %s", ErrGateConsumed, id)
	}
	expires := e.gate.ExpiresAt
	r.mu.Unlock()

	var expired <-chan time.Time
	if expires != nil {
		timer := time.NewTimer(time.Until(*expires))
		defer timer.Stop()
		expired = timer.C
	}

	var closeAs GateStatus
	select {
	case <-e.decided:
	case <-expired:
		closeAs = GateExpired
	case <-ctx.Done():
		closeAs = GateCancelled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if closeAs != "" && e.gate.Pending() {
		reason := "approval timed out"
		if closeAs == GateCancelled {
			reason = "run cancelled"
		}
		if err := r.closeLocked(context.WithoutCancel(ctx), e, closeAs, "", reason); err != nil {
			return Gate{}, err
		}
	}
	if e.gate.Consumed {
		return Gate{}, fmt.Errorf("%w: %s", ErrGateConsumed, id)
	}
	e.gate.Consumed = true
	if err := r.save(context.WithoutCancel(ctx), e.gate); err != nil {
		r.logger.Error("failed to persist consumed gate", "gate", id, "error", err)
	}
	r.pruneLocked(id)
	return e.gate, nil
}

// pruneLocked records id as consumed and drops the oldest consumed gates
// beyond the retention limit.
func (r *GateRegistry) pruneLocked(id string) {
	r.consumed = append(r.consumed, id)
	for len(r.consumed) > r.retain {
		delete(r.gates, r.consumed[0])
		r.consumed = r.consumed[1:]
	}
}

// Get returns a gate by ID.
func (r *GateRegistry) Get(id string) (Gate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.gates[id]
	if !ok {
		return Gate{}, false
	}
	return e.gate, true
}

// List returns gates with the given status, or all gates when status is
// empty, oldest first.
func (r *GateRegistry) List(status GateStatus) []Gate {
	r.mu.Lock()
	out := make([]Gate, 0, len(r.gates))
	for _, e := range r.gates {
		if status == "" || e.gate.Status == status {
			out = append(out, e.gate)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// CancelOrphaned cancels persisted pending gates that this registry does
// not hold. It runs at startup, when no run of a previous process can still
// consume them.
func (r *GateRegistry) CancelOrphaned(ctx context.Context, lister GateLister) (int, error) {
	pending, err := lister.ListGates(ctx, GatePending)
	if err != nil {
		return 0, fmt.Errorf("promotion: list pending gates: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range pending {
		if _, held := r.gates[g.ID]; held {
			continue
		}
		now := time.Now().UTC()
		g.Status = GateCancelled
		g.DecidedAt = &now
		g.Reason = "orchestrator restarted"
		if err := r.save(ctx, g); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.logger.Warn("cancelled orphaned approval gates", "count", n)
	}
	return n, nil
}

func (r *GateRegistry) save(ctx context.Context, g Gate) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveGate(ctx, g); err != nil {
		return fmt.Errorf("promotion: save gate %s: %w", g.ID, err)
	}
	return nil
}
