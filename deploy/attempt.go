// Package deploy implements the rollout controller: it replaces the compute
// units of one environment with a new release in health-gated batches.
package deploy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/release"
)

// ErrAttemptNotFound is returned when an attempt does not exist.
var ErrAttemptNotFound = errors.New("deploy: attempt not found")

// Status is the state of a rollout attempt.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRolledBack
}

// EventType names a step recorded on an attempt.
type EventType string

const (
	EventMigrationSucceeded EventType = "migration_succeeded"
	EventMigrationFailed    EventType = "migration_failed"
	EventMigrationSkipped   EventType = "migration_skipped"
	EventUnitsStarted       EventType = "units_started"
	EventUnitHealthy        EventType = "unit_healthy"
	EventUnitUnhealthy      EventType = "unit_unhealthy"
	EventUnitsDrained       EventType = "units_drained"
	EventUnitsStopped       EventType = "units_stopped"
	EventRetireFailed       EventType = "retire_failed"
	EventBatchCompleted     EventType = "batch_completed"
	EventRollbackStarted    EventType = "rollback_started"
	EventRollbackCompleted  EventType = "rollback_completed"
	EventRollbackFailed     EventType = "rollback_failed"
)

// Event is one task-replacement step.
type Event struct {
	At     time.Time `json:"at"`
	Type   EventType `json:"type"`
	Batch  int       `json:"batch,omitempty"`
	Tasks  []string  `json:"tasks,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Attempt records one rollout of a release to an environment. It is
// created in progress and finalized exactly once.
type Attempt struct {
	ID               string       `json:"id"`
	Environment      string       `json:"environment"`
	Release          release.ID   `json:"release"`
	PreviousRelease  release.ID   `json:"previousRelease,omitempty"`
	Status           Status       `json:"status"`
	FailureKind      failure.Kind `json:"failureKind,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	Batches          int          `json:"batches"`
	CompletedBatches int          `json:"completedBatches"`
	Events           []Event      `json:"events"`
	StartedAt        time.Time    `json:"startedAt"`
	FinishedAt       *time.Time   `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy of the attempt.
func (a Attempt) Clone() Attempt {
	cp := a
	cp.Events = make([]Event, len(a.Events))
	for i, e := range a.Events {
		e.Tasks = append([]string(nil), e.Tasks...)
		cp.Events[i] = e
	}
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// Duration returns how long the attempt ran, or has run so far.
func (a Attempt) Duration() time.Duration {
	if a.FinishedAt != nil {
		return a.FinishedAt.Sub(a.StartedAt)
	}
	return time.Since(a.StartedAt)
}

func (a *Attempt) record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	a.Events = append(a.Events, e)
}

// AttemptFilter narrows ListAttempts. Zero values match everything.
type AttemptFilter struct {
	Environment string
	Status      Status
	Limit       int
}

// AttemptStore persists attempts. Attempts are append-only: a record is
// created once and updated until its status is terminal.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a Attempt) error
	UpdateAttempt(ctx context.Context, a Attempt) error
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	// ListAttempts returns matching attempts, newest first.
	ListAttempts(ctx context.Context, f AttemptFilter) ([]Attempt, error)
}

// MemoryAttemptStore implements AttemptStore in memory.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
}

// NewMemoryAttemptStore creates an empty store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]Attempt)}
}

func (s *MemoryAttemptStore) CreateAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; ok {
		return errors.New("deploy: attempt already exists")
	}
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryAttemptStore) UpdateAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.attempts[a.ID]
	if !ok {
		return ErrAttemptNotFound
	}
	if prev.Status.Terminal() {
		return errors.New("deploy: attempt already finalized")
	}
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryAttemptStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryAttemptStore) ListAttempts(_ context.Context, f AttemptFilter) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attempt
	for _, a := range s.attempts {
		if f.Environment != "" && a.Environment != f.Environment {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
