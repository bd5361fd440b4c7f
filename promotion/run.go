package promotion

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/release"
)

// ErrRunNotFound is returned when a run does not exist.
var ErrRunNotFound = errors.New("promotion: run not found")

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Run is one pass of an event through the pipeline.
type Run struct {
	ID                string           `json:"id"`
	Event             Event            `json:"event"`
	Plan              Plan             `json:"plan"`
	State             State            `json:"state"`
	Release           *release.Release `json:"release,omitempty"`
	StagingAttempt    string           `json:"stagingAttempt,omitempty"`
	ProductionAttempt string           `json:"productionAttempt,omitempty"`
	GateID            string           `json:"gateId,omitempty"`
	FailureKind       failure.Kind     `json:"failureKind,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	History           []Transition     `json:"history"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	FinishedAt        *time.Time       `json:"finishedAt,omitempty"`
}

// Done reports whether the run has finished.
func (r Run) Done() bool { return r.FinishedAt != nil }

// Err returns the run's failure, or nil.
func (r Run) Err() error {
	if r.FailureKind == "" {
		return nil
	}
	return failure.New(r.FailureKind, "run "+r.ID, errors.New(r.Reason))
}

// Clone returns a deep copy of the run.
func (r Run) Clone() Run {
	cp := r
	cp.History = append([]Transition(nil), r.History...)
	if r.Release != nil {
		rel := *r.Release
		rel.Parts = append([]release.Part(nil), r.Release.Parts...)
		cp.Release = &rel
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	State State
	Limit int
}

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns matching runs, newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
}

// MemoryRunStore implements RunStore in memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]Run)}
}

func (s *MemoryRunStore) CreateRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return errors.New("promotion: run already exists")
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRunStore) UpdateRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, f RunFilter) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if f.State != "" && r.State != f.State {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Observer is notified of run progress. Implementations must not block.
type Observer interface {
	RunTransitioned(ctx context.Context, r Run, from State)
	RunFinished(ctx context.Context, r Run)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) RunTransitioned(context.Context, Run, State) {}
func (NopObserver) RunFinished(context.Context, Run)            {}
