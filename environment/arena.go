package environment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknown is returned when an environment name is not registered.
var ErrUnknown = errors.New("environment: unknown environment")

// Store persists environment records.
type Store interface {
	Load(ctx context.Context) ([]Environment, error)
	Save(ctx context.Context, env Environment) error
}

// Record holds one environment. Each record is guarded by its own mutex so
// updates to one environment never contend with another.
type Record struct {
	mu    sync.RWMutex
	env   Environment
	store Store
}

// Snapshot returns a copy of the current environment state.
func (r *Record) Snapshot() Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.env
}

// Update applies fn to the record and persists the result. If persisting
// fails the in-memory record is left unchanged.
func (r *Record) Update(ctx context.Context, fn func(env *Environment)) (Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.env
	fn(&next)
	next.Name = r.env.Name
	next.UpdatedAt = time.Now().UTC()

	if r.store != nil {
		if err := r.store.Save(ctx, next); err != nil {
			return r.env, fmt.Errorf("save environment %s: %w", next.Name, err)
		}
	}
	r.env = next
	return next, nil
}

// Arena indexes environment records by name. The arena's own lock only
// guards membership; record state is guarded per record.
type Arena struct {
	mu      sync.RWMutex
	records map[Name]*Record
	store   Store
}

// NewArena creates an arena with a record for each name. store may be nil
// for a purely in-memory arena.
func NewArena(store Store, names ...Name) *Arena {
	a := &Arena{
		records: make(map[Name]*Record, len(names)),
		store:   store,
	}
	for _, n := range names {
		a.Register(n)
	}
	return a
}

// Register adds a record for name if one does not exist and returns it.
func (a *Arena) Register(name Name) *Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.records[name]; ok {
		return rec
	}
	rec := &Record{
		env:   Environment{Name: name, Health: HealthUnknown},
		store: a.store,
	}
	a.records[name] = rec
	return rec
}

// Restore loads persisted state into registered records. Persisted
// environments that are no longer configured are ignored.
func (a *Arena) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	envs, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load environments: %w", err)
	}
	for _, env := range envs {
		rec, ok := a.Get(env.Name)
		if !ok {
			continue
		}
		rec.mu.Lock()
		rec.env = env
		rec.mu.Unlock()
	}
	return nil
}

// Get returns the record for name.
func (a *Arena) Get(name Name) (*Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[name]
	return rec, ok
}

// Lookup returns the record for name or ErrUnknown.
func (a *Arena) Lookup(name Name) (*Record, error) {
	rec, ok := a.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return rec, nil
}

// List returns snapshots of all environments sorted by name.
func (a *Arena) List() []Environment {
	a.mu.RLock()
	recs := make([]*Record, 0, len(a.records))
	for _, r := range a.records {
		recs = append(recs, r)
	}
	a.mu.RUnlock()

	out := make([]Environment, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
