package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/shipyard/release"
)

type memoryGateStore struct {
	mu    sync.Mutex
	saved map[string]Gate
}

func (s *memoryGateStore) SaveGate(_ context.Context, g Gate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]Gate)
	}
	s.saved[g.ID] = g
	return nil
}

var r3 = release.Release{ID: "sha256-r3", Tag: "v1.0.0"}

func TestGateRegistry_OpenRequiresTimeout(t *testing.T) {
	r := NewGateRegistry(nil, false, nil)
	if _, err := r.Open(context.Background(), "run", "production", r3, 0); !errors.Is(err, ErrNoTimeout) {
		t.Fatalf("expected ErrNoTimeout, got %v", err)
	}

	r = NewGateRegistry(nil, true, nil)
	g, err := r.Open(context.Background(), "run", "production", r3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if g.ExpiresAt != nil {
		t.Error("expected gate without expiry")
	}
}

func TestGateRegistry_ApproveIsConsumedOnce(t *testing.T) {
	store := &memoryGateStore{}
	r := NewGateRegistry(store, false, nil)
	ctx := context.Background()
	g, _ := r.Open(ctx, "run", "production", r3, time.Minute)

	if _, err := r.Approve(ctx, "production", r3.ID, "alice", "lgtm"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Wait(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GateApproved || !got.Consumed || got.DecidedBy != "alice" {
		t.Errorf("unexpected gate %+v", got)
	}
	if _, err := r.Wait(ctx, g.ID); !errors.Is(err, ErrGateConsumed) {
		t.Errorf("expected ErrGateConsumed, got %v", err)
	}
	if saved := store.saved[g.ID]; !saved.Consumed {
		t.Error("expected consumed gate to be persisted")
	}
}

func TestGateRegistry_PrunesConsumedGates(t *testing.T) {
	store := &memoryGateStore{}
	r := NewGateRegistry(store, false, nil)
	r.retain = 2
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		g, err := r.Open(ctx, fmt.Sprintf("run-%d", i), "production", r3, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := r.Approve(ctx, "production", r3.ID, "alice", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Wait(ctx, g.ID); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, g.ID)
	}

	if n := len(r.List("")); n != 2 {
		t.Fatalf("expected 2 retained gates, got %d", n)
	}
	if _, ok := r.Get(ids[0]); ok {
		t.Error("expected the oldest consumed gate to be pruned")
	}
	if _, ok := r.Get(ids[4]); !ok {
		t.Error("expected the newest consumed gate to be kept")
	}
	if saved := store.saved[ids[0]]; !saved.Consumed {
		t.Error("expected pruned gate to remain in the store")
	}
}

func TestGateRegistry_DecisionErrors(t *testing.T) {
	r := NewGateRegistry(nil, false, nil)
	ctx := context.Background()

	if _, err := r.Approve(ctx, "production", r3.ID, "alice", ""); !errors.Is(err, ErrGateNotFound) {
		t.Errorf("expected ErrGateNotFound, got %v", err)
	}
	_, _ = r.Open(ctx, "run", "production", r3, time.Minute)
	if _, err := r.Approve(ctx, "staging", r3.ID, "alice", ""); !errors.Is(err, ErrGateNotFound) {
		t.Errorf("expected other environment not to match, got %v", err)
	}
	if _, err := r.Reject(ctx, "production", r3.ID, "bob", "no"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Approve(ctx, "production", r3.ID, "alice", ""); !errors.Is(err, ErrGateClosed) {
		t.Errorf("expected ErrGateClosed, got %v", err)
	}
}

func TestGateRegistry_DecidesOldestPendingFirst(t *testing.T) {
	r := NewGateRegistry(nil, false, nil)
	ctx := context.Background()
	first, _ := r.Open(ctx, "run-1", "production", r3, time.Minute)
	time.Sleep(time.Millisecond)
	second, _ := r.Open(ctx, "run-2", "production", r3, time.Minute)

	decided, err := r.Approve(ctx, "production", r3.ID, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if decided.ID != first.ID {
		t.Errorf("expected oldest gate %s decided, got %s", first.ID, decided.ID)
	}
	if g, _ := r.Get(second.ID); !g.Pending() {
		t.Error("expected newer gate to stay pending")
	}
	if pending := r.List(GatePending); len(pending) != 1 {
		t.Errorf("expected 1 pending gate, got %d", len(pending))
	}
}

func TestGateRegistry_WaitExpires(t *testing.T) {
	r := NewGateRegistry(nil, false, nil)
	g, _ := r.Open(context.Background(), "run", "production", r3, 20*time.Millisecond)

	got, err := r.Wait(context.Background(), g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GateExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
}

func TestGateRegistry_WaitCancelled(t *testing.T) {
	r := NewGateRegistry(nil, false, nil)
	g, _ := r.Open(context.Background(), "run", "production", r3, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := r.Wait(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GateCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestGateRegistry_WaitUnblocksOnDecision(t *testing.T) {
	r := NewGateRegistry(nil, false, nil)
	g, _ := r.Open(context.Background(), "run", "production", r3, time.Minute)

	time.AfterFunc(20*time.Millisecond, func() {
		_, _ = r.Reject(context.Background(), "production", r3.ID, "bob", "freeze")
	})
	got, err := r.Wait(context.Background(), g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GateRejected || got.Reason != "freeze" {
		t.Errorf("unexpected gate %+v", got)
	}
}

type listingGateStore struct {
	memoryGateStore
	pending []Gate
}

func (s *listingGateStore) ListGates(_ context.Context, status GateStatus) ([]Gate, error) {
	var out []Gate
	for _, g := range s.pending {
		if g.Status == status {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestGateRegistry_CancelOrphaned(t *testing.T) {
	store := &listingGateStore{}
	r := NewGateRegistry(store, false, nil)
	ctx := context.Background()

	live, err := r.Open(ctx, "run-live", "production", r3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	store.pending = []Gate{
		live,
		{ID: "stale", RunID: "run-old", Environment: "production", Release: "sha256-old", Status: GatePending},
	}

	n, err := r.CancelOrphaned(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphaned gate, got %d", n)
	}
	if got := store.saved["stale"]; got.Status != GateCancelled || got.DecidedAt == nil {
		t.Errorf("expected stale gate cancelled, got %+v", got)
	}
	if g, _ := r.Get(live.ID); !g.Pending() {
		t.Error("a gate held by the registry must stay pending")
	}
}
