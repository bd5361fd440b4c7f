package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/environment"
	"github.com/GoCodeAlone/shipyard/migration"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"
)

// newTestPGStore connects using the PG_URL env var. The test is skipped when
// PG_URL is not set.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		t.Skip("PG_URL not set")
	}
	s, err := OpenPG(context.Background(), PGConfig{URL: pgURL, MaxConns: 4})
	if err != nil {
		t.Fatalf("open pg: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPGStore_Migrate(t *testing.T) {
	s := newTestPGStore(t)
	// Re-running must be a no-op.
	if err := NewMigrator(s.Pool()).Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestPGStore_ReleasesAndAttempts(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	suffix := uuid.NewString()

	rel := release.Release{ID: release.ID("rel-" + suffix), Revision: "abc", Ref: "refs/heads/main", CreatedAt: time.Now().UTC()}
	if err := s.SaveRelease(ctx, rel); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRelease(ctx, rel); err != nil {
		t.Fatalf("idempotent save: %v", err)
	}
	if _, err := s.GetRelease(ctx, rel.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRelease(ctx, "missing-"+release.ID(suffix)); !errors.Is(err, ErrReleaseNotFound) {
		t.Errorf("expected ErrReleaseNotFound, got %v", err)
	}

	a := deploy.Attempt{ID: "att-" + suffix, Environment: "staging", Release: rel.ID, Status: deploy.StatusInProgress, StartedAt: time.Now().UTC()}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAttempt(ctx, a); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	a.Status = deploy.StatusSuccess
	if err := s.UpdateAttempt(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.Status = deploy.StatusRolledBack
	if err := s.UpdateAttempt(ctx, a); !errors.Is(err, ErrAttemptFinalized) {
		t.Fatalf("expected ErrAttemptFinalized, got %v", err)
	}
}

func TestPGStore_RunsAndGates(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	suffix := uuid.NewString()

	run := promotion.Run{ID: "run-" + suffix, State: promotion.StateCIRunning, CreatedAt: time.Now().UTC()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.State = promotion.StateAwaitingApproval
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != promotion.StateAwaitingApproval {
		t.Errorf("expected awaiting_approval, got %s", got.State)
	}

	g := promotion.Gate{ID: "gate-" + suffix, RunID: run.ID, Environment: "production", Release: "r1", Status: promotion.GatePending, RequestedAt: time.Now().UTC()}
	if err := s.SaveGate(ctx, g); err != nil {
		t.Fatal(err)
	}
	g.Status = promotion.GateRejected
	if err := s.SaveGate(ctx, g); err != nil {
		t.Fatal(err)
	}
	rejected, err := s.ListGates(ctx, promotion.GateRejected)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rejected {
		if r.ID == g.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected upserted gate in rejected list")
	}
}

func TestPGStore_EnvironmentsAndMigrationHistory(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	suffix := uuid.NewString()

	name := environment.Name("env-" + suffix)
	if err := s.Save(ctx, environment.Environment{Name: name, CurrentVersion: "r1", Health: environment.HealthHealthy}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, environment.Environment{Name: name, CurrentVersion: "r2", Health: environment.HealthHealthy}); err != nil {
		t.Fatal(err)
	}
	envs, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got *environment.Environment
	for i := range envs {
		if envs[i].Name == name {
			got = &envs[i]
		}
	}
	if got == nil || got.CurrentVersion != "r2" {
		t.Fatalf("expected upserted environment, got %+v", got)
	}

	env := string(name)
	if ok, err := s.Succeeded(ctx, env, "r1"); err != nil || ok {
		t.Fatalf("expected no history, got %v %v", ok, err)
	}
	now := time.Now().UTC()
	if err := s.Record(ctx, migration.Record{Environment: env, Release: "r1", ExitCode: 1, Succeeded: false, StartedAt: now, FinishedAt: now}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Succeeded(ctx, env, "r1"); ok {
		t.Fatal("failed execution must not count as succeeded")
	}
	if err := s.Record(ctx, migration.Record{Environment: env, Release: "r1", Succeeded: true, StartedAt: now, FinishedAt: now}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Succeeded(ctx, env, "r1"); !ok {
		t.Fatal("expected succeeded after successful record")
	}
}
