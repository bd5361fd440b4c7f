package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "shipyard.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	if err := migrateSQLite(context.Background(), s.DB()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	want, _ := loadMigrations("sqlite")
	if n != len(want) {
		t.Fatalf("expected %d applied migrations, got %d", len(want), n)
	}
}

func TestSQLiteStore_Releases(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r1 := release.Release{ID: "rel-1", Revision: "abc", Ref: "refs/heads/main", CreatedAt: base}
	r2 := release.Release{ID: "rel-2", Tag: "v1.0.0", Revision: "def", Ref: "refs/tags/v1.0.0", CreatedAt: base.Add(time.Minute)}
	for _, r := range []release.Release{r1, r2, r1} {
		if err := s.SaveRelease(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	got, err := s.GetRelease(ctx, "rel-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tag != "v1.0.0" || !got.CreatedAt.Equal(r2.CreatedAt) {
		t.Errorf("unexpected release %+v", got)
	}
	if _, err := s.GetRelease(ctx, "missing"); !errors.Is(err, ErrReleaseNotFound) {
		t.Errorf("expected ErrReleaseNotFound, got %v", err)
	}

	list, err := s.ListReleases(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "rel-2" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list, _ := s.ListReleases(ctx, 1); len(list) != 1 {
		t.Errorf("expected limit 1, got %d", len(list))
	}
}

func TestSQLiteStore_AttemptFinalizedIsImmutable(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a := deploy.Attempt{
		ID:          "att-1",
		Environment: "staging",
		Release:     "rel-1",
		Status:      deploy.StatusInProgress,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAttempt(ctx, a); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	a.CompletedBatches = 1
	if err := s.UpdateAttempt(ctx, a); err != nil {
		t.Fatalf("update in progress: %v", err)
	}
	a.Status = deploy.StatusSuccess
	if err := s.UpdateAttempt(ctx, a); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	a.Status = deploy.StatusFailed
	if err := s.UpdateAttempt(ctx, a); !errors.Is(err, ErrAttemptFinalized) {
		t.Fatalf("expected ErrAttemptFinalized, got %v", err)
	}
	got, err := s.GetAttempt(ctx, "att-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != deploy.StatusSuccess || got.CompletedBatches != 1 {
		t.Errorf("finalized attempt changed: %+v", got)
	}

	missing := deploy.Attempt{ID: "nope", Status: deploy.StatusFailed}
	if err := s.UpdateAttempt(ctx, missing); !errors.Is(err, deploy.ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestSQLiteStore_ListAttempts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC()

	seed := []deploy.Attempt{
		{ID: "a1", Environment: "staging", Release: "r1", Status: deploy.StatusSuccess, StartedAt: base},
		{ID: "a2", Environment: "production", Release: "r1", Status: deploy.StatusFailed, StartedAt: base.Add(time.Second)},
		{ID: "a3", Environment: "staging", Release: "r2", Status: deploy.StatusInProgress, StartedAt: base.Add(2 * time.Second)},
	}
	for _, a := range seed {
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	staging, err := s.ListAttempts(ctx, deploy.AttemptFilter{Environment: "staging"})
	if err != nil {
		t.Fatal(err)
	}
	if len(staging) != 2 || staging[0].ID != "a3" {
		t.Fatalf("expected staging attempts newest first, got %+v", staging)
	}
	failed, _ := s.ListAttempts(ctx, deploy.AttemptFilter{Status: deploy.StatusFailed})
	if len(failed) != 1 || failed[0].ID != "a2" {
		t.Errorf("expected one failed attempt, got %+v", failed)
	}
	limited, _ := s.ListAttempts(ctx, deploy.AttemptFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestSQLiteStore_Runs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	run := promotion.Run{ID: "run-1", State: promotion.StateCIRunning, CreatedAt: time.Now().UTC()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	run.State = promotion.StateStagingRollout
	run.StagingAttempt = "att-1"
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != promotion.StateStagingRollout || got.StagingAttempt != "att-1" {
		t.Errorf("unexpected run %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, promotion.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if err := s.UpdateRun(ctx, promotion.Run{ID: "missing"}); !errors.Is(err, promotion.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound on update, got %v", err)
	}

	rollouts, _ := s.ListRuns(ctx, promotion.RunFilter{State: promotion.StateStagingRollout})
	if len(rollouts) != 1 {
		t.Errorf("expected 1 run in staging_rollout, got %d", len(rollouts))
	}
	none, _ := s.ListRuns(ctx, promotion.RunFilter{State: promotion.StateCancelled})
	if len(none) != 0 {
		t.Errorf("expected no cancelled runs, got %d", len(none))
	}
}

func TestSQLiteStore_GatesUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	g1 := promotion.Gate{ID: "g1", RunID: "run-1", Environment: "production", Release: "r1", Status: promotion.GatePending, RequestedAt: now}
	g2 := promotion.Gate{ID: "g2", RunID: "run-2", Environment: "production", Release: "r2", Status: promotion.GatePending, RequestedAt: now.Add(time.Second)}
	for _, g := range []promotion.Gate{g1, g2} {
		if err := s.SaveGate(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	g1.Status = promotion.GateApproved
	g1.Consumed = true
	g1.DecidedBy = "alice"
	if err := s.SaveGate(ctx, g1); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListGates(ctx, promotion.GatePending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "g2" {
		t.Fatalf("expected only g2 pending, got %+v", pending)
	}
	all, _ := s.ListGates(ctx, "")
	if len(all) != 2 || all[0].ID != "g1" || !all[0].Consumed || all[0].DecidedBy != "alice" {
		t.Fatalf("expected upserted g1 first, got %+v", all)
	}
}
