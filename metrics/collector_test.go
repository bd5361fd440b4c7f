package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/promotion"
)

func TestCollector_Rollouts(t *testing.T) {
	c := NewCollector(DefaultConfig())
	ctx := context.Background()
	started := time.Now().Add(-30 * time.Second)
	a := deploy.Attempt{ID: "a1", Environment: "staging", Status: deploy.StatusInProgress, StartedAt: started}

	c.AttemptStarted(ctx, a)
	if got := testutil.ToFloat64(c.ActiveRollouts.WithLabelValues("staging")); got != 1 {
		t.Errorf("expected 1 rollout in progress, got %v", got)
	}
	c.BatchCompleted(ctx, a, 1, 2*time.Second)
	c.BatchCompleted(ctx, a, 2, 3*time.Second)

	finished := time.Now()
	a.Status = deploy.StatusFailed
	a.FailureKind = failure.KindHealthCheckTimeout
	a.FinishedAt = &finished
	c.AttemptFinished(ctx, a)

	if got := testutil.ToFloat64(c.ActiveRollouts.WithLabelValues("staging")); got != 0 {
		t.Errorf("expected no rollout in progress, got %v", got)
	}
	if got := testutil.ToFloat64(c.Rollouts.WithLabelValues("staging", "failed", string(failure.KindHealthCheckTimeout))); got != 1 {
		t.Errorf("expected 1 failed rollout, got %v", got)
	}
	if n := testutil.CollectAndCount(c.BatchDuration); n != 1 {
		t.Errorf("expected one batch histogram series, got %d", n)
	}
}

func TestCollector_RunsInState(t *testing.T) {
	c := NewCollector(Config{})
	ctx := context.Background()
	r := promotion.Run{ID: "r1", Plan: promotion.PlanStaging, State: promotion.StateCIRunning}

	c.RunTransitioned(ctx, r, promotion.StateIdle)
	if got := testutil.ToFloat64(c.RunsInState.WithLabelValues("ci_running")); got != 1 {
		t.Errorf("expected 1 run in CI, got %v", got)
	}
	r.State = promotion.StateCIFailed
	c.RunTransitioned(ctx, r, promotion.StateCIRunning)
	c.RunFinished(ctx, r)

	if got := testutil.ToFloat64(c.RunsInState.WithLabelValues("ci_running")); got != 0 {
		t.Errorf("expected no run in CI, got %v", got)
	}
	if got := testutil.ToFloat64(c.RunsInState.WithLabelValues("ci_failed")); got != 0 {
		t.Errorf("expected finished run not counted, got %v", got)
	}
	if got := testutil.ToFloat64(c.Runs.WithLabelValues("staging", "ci_failed")); got != 1 {
		t.Errorf("expected 1 finished run, got %v", got)
	}
}

func TestCollector_HealthObserver(t *testing.T) {
	c := NewCollector(DefaultConfig())
	g := health.NewGate(health.ProbeFunc(func(context.Context, health.Target) (bool, error) { return true, nil }), time.Millisecond, nil)
	g.AddObserver(c.ObserveHealth())

	if _, err := g.WaitHealthy(context.Background(), health.Target{Environment: "production", TaskID: "t1"}, time.Second); err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(c.HealthWait); n != 1 {
		t.Errorf("expected one health wait series, got %d", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(DefaultConfig())
	c.AttemptStarted(context.Background(), deploy.Attempt{Environment: "staging"})
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `shipyard_rollouts_in_progress{environment="staging"} 1`) {
		t.Errorf("expected gauge in exposition, got:\n%s", body)
	}
}
