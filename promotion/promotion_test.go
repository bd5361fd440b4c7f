package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/release"
)

type builderFunc func(ctx context.Context, runID string, ev Event) (release.Release, error)

func (f builderFunc) Build(ctx context.Context, runID string, ev Event) (release.Release, error) {
	return f(ctx, runID, ev)
}

func okBuilder() builderFunc {
	return func(_ context.Context, _ string, ev Event) (release.Release, error) {
		return release.New(ev.Revision, ev.Ref, ev.Tag, "registry.local/app:"+ev.Revision, nil), nil
	}
}

type rolloutCall struct {
	env string
	rel release.ID
}

type fakeRollouter struct {
	mu    sync.Mutex
	calls []rolloutCall
	fn    func(ctx context.Context, env string, rel release.Release) error
}

func (f *fakeRollouter) Rollout(ctx context.Context, env string, rel release.Release) (*deploy.Attempt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rolloutCall{env: env, rel: rel.ID})
	fn := f.fn
	f.mu.Unlock()

	a := &deploy.Attempt{ID: fmt.Sprintf("%s-%s", env, rel.ID), Environment: env, Release: rel.ID, Status: deploy.StatusSuccess}
	if fn != nil {
		if err := fn(ctx, env, rel); err != nil {
			a.Status = deploy.StatusFailed
			return a, err
		}
	}
	return a, nil
}

func (f *fakeRollouter) envs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.env
	}
	return out
}

func newTestPipeline(t *testing.T, b Builder, r Rollouter, approvalTimeout time.Duration) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{
		Builder:         b,
		Rollouter:       r,
		Gates:           NewGateRegistry(nil, false, nil),
		DeployBranch:    "main",
		ApprovalTimeout: approvalTimeout,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func pushEvent(rev string) Event {
	return Event{Kind: EventPush, Ref: "refs/heads/main", Revision: rev}
}

func tagEvent(rev, tag string) Event {
	return Event{Kind: EventTag, Ref: "refs/tags/" + tag, Tag: tag, Revision: rev}
}

func waitRun(t *testing.T, p *Pipeline, id string) (Run, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := p.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run %s did not finish", id)
	}
	return run, err
}

func waitPendingGate(t *testing.T, p *Pipeline) Gate {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gates := p.Gates().List(GatePending); len(gates) > 0 {
			return gates[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending approval gate")
	return Gate{}
}

func states(r Run) []State {
	out := []State{}
	for _, tr := range r.History {
		out = append(out, tr.To)
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateCIRunning, true},
		{StateCIRunning, StateCIPassed, true},
		{StateCIRunning, StateStagingRollout, false},
		{StateCIPassed, StateStagingRollout, true},
		{StateStagingRollout, StateCancelled, false},
		{StateStagingHealthy, StateProductionRollout, false},
		{StateAwaitingApproval, StateApproved, true},
		{StateAwaitingApproval, StateProductionRollout, false},
		{StateApproved, StateProductionRollout, true},
		{StateRejected, StateProductionRollout, false},
		{StateProductionRollout, StateProductionHealthy, true},
		{StateCIFailed, StateCIRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if err := checkTransition(StateIdle, StateApproved); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestProductionRolloutOnlyFollowsApproval(t *testing.T) {
	for _, from := range States {
		if CanTransition(from, StateProductionRollout) && from != StateApproved {
			t.Errorf("production_rollout reachable from %s", from)
		}
	}
}

func TestFinalStates(t *testing.T) {
	final := map[State]bool{
		StateCIFailed: true, StateStagingFailed: true, StateRejected: true,
		StateProductionFailed: true, StateProductionHealthy: true, StateCancelled: true,
	}
	for _, s := range States {
		if s.Final() != final[s] {
			t.Errorf("%s: Final() = %v", s, s.Final())
		}
	}
}

func TestPlanFor(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want Plan
	}{
		{"pull request", Event{Kind: EventPullRequest, Ref: "refs/heads/feature", Revision: "a"}, PlanCI},
		{"push deploy branch", pushEvent("a"), PlanStaging},
		{"push other branch", Event{Kind: EventPush, Ref: "refs/heads/feature", Revision: "a"}, PlanCI},
		{"release tag", tagEvent("a", "v1.0.0"), PlanProduction},
		{"pre-release tag", tagEvent("a", "v1.0.0-rc.1"), PlanStaging},
		{"non-semver tag", tagEvent("a", "nightly"), PlanStaging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanFor(tt.ev, "main"); got != tt.want {
				t.Errorf("PlanFor = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEventValidate(t *testing.T) {
	bad := []Event{
		{Kind: EventPush, Ref: "refs/heads/main"},
		{Kind: EventTag, Revision: "a"},
		{Kind: "release", Revision: "a", Ref: "x"},
	}
	for _, ev := range bad {
		if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected invalid event for %+v, got %v", ev, err)
		}
	}
	if err := tagEvent("a", "v1.0.0").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewPipeline_RequiresApprovalTimeout(t *testing.T) {
	_, err := NewPipeline(Config{Builder: okBuilder(), Rollouter: &fakeRollouter{}, Gates: NewGateRegistry(nil, false, nil)})
	if !errors.Is(err, ErrNoTimeout) {
		t.Fatalf("expected ErrNoTimeout, got %v", err)
	}
	_, err = NewPipeline(Config{Builder: okBuilder(), Rollouter: &fakeRollouter{}, Gates: NewGateRegistry(nil, true, nil)})
	if err != nil {
		t.Fatalf("expected no-timeout to be allowed, got %v", err)
	}
}

func TestPipeline_PullRequestRunsCIOnly(t *testing.T) {
	ro := &fakeRollouter{}
	p := newTestPipeline(t, okBuilder(), ro, time.Minute)

	run, err := p.Submit(context.Background(), Event{Kind: EventPullRequest, Ref: "refs/pull/7/head", Revision: "abc", PullRequest: 7})
	if err != nil {
		t.Fatal(err)
	}
	run, err = waitRun(t, p, run.ID)
	if err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if run.State != StateCIPassed || run.Release == nil {
		t.Errorf("expected ci_passed with a release, got %s", run.State)
	}
	if len(ro.envs()) != 0 {
		t.Errorf("expected no rollouts, got %v", ro.envs())
	}
}

func TestPipeline_PushDeploysToStaging(t *testing.T) {
	ro := &fakeRollouter{}
	p := newTestPipeline(t, okBuilder(), ro, time.Minute)

	run, _ := p.Submit(context.Background(), pushEvent("abc"))
	run, err := waitRun(t, p, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []State{StateCIRunning, StateCIPassed, StateStagingRollout, StateStagingHealthy}
	if !equalStates(states(run), want) {
		t.Errorf("history = %v, want %v", states(run), want)
	}
	if envs := ro.envs(); len(envs) != 1 || envs[0] != "staging" {
		t.Errorf("expected one staging rollout, got %v", envs)
	}
	if run.StagingAttempt == "" {
		t.Error("expected staging attempt to be recorded")
	}
}

func TestPipeline_BuildFailure(t *testing.T) {
	ro := &fakeRollouter{}
	b := builderFunc(func(context.Context, string, Event) (release.Release, error) {
		return release.Release{}, errors.New("step test: exit status 1")
	})
	p := newTestPipeline(t, b, ro, time.Minute)

	run, _ := p.Submit(context.Background(), pushEvent("abc"))
	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrBuild) {
		t.Fatalf("expected build failure, got %v", err)
	}
	if run.State != StateCIFailed || run.FailureKind != failure.KindBuild {
		t.Errorf("unexpected run %s %s", run.State, run.FailureKind)
	}
	if len(ro.envs()) != 0 {
		t.Error("a failed build must not roll out")
	}
}

func TestPipeline_StagingFailureStopsRun(t *testing.T) {
	ro := &fakeRollouter{fn: func(context.Context, string, release.Release) error {
		return failure.Newf(failure.KindHealthCheckTimeout, "health staging", "unit not healthy")
	}}
	p := newTestPipeline(t, okBuilder(), ro, time.Minute)

	run, _ := p.Submit(context.Background(), tagEvent("abc", "v1.0.0"))
	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrHealthCheckTimeout) {
		t.Fatalf("expected health check timeout, got %v", err)
	}
	if run.State != StateStagingFailed {
		t.Errorf("expected staging_failed, got %s", run.State)
	}
	if gates := p.Gates().List(""); len(gates) != 0 {
		t.Errorf("expected no approval gate, got %d", len(gates))
	}
}

func TestPipeline_ReleaseTagApproved(t *testing.T) {
	var p *Pipeline
	ro := &fakeRollouter{}
	ro.fn = func(_ context.Context, env string, rel release.Release) error {
		if env != "production" {
			return nil
		}
		for _, g := range p.Gates().List(GateApproved) {
			if g.Environment == "production" && g.Release == rel.ID {
				return nil
			}
		}
		return errors.New("production rollout without approved gate")
	}
	p = newTestPipeline(t, okBuilder(), ro, time.Minute)

	run, _ := p.Submit(context.Background(), tagEvent("abc", "v1.0.0"))
	gate := waitPendingGate(t, p)
	if gate.RunID != run.ID || gate.Environment != "production" || gate.Tag != "v1.0.0" {
		t.Errorf("unexpected gate %+v", gate)
	}
	if _, err := p.Gates().Approve(context.Background(), "production", gate.Release, "alice", "ship it"); err != nil {
		t.Fatal(err)
	}

	run, err := waitRun(t, p, run.ID)
	if err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if run.State != StateProductionHealthy {
		t.Errorf("expected production_healthy, got %s", run.State)
	}
	if envs := ro.envs(); len(envs) != 2 || envs[0] != "staging" || envs[1] != "production" {
		t.Errorf("unexpected rollouts %v", envs)
	}
	g, _ := p.Gates().Get(gate.ID)
	if !g.Consumed || g.DecidedBy != "alice" {
		t.Errorf("expected consumed gate decided by alice, got %+v", g)
	}
}

func TestPipeline_ReleaseTagRejected(t *testing.T) {
	ro := &fakeRollouter{}
	p := newTestPipeline(t, okBuilder(), ro, time.Minute)

	run, _ := p.Submit(context.Background(), tagEvent("r3", "v1.0.0"))
	gate := waitPendingGate(t, p)
	if _, err := p.Gates().Reject(context.Background(), "production", gate.Release, "bob", "freeze"); err != nil {
		t.Fatal(err)
	}

	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrApprovalRejected) {
		t.Fatalf("expected approval rejected, got %v", err)
	}
	if run.State != StateRejected {
		t.Errorf("expected rejected, got %s", run.State)
	}
	for _, env := range ro.envs() {
		if env == "production" {
			t.Fatal("production rollout after rejection")
		}
	}
}

func TestPipeline_ApprovalExpires(t *testing.T) {
	ro := &fakeRollouter{}
	p := newTestPipeline(t, okBuilder(), ro, 50*time.Millisecond)

	run, _ := p.Submit(context.Background(), tagEvent("abc", "v2.0.0"))
	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrApprovalRejected) {
		t.Fatalf("expected approval rejected, got %v", err)
	}
	g, _ := p.Gates().Get(run.GateID)
	if g.Status != GateExpired {
		t.Errorf("expected expired gate, got %s", g.Status)
	}
	if _, err := p.Gates().Approve(context.Background(), "production", g.Release, "late", ""); !errors.Is(err, ErrGateClosed) {
		t.Errorf("expected late approval to be refused, got %v", err)
	}
}

func TestPipeline_CancelDuringCI(t *testing.T) {
	started := make(chan struct{})
	b := builderFunc(func(ctx context.Context, _ string, _ Event) (release.Release, error) {
		close(started)
		<-ctx.Done()
		return release.Release{}, ctx.Err()
	})
	p := newTestPipeline(t, b, &fakeRollouter{}, time.Minute)

	run, _ := p.Submit(context.Background(), pushEvent("abc"))
	<-started
	if err := p.Cancel(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if run.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", run.State)
	}
	if err := p.Cancel(context.Background(), run.ID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("expected ErrRunFinished, got %v", err)
	}
}

func TestPipeline_CancelDuringApproval(t *testing.T) {
	p := newTestPipeline(t, okBuilder(), &fakeRollouter{}, time.Minute)

	run, _ := p.Submit(context.Background(), tagEvent("abc", "v1.0.0"))
	gate := waitPendingGate(t, p)
	if err := p.Cancel(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if run.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", run.State)
	}
	if g, _ := p.Gates().Get(gate.ID); g.Status != GateCancelled {
		t.Errorf("expected gate cancelled, got %s", g.Status)
	}
}

func TestPipeline_CancelDuringRolloutAborts(t *testing.T) {
	inRollout := make(chan struct{})
	ro := &fakeRollouter{fn: func(ctx context.Context, _ string, _ release.Release) error {
		close(inRollout)
		<-ctx.Done()
		return failure.New(failure.KindCancelled, "rollout staging", ctx.Err())
	}}
	p := newTestPipeline(t, okBuilder(), ro, time.Minute)

	run, _ := p.Submit(context.Background(), pushEvent("abc"))
	<-inRollout
	_ = p.Cancel(context.Background(), run.ID)

	run, err := waitRun(t, p, run.ID)
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if run.State != StateStagingFailed {
		t.Errorf("expected staging_failed, got %s", run.State)
	}
}

func TestPipeline_RunsBuildConcurrently(t *testing.T) {
	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	b := builderFunc(func(ctx context.Context, _ string, ev Event) (release.Release, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			return release.Release{}, ctx.Err()
		}
		return release.New(ev.Revision, ev.Ref, "", "", nil), nil
	})
	p := newTestPipeline(t, b, &fakeRollouter{}, time.Minute)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		run, err := p.Submit(context.Background(), Event{Kind: EventPullRequest, Ref: "refs/pull/1/head", Revision: fmt.Sprintf("rev%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		if _, err := waitRun(t, p, id); err != nil {
			t.Errorf("run %s: %v", id, err)
		}
	}
}

func TestPipeline_SubmitRejectsInvalidEvent(t *testing.T) {
	p := newTestPipeline(t, okBuilder(), &fakeRollouter{}, time.Minute)
	if _, err := p.Submit(context.Background(), Event{Kind: EventPush}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestPipeline_SubmitAfterStop(t *testing.T) {
	p := newTestPipeline(t, okBuilder(), &fakeRollouter{}, time.Minute)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(context.Background(), pushEvent("abc")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPipeline_SubmitRacingStopFinishesEveryRun(t *testing.T) {
	for i := 0; i < 20; i++ {
		p := newTestPipeline(t, okBuilder(), &fakeRollouter{}, time.Minute)

		var (
			mu  sync.Mutex
			ids []string
			wg  sync.WaitGroup
		)
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run, err := p.Submit(context.Background(), pushEvent(fmt.Sprintf("rev%d", j)))
				if err != nil && !errors.Is(err, ErrStopped) {
					t.Errorf("Submit: %v", err)
				}
				if run.ID != "" {
					mu.Lock()
					ids = append(ids, run.ID)
					mu.Unlock()
				}
			}()
		}
		if err := p.Stop(context.Background()); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			run, err := p.Wait(ctx, id)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("iteration %d: run %s was queued but never finished", i, id)
			}
			if run.State == StateIdle {
				t.Errorf("iteration %d: run %s left idle", i, id)
			}
		}
	}
}

func TestPipeline_Recover(t *testing.T) {
	runs := NewMemoryRunStore()
	ctx := context.Background()
	now := time.Now()
	_ = runs.CreateRun(ctx, Run{ID: "a", State: StateStagingRollout, CreatedAt: now})
	_ = runs.CreateRun(ctx, Run{ID: "b", State: StateAwaitingApproval, CreatedAt: now})
	_ = runs.CreateRun(ctx, Run{ID: "c", State: StateStagingHealthy, CreatedAt: now, FinishedAt: &now})

	p, err := NewPipeline(Config{
		Builder: okBuilder(), Rollouter: &fakeRollouter{}, Runs: runs,
		Gates: NewGateRegistry(nil, false, nil), ApprovalTimeout: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := p.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered runs, got %d", n)
	}
	a, _ := runs.GetRun(ctx, "a")
	b, _ := runs.GetRun(ctx, "b")
	if a.State != StateStagingFailed || b.State != StateCancelled {
		t.Errorf("unexpected states %s %s", a.State, b.State)
	}
	if !a.Done() || a.FailureKind != failure.KindCancelled {
		t.Errorf("expected run a finalized, got %+v", a)
	}
}

type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	moves    []State
	finished []Run
}

func (o *recordingObserver) RunTransitioned(_ context.Context, r Run, _ State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.moves = append(o.moves, r.State)
}

func (o *recordingObserver) RunFinished(_ context.Context, r Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
}

func TestPipeline_NotifiesObservers(t *testing.T) {
	obs := &recordingObserver{}
	p, err := NewPipeline(Config{
		Builder: okBuilder(), Rollouter: &fakeRollouter{}, Gates: NewGateRegistry(nil, false, nil),
		ApprovalTimeout: time.Minute, Observers: []Observer{obs},
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = p.Start(context.Background())
	defer func() { _ = p.Stop(context.Background()) }()

	run, _ := p.Submit(context.Background(), pushEvent("abc"))
	if _, err := waitRun(t, p, run.ID); err != nil {
		t.Fatal(err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.moves) != 4 {
		t.Errorf("expected 4 transitions, got %v", obs.moves)
	}
	if len(obs.finished) != 1 || obs.finished[0].FinishedAt == nil {
		t.Errorf("expected one finished notification, got %d", len(obs.finished))
	}
}
