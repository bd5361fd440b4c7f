package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/observability/tracing"
	"github.com/GoCodeAlone/shipyard/release"
)

const tracerName = "github.com/GoCodeAlone/shipyard/promotion"

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("promotion: pipeline stopped")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("promotion: run already finished")
)

// Builder runs CI for an event and produces the release.
type Builder interface {
	Build(ctx context.Context, runID string, ev Event) (release.Release, error)
}

// Rollouter rolls a release out to an environment.
type Rollouter interface {
	Rollout(ctx context.Context, environment string, rel release.Release) (*deploy.Attempt, error)
}

// ReleaseSaver records releases produced by CI.
type ReleaseSaver interface {
	SaveRelease(ctx context.Context, rel release.Release) error
}

// Config wires a Pipeline.
type Config struct {
	Builder   Builder
	Rollouter Rollouter
	Gates     *GateRegistry
	Runs      RunStore     // defaults to an in-memory store
	Releases  ReleaseSaver // optional
	Observers []Observer
	Logger    *slog.Logger
	Tracer    trace.Tracer

	DeployBranch          string
	StagingEnvironment    string
	ProductionEnvironment string
	ApprovalTimeout       time.Duration
	QueueSize             int
}

// Pipeline consumes source-control events and drives one goroutine per
// run through the state machine.
type Pipeline struct {
	builder   Builder
	rollouter Rollouter
	gates     *GateRegistry
	runs      RunStore
	releases  ReleaseSaver
	observers []Observer
	logger    *slog.Logger
	tracer    trace.Tracer

	deployBranch string
	staging      string
	production   string

	queue      chan *active
	base       context.Context
	baseCancel context.CancelFunc
	dispatched chan struct{}
	stopOnce   sync.Once
	stopped    chan struct{}
	wg         sync.WaitGroup
	// submits counts Submit calls that may still send on queue. It only
	// grows under mu while stopped is open.
	submits sync.WaitGroup

	mu              sync.Mutex
	active          map[string]*active
	approvalTimeout time.Duration
}

type active struct {
	run    Run
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline validates cfg and creates a Pipeline. Call Start to begin
// dispatching.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Builder == nil:
		return nil, errors.New("promotion: builder is required")
	case cfg.Rollouter == nil:
		return nil, errors.New("promotion: rollouter is required")
	case cfg.Gates == nil:
		return nil, errors.New("promotion: gate registry is required")
	}
	if cfg.ApprovalTimeout <= 0 && !cfg.Gates.allowNoTimeout {
		return nil, ErrNoTimeout
	}
	if cfg.Runs == nil {
		cfg.Runs = NewMemoryRunStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.DeployBranch == "" {
		cfg.DeployBranch = "main"
	}
	if cfg.StagingEnvironment == "" {
		cfg.StagingEnvironment = "staging"
	}
	if cfg.ProductionEnvironment == "" {
		cfg.ProductionEnvironment = "production"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	base, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		builder:         cfg.Builder,
		rollouter:       cfg.Rollouter,
		gates:           cfg.Gates,
		runs:            cfg.Runs,
		releases:        cfg.Releases,
		observers:       cfg.Observers,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		deployBranch:    cfg.DeployBranch,
		staging:         cfg.StagingEnvironment,
		production:      cfg.ProductionEnvironment,
		queue:           make(chan *active, cfg.QueueSize),
		base:            base,
		baseCancel:      cancel,
		dispatched:      make(chan struct{}),
		stopped:         make(chan struct{}),
		active:          make(map[string]*active),
		approvalTimeout: cfg.ApprovalTimeout,
	}, nil
}

// Gates returns the approval gate registry.
func (p *Pipeline) Gates() *GateRegistry { return p.gates }

// SetApprovalTimeout changes the timeout of gates opened from now on.
func (p *Pipeline) SetApprovalTimeout(d time.Duration) error {
	if d <= 0 && !p.gates.allowNoTimeout {
		return ErrNoTimeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approvalTimeout = d
	return nil
}

// Start launches the dispatcher.
func (p *Pipeline) Start(_ context.Context) error {
	go p.dispatch()
	p.logger.Info("promotion pipeline started", "deploy_branch", p.deployBranch)
	return nil
}

// Stop cancels every run and waits for the run goroutines to exit or ctx
// to end.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.stopped)
		p.mu.Unlock()
		p.baseCancel()
	})
	select {
	case <-p.dispatched:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case a := <-p.queue:
			p.wg.Add(1)
			go p.execute(a)
		case <-p.stopped:
			p.submits.Wait()
			for {
				select {
				case a := <-p.queue:
					p.wg.Add(1)
					go p.execute(a)
				default:
					return
				}
			}
		}
	}
}

// Submit records a run for ev and queues it. It blocks only while the
// queue is full, until ctx ends.
func (p *Pipeline) Submit(ctx context.Context, ev Event) (Run, error) {
	if err := ev.Validate(); err != nil {
		return Run{}, err
	}
	select {
	case <-p.stopped:
		return Run{}, ErrStopped
	default:
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	run := Run{
		ID:        uuid.NewString(),
		Event:     ev,
		Plan:      PlanFor(ev, p.deployBranch),
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.runs.CreateRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("promotion: create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(p.base)
	a := &active{run: run, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	select {
	case <-p.stopped:
		p.mu.Unlock()
		p.abandon(a, ErrStopped)
		return run, ErrStopped
	default:
	}
	p.active[run.ID] = a
	p.submits.Add(1)
	p.mu.Unlock()
	defer p.submits.Done()

	select {
	case p.queue <- a:
	case <-ctx.Done():
		p.abandon(a, ctx.Err())
		return run, ctx.Err()
	case <-p.stopped:
		p.abandon(a, ErrStopped)
		return run, ErrStopped
	}
	p.logger.Info("run queued", "run", run.ID, "kind", ev.Kind, "ref", ev.Ref, "tag", ev.Tag, "plan", run.Plan)
	return run, nil
}

// abandon finishes a run that never reached the dispatcher.
func (p *Pipeline) abandon(a *active, cause error) {
	a.cancel()
	err := failure.New(failure.KindCancelled, "submit", cause)
	if terr := p.transition(context.Background(), a, StateCancelled, cause.Error()); terr != nil {
		p.logger.Error("failed to cancel queued run", "run", a.run.ID, "error", terr)
	}
	p.finish(context.Background(), a, err)
	p.detach(a)
}

// Cancel cancels a queued or running run. Cancelling CI or an approval
// wait ends the run as cancelled; cancelling a rollout aborts it.
func (p *Pipeline) Cancel(ctx context.Context, runID string) error {
	p.mu.Lock()
	a, ok := p.active[runID]
	p.mu.Unlock()
	if ok {
		a.cancel()
		p.logger.Info("run cancellation requested", "run", runID)
		return nil
	}
	if _, err := p.runs.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunFinished
}

// Wait blocks until the run finishes or ctx ends. It returns the run and
// the run's failure, if any.
func (p *Pipeline) Wait(ctx context.Context, runID string) (Run, error) {
	p.mu.Lock()
	a, ok := p.active[runID]
	p.mu.Unlock()
	if ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	return run, run.Err()
}

// Get returns a run.
func (p *Pipeline) Get(ctx context.Context, runID string) (Run, error) {
	return p.runs.GetRun(ctx, runID)
}

// List returns runs, newest first.
func (p *Pipeline) List(ctx context.Context, f RunFilter) ([]Run, error) {
	return p.runs.ListRuns(ctx, f)
}

// Recover finishes runs left unfinished by a previous process. Runs
// interrupted mid-rollout are recorded as failed, all others as cancelled.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	runs, err := p.runs.ListRuns(ctx, RunFilter{})
	if err != nil {
		return 0, fmt.Errorf("promotion: list runs: %w", err)
	}
	n := 0
	for _, r := range runs {
		if r.Done() {
			continue
		}
		to := StateCancelled
		switch r.State {
		case StateStagingRollout:
			to = StateStagingFailed
		case StateProductionRollout:
			to = StateProductionFailed
		}
		now := time.Now().UTC()
		r.History = append(r.History, Transition{From: r.State, To: to, At: now, Reason: "orchestrator restarted"})
		r.State = to
		r.FailureKind = failure.KindCancelled
		r.Reason = "orchestrator restarted"
		r.UpdatedAt = now
		r.FinishedAt = &now
		if err := p.runs.UpdateRun(ctx, r); err != nil {
			return n, fmt.Errorf("promotion: finalize run %s: %w", r.ID, err)
		}
		p.logger.Warn("finalized interrupted run", "run", r.ID, "state", to)
		n++
	}
	return n, nil
}

func (p *Pipeline) detach(a *active) {
	p.mu.Lock()
	delete(p.active, a.run.ID)
	p.mu.Unlock()
	close(a.done)
}

func (p *Pipeline) execute(a *active) {
	defer p.wg.Done()
	defer p.detach(a)
	defer a.cancel()

	ev := a.run.Event
	ctx, span := p.tracer.Start(a.ctx, "promotion.Run", trace.WithAttributes(
		tracing.AttrRun.String(a.run.ID),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.ref", ev.Ref),
		attribute.String("plan", string(a.run.Plan)),
	))
	defer span.End()

	err := p.process(ctx, a)
	p.finish(ctx, a, err)
	tracing.Fail(span, err)
	span.SetAttributes(attribute.String("state", string(a.run.State)))
}

func (p *Pipeline) process(ctx context.Context, a *active) error {
	if err := ctx.Err(); err != nil {
		return p.cancelled(ctx, a, "ci", err)
	}

	// CI
	if err := p.transition(ctx, a, StateCIRunning, ""); err != nil {
		return err
	}
	rel, err := p.builder.Build(ctx, a.run.ID, a.run.Event)
	if err != nil {
		if ctx.Err() != nil {
			return p.cancelled(ctx, a, "ci", ctx.Err())
		}
		err = classify(failure.KindBuild, "ci", err)
		return p.fail(ctx, a, StateCIFailed, err)
	}
	a.run.Release = &rel
	if p.releases != nil {
		if err := p.releases.SaveRelease(context.WithoutCancel(ctx), rel); err != nil {
			p.logger.Error("failed to record release", "run", a.run.ID, "release", rel.ID, "error", err)
		}
	}
	if err := p.transition(ctx, a, StateCIPassed, string(rel.ID)); err != nil {
		return err
	}
	if a.run.Plan == PlanCI {
		return nil
	}

	// Staging
	if err := ctx.Err(); err != nil {
		return p.cancelled(ctx, a, "staging", err)
	}
	if err := p.transition(ctx, a, StateStagingRollout, ""); err != nil {
		return err
	}
	attempt, err := p.rollouter.Rollout(ctx, p.staging, rel)
	if attempt != nil {
		a.run.StagingAttempt = attempt.ID
	}
	if err != nil {
		return p.fail(ctx, a, StateStagingFailed, classify(failure.KindProviderUnavailable, "rollout "+p.staging, err))
	}
	if err := p.transition(ctx, a, StateStagingHealthy, ""); err != nil {
		return err
	}
	if a.run.Plan != PlanProduction {
		return nil
	}

	// Approval
	if err := p.transition(ctx, a, StateAwaitingApproval, ""); err != nil {
		return err
	}
	p.mu.Lock()
	timeout := p.approvalTimeout
	p.mu.Unlock()
	gate, err := p.gates.Open(ctx, a.run.ID, p.production, rel, timeout)
	if err != nil {
		return p.fail(ctx, a, StateRejected, classify(failure.KindApprovalRejected, "approval", err))
	}
	a.run.GateID = gate.ID
	p.persist(ctx, a)

	gate, err = p.gates.Wait(ctx, gate.ID)
	if err != nil {
		return p.fail(ctx, a, StateRejected, classify(failure.KindApprovalRejected, "approval", err))
	}
	switch gate.Status {
	case GateApproved:
	case GateCancelled:
		return p.cancelled(ctx, a, "approval", context.Canceled)
	default:
		reason := gate.Reason
		if reason == "" {
			reason = string(gate.Status)
		}
		return p.fail(ctx, a, StateRejected,
			failure.Newf(failure.KindApprovalRejected, "approval", "%s by %q: %s", gate.Status, gate.DecidedBy, reason))
	}
	if gate.Environment != p.production || gate.Release != rel.ID {
		return p.fail(ctx, a, StateRejected, failure.Newf(failure.KindApprovalRejected, "approval",
			"gate %s approves %s/%s, not %s/%s", gate.ID, gate.Environment, gate.Release, p.production, rel.ID))
	}
	if err := p.transition(ctx, a, StateApproved, "approved by "+gate.DecidedBy); err != nil {
		return err
	}

	// Production
	if err := ctx.Err(); err != nil {
		return p.cancelled(ctx, a, "production", err)
	}
	if err := p.transition(ctx, a, StateProductionRollout, ""); err != nil {
		return err
	}
	attempt, err = p.rollouter.Rollout(ctx, p.production, rel)
	if attempt != nil {
		a.run.ProductionAttempt = attempt.ID
	}
	if err != nil {
		return p.fail(ctx, a, StateProductionFailed, classify(failure.KindProviderUnavailable, "rollout "+p.production, err))
	}
	return p.transition(ctx, a, StateProductionHealthy, "")
}

// classify gives unclassified errors the stage's kind.
func classify(kind failure.Kind, op string, err error) error {
	if failure.KindOf(err) != "" {
		return err
	}
	return failure.New(kind, op, err)
}

func (p *Pipeline) fail(ctx context.Context, a *active, to State, err error) error {
	if terr := p.transition(ctx, a, to, failure.Reason(err)); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

func (p *Pipeline) cancelled(ctx context.Context, a *active, op string, cause error) error {
	return p.fail(ctx, a, StateCancelled, failure.New(failure.KindCancelled, op, cause))
}

// transition moves the run to the next state, persists it and notifies
// observers. Persistence ignores cancellation of ctx.
func (p *Pipeline) transition(ctx context.Context, a *active, to State, reason string) error {
	from := a.run.State
	if err := checkTransition(from, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	a.run.State = to
	a.run.UpdatedAt = now
	a.run.History = append(a.run.History, Transition{From: from, To: to, At: now, Reason: reason})
	p.persist(ctx, a)

	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	for _, o := range p.observers {
		o.RunTransitioned(ctx, a.run.Clone(), from)
	}
	p.logger.Info("run transitioned", "run", a.run.ID, "from", from, "to", to)
	return nil
}

func (p *Pipeline) persist(ctx context.Context, a *active) {
	if err := p.runs.UpdateRun(context.WithoutCancel(ctx), a.run); err != nil {
		p.logger.Error("failed to persist run", "run", a.run.ID, "error", err)
	}
}

func (p *Pipeline) finish(ctx context.Context, a *active, err error) {
	now := time.Now().UTC()
	a.run.FinishedAt = &now
	a.run.UpdatedAt = now
	if err != nil {
		a.run.FailureKind = failure.KindOf(err)
		a.run.Reason = failure.Reason(err)
	}
	p.persist(ctx, a)
	for _, o := range p.observers {
		o.RunFinished(ctx, a.run.Clone())
	}

	log := p.logger.With("run", a.run.ID, "state", a.run.State, "plan", a.run.Plan)
	if a.run.Release != nil {
		log = log.With("release", a.run.Release.ID)
	}
	if err != nil {
		log.Error("run finished", "kind", a.run.FailureKind, "reason", a.run.Reason)
		return
	}
	log.Info("run finished")
}
