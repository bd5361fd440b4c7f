package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/shipyard/environment"
	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/lock"
	"github.com/GoCodeAlone/shipyard/migration"
	"github.com/GoCodeAlone/shipyard/observability/tracing"
	"github.com/GoCodeAlone/shipyard/provider"
	"github.com/GoCodeAlone/shipyard/release"
)

const tracerName = "github.com/GoCodeAlone/shipyard/deploy"

// cleanupTimeout bounds the teardown of units after an aborted batch.
const cleanupTimeout = 2 * time.Minute

var (
	// ErrInvalidSettings is returned for a batch size or health timeout
	// that is not positive.
	ErrInvalidSettings = errors.New("deploy: invalid rollout settings")

	errLockHeld      = errors.New("rollout lock held by another run")
	errUnitCancelled = errors.New("health wait cancelled")
)

// HealthGate waits for a unit to become healthy.
type HealthGate interface {
	WaitHealthy(ctx context.Context, target health.Target, timeout time.Duration) (health.Result, error)
}

// MigrationRunner runs a release's migrations in an environment.
type MigrationRunner interface {
	RunMigrations(ctx context.Context, environment string, rel release.Release) (migration.Result, error)
}

// ReleaseLookup resolves release IDs. It is needed only for rollbacks.
type ReleaseLookup interface {
	GetRelease(ctx context.Context, id release.ID) (release.Release, error)
}

// Settings are the per-environment rollout tunables.
type Settings struct {
	BatchSize         int           `json:"batchSize" yaml:"batch_size"`
	HealthTimeout     time.Duration `json:"healthTimeout" yaml:"health_timeout"`
	DesiredCount      int           `json:"desiredCount" yaml:"desired_count"`
	RollbackOnFailure bool          `json:"rollbackOnFailure" yaml:"rollback_on_failure"`
	LockTTL           time.Duration `json:"lockTTL" yaml:"lock_ttl"`
}

// Validate checks the mandatory tunables.
func (s Settings) Validate() error {
	if s.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidSettings, s.BatchSize)
	}
	if s.HealthTimeout <= 0 {
		return fmt.Errorf("%w: health timeout %s", ErrInvalidSettings, s.HealthTimeout)
	}
	if s.DesiredCount < 0 {
		return fmt.Errorf("%w: desired count %d", ErrInvalidSettings, s.DesiredCount)
	}
	return nil
}

// RetryPolicy bounds exponential backoff.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries caps attempts after the first; zero means retry until
	// the context ends.
	MaxRetries uint64
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(eb, p.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Config wires a Controller.
type Config struct {
	Arena      *environment.Arena
	Locker     lock.Locker
	Scheduler  provider.Scheduler
	Targets    provider.TargetRegistry // optional
	Gate       HealthGate
	Migrations MigrationRunner
	Attempts   AttemptStore
	Releases   ReleaseLookup // optional, required for rollback
	Observers  []Observer
	Logger     *slog.Logger
	Tracer     trace.Tracer

	Defaults      Settings
	LockRetry     RetryPolicy
	ProviderRetry RetryPolicy
}

// Controller rolls releases out to environments. Rollouts of different
// environments run concurrently; rollouts of one environment are
// serialized by the rollout lock.
type Controller struct {
	arena      *environment.Arena
	locker     lock.Locker
	scheduler  provider.Scheduler
	targets    provider.TargetRegistry
	gate       HealthGate
	migrations MigrationRunner
	attempts   AttemptStore
	releases   ReleaseLookup
	observers  observers
	logger     *slog.Logger
	tracer     trace.Tracer

	lockRetry     RetryPolicy
	providerRetry RetryPolicy

	mu       sync.RWMutex
	defaults Settings
	settings map[string]Settings
}

// NewController validates cfg and creates a Controller.
func NewController(cfg Config) (*Controller, error) {
	switch {
	case cfg.Arena == nil:
		return nil, errors.New("deploy: arena is required")
	case cfg.Locker == nil:
		return nil, errors.New("deploy: locker is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("deploy: scheduler is required")
	case cfg.Gate == nil:
		return nil, errors.New("deploy: health gate is required")
	case cfg.Migrations == nil:
		return nil, errors.New("deploy: migration runner is required")
	}
	if cfg.Attempts == nil {
		cfg.Attempts = NewMemoryAttemptStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.LockRetry.InitialInterval == 0 {
		cfg.LockRetry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.LockRetry.MaxInterval == 0 {
		cfg.LockRetry.MaxInterval = 10 * time.Second
	}
	if cfg.ProviderRetry.MaxRetries == 0 {
		cfg.ProviderRetry.MaxRetries = 4
	}
	return &Controller{
		arena:         cfg.Arena,
		locker:        cfg.Locker,
		scheduler:     cfg.Scheduler,
		targets:       cfg.Targets,
		gate:          cfg.Gate,
		migrations:    cfg.Migrations,
		attempts:      cfg.Attempts,
		releases:      cfg.Releases,
		observers:     cfg.Observers,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		lockRetry:     cfg.LockRetry,
		providerRetry: cfg.ProviderRetry,
		defaults:      cfg.Defaults,
		settings:      make(map[string]Settings),
	}, nil
}

// SetSettings replaces the tunables of env. Running rollouts keep the
// settings they started with.
func (c *Controller) SetSettings(env string, s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings[env] = s
}

// Settings returns the tunables applied to env.
func (c *Controller) Settings(env string) Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.settings[env]; ok {
		return s
	}
	return c.defaults
}

// Attempts returns the attempt store.
func (c *Controller) Attempts() AttemptStore { return c.attempts }

// Rollout replaces the units of env with rel. It blocks until the attempt
// reaches a terminal status and returns it together with the failure, if
// any. The environment's versions change only on success.
func (c *Controller) Rollout(ctx context.Context, env string, rel release.Release) (*Attempt, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	rec, err := c.arena.Lookup(environment.Name(env))
	if err != nil {
		return nil, err
	}
	settings := c.Settings(env)
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "deploy.Rollout", trace.WithAttributes(
		tracing.AttrEnvironment.String(env),
		tracing.AttrRelease.String(string(rel.ID)),
	))
	defer span.End()

	lease, err := c.acquire(ctx, env, settings.LockTTL)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	defer lease.Release()
	ctx, stop := guard(ctx, lease)
	defer stop()

	a := &Attempt{
		ID:              uuid.NewString(),
		Environment:     env,
		Release:         rel.ID,
		PreviousRelease: rec.Snapshot().CurrentVersion,
		Status:          StatusInProgress,
		StartedAt:       time.Now().UTC(),
	}
	if err := c.attempts.CreateAttempt(ctx, *a); err != nil {
		return nil, fmt.Errorf("deploy: persist attempt: %w", err)
	}
	span.SetAttributes(tracing.AttrAttempt.String(a.ID))
	c.observers.started(ctx, *a)
	c.logger.Info("rollout started",
		"environment", env, "release", rel.ID, "attempt", a.ID,
		"batch_size", settings.BatchSize, "health_timeout", settings.HealthTimeout)

	live, runErr := c.run(ctx, a, rel, settings)
	if runErr == nil {
		if _, err := rec.Update(context.WithoutCancel(ctx), func(e *environment.Environment) {
			e.CurrentVersion = rel.ID
			e.DesiredVersion = rel.ID
			e.Health = environment.HealthHealthy
		}); err != nil {
			runErr = fmt.Errorf("deploy: record environment state: %w", err)
		}
	} else if a.Status != StatusRolledBack && len(live) > 0 {
		if _, err := rec.Update(context.WithoutCancel(ctx), func(e *environment.Environment) {
			e.Health = environment.HealthDegraded
		}); err != nil {
			c.logger.Error("failed to mark environment degraded", "environment", env, "error", err)
		}
	}

	c.finish(ctx, a, runErr)
	tracing.Fail(span, runErr)
	span.SetAttributes(attribute.String("status", string(a.Status)), attribute.Int("batches", a.Batches))
	return a, runErr
}

func (c *Controller) finish(ctx context.Context, a *Attempt, runErr error) {
	now := time.Now().UTC()
	a.FinishedAt = &now
	if runErr == nil {
		a.Status = StatusSuccess
	} else {
		if a.Status != StatusRolledBack {
			a.Status = StatusFailed
		}
		a.FailureKind = failure.KindOf(runErr)
		a.Reason = failure.Reason(runErr)
	}

	if err := c.attempts.UpdateAttempt(context.WithoutCancel(ctx), *a); err != nil {
		c.logger.Error("failed to persist attempt", "attempt", a.ID, "error", err)
	}
	c.observers.finished(ctx, *a)

	log := c.logger.With("environment", a.Environment, "release", a.Release, "attempt", a.ID,
		"status", a.Status, "batches", a.CompletedBatches, "duration", a.Duration().Round(time.Millisecond))
	if runErr != nil {
		log.Error("rollout finished", "kind", a.FailureKind, "reason", a.Reason)
		return
	}
	log.Info("rollout finished")
}

// Recover marks attempts left in progress by a previous process as failed.
// It must run before any rollout starts.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	stale, err := c.attempts.ListAttempts(ctx, AttemptFilter{Status: StatusInProgress})
	if err != nil {
		return 0, fmt.Errorf("deploy: list in-progress attempts: %w", err)
	}
	for _, a := range stale {
		now := time.Now().UTC()
		a.Status = StatusFailed
		a.FinishedAt = &now
		a.Reason = "orchestrator restarted during rollout"
		if err := c.attempts.UpdateAttempt(ctx, a); err != nil {
			return 0, fmt.Errorf("deploy: finalize attempt %s: %w", a.ID, err)
		}
		c.logger.Warn("finalized stale attempt", "environment", a.Environment, "attempt", a.ID)
	}
	return len(stale), nil
}

// guard returns a context cancelled with lock.ErrLockLost when lease is
// lost. stop must be called once the work it guards is done.
func guard(ctx context.Context, lease *lock.Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-lease.Lost():
			cancel(lock.ErrLockLost)
		case <-done:
		}
	}()
	return ctx, func() {
		close(done)
		cancel(nil)
	}
}

// acquire takes the environment's rollout lock, retrying contention with
// backoff until ctx ends.
func (c *Controller) acquire(ctx context.Context, env string, ttl time.Duration) (*lock.Lease, error) {
	key := lock.RolloutKey(env)
	op := "lock " + env
	var lease *lock.Lease
	err := backoff.RetryNotify(func() error {
		l, ok, err := c.locker.TryAcquire(ctx, key, ttl)
		if err != nil {
			return failure.New(failure.KindProviderUnavailable, op, err)
		}
		if !ok {
			return failure.New(failure.KindLockContention, op, errLockHeld)
		}
		lease = l
		return nil
	}, c.lockRetry.backOff(ctx), func(err error, wait time.Duration) {
		c.logger.Info("waiting for rollout lock", "environment", env, "retry_in", wait, "reason", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, failure.New(failure.KindLockContention, op, ctx.Err())
			}
			return nil, failure.New(failure.KindCancelled, op, ctx.Err())
		}
		return nil, err
	}
	return lease, nil
}

// retry runs fn, retrying retryable failures under the provider policy.
func (c *Controller) retry(ctx context.Context, op string, fn func() error) error {
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || failure.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, c.providerRetry.backOff(ctx), func(err error, wait time.Duration) {
		c.logger.Warn("provider call failed, retrying", "op", op, "retry_in", wait, "error", err)
	})
	if err != nil && ctx.Err() != nil {
		return failure.New(failure.KindCancelled, op, ctx.Err())
	}
	if err != nil && failure.KindOf(err) == "" {
		return failure.New(failure.KindProviderUnavailable, op, err)
	}
	return err
}

func batchCount(total, size int) int {
	if total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

func (c *Controller) persist(ctx context.Context, a *Attempt) {
	if err := c.attempts.UpdateAttempt(context.WithoutCancel(ctx), *a); err != nil {
		c.logger.Error("failed to persist attempt progress", "attempt", a.ID, "error", err)
	}
}

// run migrates and replaces the units of the environment batch by batch. It
// returns the units of rel left running. After a failure, any such units
// leave the environment degraded.
func (c *Controller) run(ctx context.Context, a *Attempt, rel release.Release, s Settings) ([]provider.Task, error) {
	env := a.Environment

	res, err := c.migrations.RunMigrations(ctx, env, rel)
	if err != nil {
		if failure.KindOf(err) == "" {
			err = failure.New(failure.KindMigration, "migrate "+env, err)
		}
		a.record(Event{Type: EventMigrationFailed, Detail: err.Error()})
		return nil, err
	}
	if res == migration.ResultApplied {
		a.record(Event{Type: EventMigrationSucceeded})
	} else {
		a.record(Event{Type: EventMigrationSkipped, Detail: string(res)})
	}

	var tasks []provider.Task
	if err := c.retry(ctx, "list tasks", func() error {
		var err error
		tasks, err = c.scheduler.ListTasks(ctx, env)
		return err
	}); err != nil {
		return nil, err
	}
	_, old := provider.Split(tasks, rel.ID)
	remaining := len(old)
	if len(tasks) == 0 {
		remaining = s.DesiredCount
	}
	a.Batches = batchCount(remaining, s.BatchSize)
	c.persist(ctx, a)

	var replaced []provider.Task
	for batch := 1; remaining > 0; batch++ {
		if ctx.Err() != nil {
			cause := failure.New(failure.KindCancelled, "rollout "+env, context.Cause(ctx))
			return c.abort(ctx, a, s, replaced, cause)
		}
		n := min(s.BatchSize, remaining)
		began := time.Now()

		started, err := c.startBatch(ctx, a, rel, batch, n, s.HealthTimeout)
		if err != nil {
			return c.abort(ctx, a, s, replaced, err)
		}
		replaced = append(replaced, started...)

		victims := old[:min(n, len(old))]
		old = old[len(victims):]
		if err := c.retire(ctx, a, batch, victims); err != nil {
			a.record(Event{Type: EventRetireFailed, Batch: batch, Tasks: provider.IDs(victims), Detail: err.Error()})
			return c.abort(ctx, a, s, replaced, err)
		}

		remaining -= n
		a.CompletedBatches = batch
		a.record(Event{Type: EventBatchCompleted, Batch: batch})
		c.persist(ctx, a)
		c.observers.batch(ctx, *a, batch, time.Since(began))
		c.logger.Info("batch completed", "environment", env, "attempt", a.ID, "batch", batch, "of", a.Batches)
	}
	return replaced, nil
}

// startBatch starts n units of rel and waits for all of them to become
// healthy. On failure the units it started are torn down.
func (c *Controller) startBatch(ctx context.Context, a *Attempt, rel release.Release, batch, n int, timeout time.Duration) ([]provider.Task, error) {
	ctx, span := c.tracer.Start(ctx, "deploy.Batch", trace.WithAttributes(
		attribute.Int("batch", batch),
		attribute.Int("size", n),
	))
	defer span.End()

	env := a.Environment
	var started []provider.Task
	if err := c.retry(ctx, "start units", func() error {
		var err error
		started, err = c.scheduler.Start(ctx, env, rel, n)
		return err
	}); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	a.record(Event{Type: EventUnitsStarted, Batch: batch, Tasks: provider.IDs(started)})

	if c.targets != nil {
		if err := c.retry(ctx, "register targets", func() error {
			return c.targets.Register(ctx, env, started)
		}); err != nil {
			c.discard(ctx, a, batch, started)
			tracing.Fail(span, err)
			return nil, err
		}
	}

	if err := c.waitHealthy(ctx, a, batch, started, timeout); err != nil {
		c.discard(ctx, a, batch, started)
		tracing.Fail(span, err)
		return nil, err
	}
	return started, nil
}

// waitHealthy waits on the health gate for every unit concurrently. The
// first failure cancels the remaining waits.
func (c *Controller) waitHealthy(ctx context.Context, a *Attempt, batch int, tasks []provider.Task, timeout time.Duration) error {
	env := a.Environment
	results := make([]health.Result, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			res, err := c.gate.WaitHealthy(gctx, t.Target(), timeout)
			if err != nil {
				return err
			}
			results[i] = res
			switch res {
			case health.ResultHealthy:
				return nil
			case health.ResultTimedOut:
				return failure.Newf(failure.KindHealthCheckTimeout, "health "+env,
					"unit %s not healthy within %s", t.ID, timeout)
			default:
				return errUnitCancelled
			}
		})
	}
	err := g.Wait()

	for i, t := range tasks {
		if results[i] == health.ResultHealthy {
			a.record(Event{Type: EventUnitHealthy, Batch: batch, Tasks: []string{t.ID}})
			continue
		}
		detail := string(results[i])
		if detail == "" {
			detail = "not checked"
		}
		a.record(Event{Type: EventUnitUnhealthy, Batch: batch, Tasks: []string{t.ID}, Detail: detail})
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return failure.New(failure.KindCancelled, "rollout "+env, context.Cause(ctx))
	case errors.Is(err, errUnitCancelled):
		return failure.New(failure.KindCancelled, "rollout "+env, err)
	}
	return err
}

// retire drains and stops old units replaced by a completed batch.
func (c *Controller) retire(ctx context.Context, a *Attempt, batch int, victims []provider.Task) error {
	if len(victims) == 0 {
		return nil
	}
	env := a.Environment
	ids := provider.IDs(victims)
	if c.targets != nil {
		if err := c.retry(ctx, "drain units", func() error {
			return c.targets.Deregister(ctx, env, victims)
		}); err != nil {
			return err
		}
		a.record(Event{Type: EventUnitsDrained, Batch: batch, Tasks: ids})
	}
	if err := c.retry(ctx, "stop units", func() error {
		return c.scheduler.Stop(ctx, env, ids)
	}); err != nil {
		return err
	}
	a.record(Event{Type: EventUnitsStopped, Batch: batch, Tasks: ids})
	return nil
}

// discard tears down units of a failed batch. It runs even when ctx is
// cancelled.
func (c *Controller) discard(ctx context.Context, a *Attempt, batch int, tasks []provider.Task) {
	if len(tasks) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	env := a.Environment
	ids := provider.IDs(tasks)
	detail := "discarded after failed batch"
	if c.targets != nil {
		if err := c.targets.Deregister(cctx, env, tasks); err != nil {
			c.logger.Warn("failed to deregister discarded units", "environment", env, "error", err)
		}
	}
	if err := c.retry(cctx, "stop discarded units", func() error {
		return c.scheduler.Stop(cctx, env, ids)
	}); err != nil {
		c.logger.Error("failed to stop discarded units", "environment", env, "tasks", ids, "error", err)
		detail = "stop failed: " + err.Error()
	}
	a.record(Event{Type: EventUnitsStopped, Batch: batch, Tasks: ids, Detail: detail})
}

// abort handles a failed batch. Units of completed batches stay in place
// unless rollback is enabled, in which case they are replaced with the
// previous release. It returns the units of the new release still running
// and the original cause. A lost lock skips rollback, since another
// attempt may already own the environment.
func (c *Controller) abort(ctx context.Context, a *Attempt, s Settings, replaced []provider.Task, cause error) ([]provider.Task, error) {
	if !s.RollbackOnFailure || len(replaced) == 0 {
		return replaced, cause
	}
	if errors.Is(context.Cause(ctx), lock.ErrLockLost) {
		c.logger.Error("rollout lock lost, skipping rollback", "environment", a.Environment, "attempt", a.ID)
		return replaced, cause
	}

	budget := s.HealthTimeout*time.Duration(batchCount(len(replaced), s.BatchSize)+1) + cleanupTimeout
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	a.record(Event{Type: EventRollbackStarted, Detail: string(a.PreviousRelease)})
	if err := c.rollback(rctx, a, s, replaced); err != nil {
		a.record(Event{Type: EventRollbackFailed, Detail: err.Error()})
		c.logger.Error("rollback failed", "environment", a.Environment, "attempt", a.ID, "error", err)
		return replaced, cause
	}
	a.record(Event{Type: EventRollbackCompleted, Detail: string(a.PreviousRelease)})
	a.Status = StatusRolledBack
	return nil, cause
}

func (c *Controller) rollback(ctx context.Context, a *Attempt, s Settings, replaced []provider.Task) error {
	if a.PreviousRelease == "" {
		return errors.New("no previous release to roll back to")
	}
	if c.releases == nil {
		return errors.New("no release lookup configured")
	}
	prev, err := c.releases.GetRelease(ctx, a.PreviousRelease)
	if err != nil {
		return fmt.Errorf("lookup previous release: %w", err)
	}

	for batch := 1; len(replaced) > 0; batch++ {
		n := min(s.BatchSize, len(replaced))
		if _, err := c.startBatch(ctx, a, prev, -batch, n, s.HealthTimeout); err != nil {
			return err
		}
		if err := c.retire(ctx, a, -batch, replaced[:n]); err != nil {
			return err
		}
		replaced = replaced[n:]
	}
	return nil
}
