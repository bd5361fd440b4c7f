// Package migration runs a release's database migrations as a one-shot
// task before any compute unit of that release is started.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/release"
	"github.com/GoCodeAlone/shipyard/secrets"
)

// ErrNoTimeout is returned by NewRunner when no execution timeout is set.
var ErrNoTimeout = errors.New("migration: timeout must be positive")

// Job is one migration task launch.
type Job struct {
	Environment string
	Release     release.ID
	Image       string
	Command     []string
	Env         map[string]string
}

// Outcome describes how a migration task ended.
type Outcome struct {
	TaskID   string
	ExitCode int
	Reason   string
}

// Launcher starts a one-shot task and blocks until it exits or ctx ends.
// Implementations must stop the task when ctx is done.
type Launcher interface {
	Launch(ctx context.Context, job Job) (Outcome, error)
}

// Spec configures the migration task of one environment. Secrets maps an
// environment variable name to the secret key whose value it receives.
type Spec struct {
	Command []string
	Env     map[string]string
	Secrets map[string]string
}

// Runner executes migrations through a Launcher.
type Runner struct {
	launcher Launcher
	secrets  secrets.Provider
	history  History
	logger   *slog.Logger

	mu      sync.RWMutex
	timeout time.Duration
	specs   map[string]Spec
}

// NewRunner creates a Runner. timeout bounds every migration execution and
// must be positive. history may be nil.
func NewRunner(launcher Launcher, provider secrets.Provider, history History, timeout time.Duration, logger *slog.Logger) (*Runner, error) {
	if timeout <= 0 {
		return nil, ErrNoTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		launcher: launcher,
		secrets:  provider,
		history:  history,
		logger:   logger,
		timeout:  timeout,
		specs:    make(map[string]Spec),
	}, nil
}

// SetSpec configures the migration task for environment.
func (r *Runner) SetSpec(environment string, spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[environment] = spec
}

// SetTimeout replaces the execution timeout. Non-positive values are ignored.
func (r *Runner) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// Result says what RunMigrations did for a successful call.
type Result string

const (
	// ResultApplied means the migration task ran and exited zero.
	ResultApplied Result = "applied"
	// ResultAlreadyApplied means history holds a successful run of the
	// same release in the environment, so no task was launched.
	ResultAlreadyApplied Result = "already_applied"
	// ResultNotConfigured means the environment has no migration task.
	ResultNotConfigured Result = "not_configured"
)

// RunMigrations handles the migration step of one rollout attempt: the
// task for rel runs at most once per call. On failure it returns a
// *failure.Error of kind MigrationFailure (kind Cancelled when ctx was
// cancelled). Environments without a migration spec, and releases already
// migrated there, succeed without launching a task; the Result tells the
// caller which case applied.
func (r *Runner) RunMigrations(ctx context.Context, environment string, rel release.Release) (Result, error) {
	op := "migrate " + environment
	r.mu.RLock()
	spec, ok := r.specs[environment]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok || len(spec.Command) == 0 {
		r.logger.Info("no migration task configured", "environment", environment, "release", rel.ID)
		return ResultNotConfigured, nil
	}

	if r.history != nil {
		done, err := r.history.Succeeded(ctx, environment, rel.ID)
		if err != nil {
			return "", failure.New(failure.KindMigration, op, fmt.Errorf("query history: %w", err))
		}
		if done {
			r.logger.Info("migrations already applied", "environment", environment, "release", rel.ID)
			return ResultAlreadyApplied, nil
		}
	}

	env, err := r.buildEnv(ctx, spec)
	if err != nil {
		return "", failure.New(failure.KindMigration, op, err)
	}

	job := Job{
		Environment: environment,
		Release:     rel.ID,
		Image:       rel.Image,
		Command:     append([]string(nil), spec.Command...),
		Env:         env,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now().UTC()
	r.logger.Info("migration started", "environment", environment, "release", rel.ID, "timeout", timeout)
	out, launchErr := r.launcher.Launch(runCtx, job)
	runErr := r.classify(ctx, runCtx, op, timeout, out, launchErr)

	rec := Record{
		Environment: environment,
		Release:     rel.ID,
		TaskID:      out.TaskID,
		ExitCode:    out.ExitCode,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		Succeeded:   runErr == nil,
	}
	if runErr != nil {
		rec.Reason = runErr.Error()
	}
	if r.history != nil {
		if err := r.history.Record(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Error("failed to record migration", "environment", environment, "release", rel.ID, "error", err)
		}
	}

	if runErr != nil {
		r.logger.Error("migration failed", "environment", environment, "release", rel.ID, "task", out.TaskID, "error", runErr)
		return "", runErr
	}
	r.logger.Info("migration succeeded", "environment", environment, "release", rel.ID, "task", out.TaskID,
		"duration", rec.FinishedAt.Sub(started).Round(time.Millisecond))
	return ResultApplied, nil
}

func (r *Runner) classify(parent, runCtx context.Context, op string, timeout time.Duration, out Outcome, err error) error {
	switch {
	case parent.Err() != nil:
		return failure.New(failure.KindCancelled, op, parent.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return failure.Newf(failure.KindMigration, op, "timed out after %s", timeout)
	case err != nil:
		return failure.New(failure.KindMigration, op, err)
	case out.ExitCode != 0:
		reason := out.Reason
		if reason == "" {
			reason = "migration task failed"
		}
		return failure.Newf(failure.KindMigration, op, "%s (exit code %d)", reason, out.ExitCode)
	}
	return nil
}

func (r *Runner) buildEnv(ctx context.Context, spec Spec) (map[string]string, error) {
	env := make(map[string]string, len(spec.Env)+len(spec.Secrets))
	for k, v := range spec.Env {
		env[k] = v
	}
	if len(spec.Secrets) == 0 {
		return env, nil
	}
	if r.secrets == nil {
		return nil, errors.New("migration task needs secrets but no secret provider is configured")
	}

	names := make([]string, 0, len(spec.Secrets))
	for name := range spec.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		val, err := r.secrets.Get(ctx, spec.Secrets[name])
		if err != nil {
			return nil, fmt.Errorf("resolve secret for %s: %w", name, err)
		}
		env[name] = val
	}
	return env, nil
}
