package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/migration"
)

// SettingsApplier receives per-environment rollout tunables.
type SettingsApplier interface {
	SetSettings(env string, s deploy.Settings)
}

// ApprovalApplier receives the approval timeout.
type ApprovalApplier interface {
	SetApprovalTimeout(d time.Duration) error
}

// MigrationApplier receives migration settings.
type MigrationApplier interface {
	SetSpec(environment string, spec migration.Spec)
	SetTimeout(d time.Duration)
}

// ChangeRecorder records applied configuration changes.
type ChangeRecorder interface {
	LogConfigChange(ctx context.Context, actor, resource, detail string)
}

// Targets are the components a Reloader updates in place. Nil fields are
// skipped.
type Targets struct {
	Settings   SettingsApplier
	Approval   ApprovalApplier
	Migrations MigrationApplier
	Recorder   ChangeRecorder
}

// Reloader applies rollout tunables from changed configs to running
// components. Changes to other sections are logged and left for the next
// restart.
type Reloader struct {
	mu      sync.Mutex
	current *Config
	targets Targets
	logger  *slog.Logger
}

// NewReloader creates a Reloader whose baseline is initial.
func NewReloader(initial *Config, targets Targets, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{current: initial, targets: targets, logger: logger}
}

// Current returns the config most recently applied.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Apply pushes every tunable of cfg to the targets. It is used at startup.
func (r *Reloader) Apply(cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range cfg.EnvironmentNames() {
		if r.targets.Settings != nil {
			r.targets.Settings.SetSettings(name, cfg.SettingsFor(name))
		}
		if r.targets.Migrations != nil {
			env, _ := cfg.Environment(name)
			r.targets.Migrations.SetSpec(name, migrationSpec(env.Migration))
		}
	}
	if r.targets.Migrations != nil {
		r.targets.Migrations.SetTimeout(cfg.Rollout.MigrationTimeout)
	}
	if r.targets.Approval != nil {
		if err := r.targets.Approval.SetApprovalTimeout(cfg.Approval.Timeout); err != nil {
			return fmt.Errorf("apply approval timeout: %w", err)
		}
	}
	r.current = cfg
	return nil
}

// HandleChange diffs evt.Config against the current config and applies the
// tunables that changed. A rejected approval timeout leaves the current
// config in place.
func (r *Reloader) HandleChange(ctx context.Context, evt ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := DiffConfigs(r.current, evt.Config)
	if diff.Empty() {
		r.logger.Debug("config change detected but no effective differences")
		return nil
	}

	if diff.ApprovalTimeout != nil && r.targets.Approval != nil {
		if err := r.targets.Approval.SetApprovalTimeout(*diff.ApprovalTimeout); err != nil {
			return fmt.Errorf("apply approval timeout: %w", err)
		}
		r.record(ctx, evt.Source, "approval.timeout", diff.ApprovalTimeout.String())
	}
	for _, ch := range diff.Settings {
		if r.targets.Settings != nil {
			r.targets.Settings.SetSettings(ch.Environment, ch.New)
		}
		r.logger.Info("rollout settings reloaded", "environment", ch.Environment,
			"batch_size", ch.New.BatchSize, "health_timeout", ch.New.HealthTimeout)
		r.record(ctx, evt.Source, "environment/"+ch.Environment,
			fmt.Sprintf("batch_size=%d health_timeout=%s desired_count=%d rollback_on_failure=%t",
				ch.New.BatchSize, ch.New.HealthTimeout, ch.New.DesiredCount, ch.New.RollbackOnFailure))
	}
	if r.targets.Migrations != nil {
		for _, name := range diff.Migrations {
			env, _ := evt.Config.Environment(name)
			r.targets.Migrations.SetSpec(name, migrationSpec(env.Migration))
			r.record(ctx, evt.Source, "environment/"+name+"/migration", strings.Join(env.Migration.Command, " "))
		}
		if diff.MigrationTimeout != nil {
			r.targets.Migrations.SetTimeout(*diff.MigrationTimeout)
			r.record(ctx, evt.Source, "rollout.migration_timeout", diff.MigrationTimeout.String())
		}
	}
	if len(diff.Restart) > 0 {
		r.logger.Warn("config sections changed that require a restart", "sections", diff.Restart)
	}

	r.current = evt.Config
	return nil
}

func (r *Reloader) record(ctx context.Context, source, resource, detail string) {
	if r.targets.Recorder != nil {
		r.targets.Recorder.LogConfigChange(ctx, source, resource, detail)
	}
}

func migrationSpec(m MigrationConfig) migration.Spec {
	return migration.Spec{Command: m.Command, Env: m.Env, Secrets: m.Secrets}
}
