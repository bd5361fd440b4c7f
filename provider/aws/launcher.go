package aws

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/GoCodeAlone/shipyard/migration"
	"github.com/GoCodeAlone/shipyard/release"
)

// Compile-time interface check.
var _ migration.Launcher = (*MigrationLauncher)(nil)

// MigrationLauncher runs migration jobs as one-off ECS tasks of the
// release's task definition with the command overridden.
type MigrationLauncher struct {
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewMigrationLauncher creates a launcher sharing the scheduler's client,
// environments and task definition cache.
func NewMigrationLauncher(scheduler *Scheduler, logger *slog.Logger) *MigrationLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationLauncher{scheduler: scheduler, logger: logger}
}

// Launch implements migration.Launcher. It polls the task until it stops
// and reports the service container's exit code. When ctx ends first the
// task is stopped.
func (l *MigrationLauncher) Launch(ctx context.Context, job migration.Job) (migration.Outcome, error) {
	s := l.scheduler
	svc, err := s.service(job.Environment)
	if err != nil {
		return migration.Outcome{}, err
	}
	rel := release.Release{ID: job.Release, Image: job.Image}
	taskDef, err := s.TaskDefinition(ctx, job.Environment, rel)
	if err != nil {
		return migration.Outcome{}, err
	}

	names := make([]string, 0, len(job.Env))
	for k := range job.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	env := make([]ecstypes.KeyValuePair, 0, len(names))
	for _, k := range names {
		env = append(env, ecstypes.KeyValuePair{Name: awsv2.String(k), Value: awsv2.String(job.Env[k])})
	}

	arns, err := s.runTask(ctx, svc, job.Environment, taskDef, job.Release, 1, &ecstypes.TaskOverride{
		ContainerOverrides: []ecstypes.ContainerOverride{{
			Name:        awsv2.String(svc.Container),
			Command:     job.Command,
			Environment: env,
		}},
	})
	if err != nil {
		return migration.Outcome{}, err
	}
	if len(arns) != 1 {
		return migration.Outcome{}, fmt.Errorf("aws: expected one migration task, got %d", len(arns))
	}
	arn := arns[0]
	l.logger.Info("migration task started", "environment", job.Environment, "release", job.Release, "task", arn)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopQuietly(job.Environment, svc, []string{arn}, "migration cancelled")
			return migration.Outcome{TaskID: arn}, ctx.Err()
		case <-ticker.C:
		}

		described, err := s.describe(ctx, svc, []string{arn})
		if err != nil {
			l.logger.Warn("describe migration task failed", "task", arn, "error", err)
			continue
		}
		if len(described) == 0 || awsv2.ToString(described[0].LastStatus) != "STOPPED" {
			continue
		}
		return outcome(arn, svc.Container, described[0]), nil
	}
}

func outcome(arn, container string, t ecstypes.Task) migration.Outcome {
	out := migration.Outcome{TaskID: arn, ExitCode: -1, Reason: awsv2.ToString(t.StoppedReason)}
	for _, c := range t.Containers {
		if awsv2.ToString(c.Name) != container {
			continue
		}
		if c.ExitCode != nil {
			out.ExitCode = int(*c.ExitCode)
		}
		if r := awsv2.ToString(c.Reason); r != "" {
			out.Reason = r
		}
	}
	return out
}
