package aws

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/shipyard/provider"
	"github.com/GoCodeAlone/shipyard/release"
)

// Compile-time interface check.
var _ provider.Scheduler = (*Scheduler)(nil)

// maxRunTaskCount is the ECS limit on tasks started by one RunTask call.
const maxRunTaskCount = 10

// maxDescribeTasks is the ECS limit on tasks per DescribeTasks call.
const maxDescribeTasks = 100

// Scheduler implements provider.Scheduler on ECS Fargate. Each release
// gets its own task definition revision, derived from the environment's
// base family with the release image swapped into the service container.
// Tasks are tagged with their release and started by "shipyard-<env>".
type Scheduler struct {
	client       ECSClient
	services     map[string]Service
	limiter      *rate.Limiter
	logger       *slog.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	taskDefs map[string]string // env/release -> task definition ARN
}

// NewScheduler creates a Scheduler for the given environments.
func NewScheduler(client ECSClient, services map[string]Service, limiter *rate.Limiter, logger *slog.Logger) (*Scheduler, error) {
	for env, svc := range services {
		if err := svc.validate(env); err != nil {
			return nil, err
		}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		client:       client,
		services:     services,
		limiter:      limiter,
		logger:       logger,
		pollInterval: defaultPollInterval,
		taskDefs:     make(map[string]string),
	}, nil
}

// SetPollInterval overrides how often task state is polled.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

func (s *Scheduler) service(env string) (Service, error) {
	svc, ok := s.services[env]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", provider.ErrUnknownEnvironment, env)
	}
	return svc, nil
}

// TaskDefinition returns the task definition ARN running rel in env,
// registering a new revision on first use.
func (s *Scheduler) TaskDefinition(ctx context.Context, env string, rel release.Release) (string, error) {
	svc, err := s.service(env)
	if err != nil {
		return "", err
	}
	if rel.Image == "" {
		return "", fmt.Errorf("aws: release %s has no image", rel.ID)
	}
	cacheKey := env + "/" + string(rel.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if arn, ok := s.taskDefs[cacheKey]; ok {
		return arn, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	base, err := s.client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: awsv2.String(svc.TaskFamily),
	})
	if err != nil {
		return "", classify("describe task definition", err)
	}
	td := base.TaskDefinition
	if td == nil {
		return "", fmt.Errorf("aws: task definition %s not found", svc.TaskFamily)
	}

	containers := make([]ecstypes.ContainerDefinition, len(td.ContainerDefinitions))
	copy(containers, td.ContainerDefinitions)
	found := false
	for i := range containers {
		if awsv2.ToString(containers[i].Name) == svc.Container {
			containers[i].Image = awsv2.String(rel.Image)
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("aws: container %s not found in task definition %s", svc.Container, svc.TaskFamily)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	out, err := s.client.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  awsv2.String(svc.TaskFamily),
		ContainerDefinitions:    containers,
		Cpu:                     td.Cpu,
		Memory:                  td.Memory,
		NetworkMode:             td.NetworkMode,
		RequiresCompatibilities: td.RequiresCompatibilities,
		ExecutionRoleArn:        td.ExecutionRoleArn,
		TaskRoleArn:             td.TaskRoleArn,
		Volumes:                 td.Volumes,
		RuntimePlatform:         td.RuntimePlatform,
		Tags: []ecstypes.Tag{
			{Key: awsv2.String(tagRelease), Value: awsv2.String(string(rel.ID))},
			{Key: awsv2.String(tagEnvironment), Value: awsv2.String(env)},
		},
	})
	if err != nil {
		return "", classify("register task definition", err)
	}
	arn := awsv2.ToString(out.TaskDefinition.TaskDefinitionArn)
	s.taskDefs[cacheKey] = arn
	s.logger.Info("registered task definition", "environment", env, "release", rel.ID, "arn", arn)
	return arn, nil
}

// Start implements provider.Scheduler. It returns once every started task
// reports a private address, or fails if any task stops first.
func (s *Scheduler) Start(ctx context.Context, env string, rel release.Release, count int) ([]provider.Task, error) {
	svc, err := s.service(env)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	taskDef, err := s.TaskDefinition(ctx, env, rel)
	if err != nil {
		return nil, err
	}

	var arns []string
	for remaining := count; remaining > 0; {
		n := min(remaining, maxRunTaskCount)
		started, err := s.runTask(ctx, svc, env, taskDef, rel.ID, int32(n), nil) //nolint:gosec // bounded by maxRunTaskCount
		arns = append(arns, started...)
		if err != nil {
			s.stopQuietly(env, svc, arns, "start failed")
			return nil, err
		}
		remaining -= n
	}

	tasks, err := s.waitForAddresses(ctx, env, svc, arns)
	if err != nil {
		s.stopQuietly(env, svc, arns, "start failed")
		return nil, err
	}
	return tasks, nil
}

func (s *Scheduler) runTask(ctx context.Context, svc Service, env, taskDef string, rel release.ID, count int32, overrides *ecstypes.TaskOverride) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	assign := ecstypes.AssignPublicIpDisabled
	if svc.AssignPublicIP {
		assign = ecstypes.AssignPublicIpEnabled
	}
	out, err := s.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        awsv2.String(svc.Cluster),
		TaskDefinition: awsv2.String(taskDef),
		Count:          awsv2.Int32(count),
		LaunchType:     ecstypes.LaunchTypeFargate,
		StartedBy:      awsv2.String(startedBy(env)),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        svc.Subnets,
				SecurityGroups: svc.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
		Overrides: overrides,
		Tags: []ecstypes.Tag{
			{Key: awsv2.String(tagRelease), Value: awsv2.String(string(rel))},
			{Key: awsv2.String(tagEnvironment), Value: awsv2.String(env)},
		},
	})
	if err != nil {
		return nil, classify("run task", err)
	}

	arns := make([]string, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		arns = append(arns, awsv2.ToString(t.TaskArn))
	}
	if len(out.Failures) > 0 {
		reasons := make([]string, 0, len(out.Failures))
		for _, f := range out.Failures {
			reasons = append(reasons, awsv2.ToString(f.Reason))
		}
		return arns, provider.Unavailable("aws: run task", fmt.Errorf("%d of %d tasks not started: %s",
			len(out.Failures), count, strings.Join(reasons, "; ")))
	}
	return arns, nil
}

func (s *Scheduler) waitForAddresses(ctx context.Context, env string, svc Service, arns []string) ([]provider.Task, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		described, err := s.describe(ctx, svc, arns)
		if err != nil {
			return nil, err
		}
		ready := 0
		tasks := make([]provider.Task, 0, len(described))
		for _, t := range described {
			if awsv2.ToString(t.LastStatus) == "STOPPED" {
				return nil, fmt.Errorf("aws: task %s stopped while starting: %s", awsv2.ToString(t.TaskArn), awsv2.ToString(t.StoppedReason))
			}
			task := toTask(env, svc, t)
			if task.Address != "" {
				ready++
			}
			tasks = append(tasks, task)
		}
		if ready == len(arns) {
			sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
			return tasks, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) describe(ctx context.Context, svc Service, arns []string) ([]ecstypes.Task, error) {
	var out []ecstypes.Task
	for start := 0; start < len(arns); start += maxDescribeTasks {
		end := min(start+maxDescribeTasks, len(arns))
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := s.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: awsv2.String(svc.Cluster),
			Tasks:   arns[start:end],
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
		if err != nil {
			return nil, classify("describe tasks", err)
		}
		out = append(out, resp.Tasks...)
	}
	return out, nil
}

// Stop implements provider.Scheduler.
func (s *Scheduler) Stop(ctx context.Context, env string, taskIDs []string) error {
	svc, err := s.service(env)
	if err != nil {
		return err
	}
	for _, id := range taskIDs {
		if err := s.stopTask(ctx, svc, id, "replaced by shipyard rollout"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) stopTask(ctx context.Context, svc Service, id, reason string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: awsv2.String(svc.Cluster),
		Task:    awsv2.String(id),
		Reason:  awsv2.String(reason),
	})
	return classify("stop task", err)
}

func (s *Scheduler) stopQuietly(env string, svc Service, arns []string, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, arn := range arns {
		if err := s.stopTask(ctx, svc, arn, reason); err != nil {
			s.logger.Warn("failed to stop task", "environment", env, "task", arn, "error", err)
		}
	}
}

// ListTasks implements provider.Scheduler.
func (s *Scheduler) ListTasks(ctx context.Context, env string) ([]provider.Task, error) {
	svc, err := s.service(env)
	if err != nil {
		return nil, err
	}

	var arns []string
	var next *string
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := s.client.ListTasks(ctx, &ecs.ListTasksInput{
			Cluster:       awsv2.String(svc.Cluster),
			StartedBy:     awsv2.String(startedBy(env)),
			DesiredStatus: ecstypes.DesiredStatusRunning,
			NextToken:     next,
		})
		if err != nil {
			return nil, classify("list tasks", err)
		}
		arns = append(arns, out.TaskArns...)
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	if len(arns) == 0 {
		return nil, nil
	}

	described, err := s.describe(ctx, svc, arns)
	if err != nil {
		return nil, err
	}
	tasks := make([]provider.Task, 0, len(described))
	for _, t := range described {
		tasks = append(tasks, toTask(env, svc, t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func toTask(env string, svc Service, t ecstypes.Task) provider.Task {
	task := provider.Task{
		ID:          awsv2.ToString(t.TaskArn),
		Environment: env,
		Port:        svc.Port,
		Address:     privateAddress(t),
		State:       taskState(awsv2.ToString(t.LastStatus)),
	}
	for _, tag := range t.Tags {
		if awsv2.ToString(tag.Key) == tagRelease {
			task.Release = release.ID(awsv2.ToString(tag.Value))
		}
	}
	switch {
	case t.StartedAt != nil:
		task.StartedAt = *t.StartedAt
	case t.CreatedAt != nil:
		task.StartedAt = *t.CreatedAt
	}
	return task
}

func privateAddress(t ecstypes.Task) string {
	for _, a := range t.Attachments {
		if awsv2.ToString(a.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, d := range a.Details {
			if awsv2.ToString(d.Name) == "privateIPv4Address" {
				return awsv2.ToString(d.Value)
			}
		}
	}
	return ""
}

func taskState(lastStatus string) provider.TaskState {
	switch lastStatus {
	case "RUNNING":
		return provider.TaskRunning
	case "STOPPED", "DEPROVISIONING", "STOPPING":
		return provider.TaskStopped
	default:
		return provider.TaskPending
	}
}
