package aws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/provider"
)

// Compile-time interface checks.
var (
	_ provider.TargetRegistry = (*TargetGroups)(nil)
	_ health.Probe            = (*TargetGroups)(nil)
)

// TargetGroups registers tasks with each environment's ALB target group and
// reports their target health.
type TargetGroups struct {
	client       ELBv2Client
	services     map[string]Service
	limiter      *rate.Limiter
	logger       *slog.Logger
	drainTimeout time.Duration
	pollInterval time.Duration
}

// NewTargetGroups creates a TargetGroups. Deregistration waits up to
// drainTimeout for connections to drain.
func NewTargetGroups(client ELBv2Client, services map[string]Service, limiter *rate.Limiter, drainTimeout time.Duration, logger *slog.Logger) *TargetGroups {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TargetGroups{
		client:       client,
		services:     services,
		limiter:      limiter,
		logger:       logger,
		drainTimeout: drainTimeout,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides how often drain progress is polled.
func (g *TargetGroups) SetPollInterval(d time.Duration) {
	if d > 0 {
		g.pollInterval = d
	}
}

func (g *TargetGroups) service(env string) (Service, error) {
	svc, ok := g.services[env]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", provider.ErrUnknownEnvironment, env)
	}
	return svc, nil
}

func (g *TargetGroups) targetGroup(env string) (Service, error) {
	svc, err := g.service(env)
	if err != nil {
		return Service{}, err
	}
	if svc.TargetGroupARN == "" {
		return Service{}, fmt.Errorf("aws: environment %s has no target group", env)
	}
	return svc, nil
}

func targetsFor(svc Service, tasks []provider.Task) ([]elbtypes.TargetDescription, error) {
	out := make([]elbtypes.TargetDescription, 0, len(tasks))
	for _, t := range tasks {
		if t.Address == "" {
			return nil, fmt.Errorf("aws: task %s has no address", t.ID)
		}
		port := t.Port
		if port == 0 {
			port = svc.Port
		}
		out = append(out, elbtypes.TargetDescription{Id: awsv2.String(t.Address), Port: awsv2.Int32(port)})
	}
	return out, nil
}

// Register implements provider.TargetRegistry. Services without a target
// group have nothing to register.
func (g *TargetGroups) Register(ctx context.Context, env string, tasks []provider.Task) error {
	svc, err := g.service(env)
	if err != nil || svc.TargetGroupARN == "" {
		return err
	}
	targets, err := targetsFor(svc, tasks)
	if err != nil || len(targets) == 0 {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = g.client.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: awsv2.String(svc.TargetGroupARN),
		Targets:        targets,
	})
	return classify("register targets", err)
}

// Deregister implements provider.TargetRegistry. It returns once no target
// is draining or the drain timeout has passed.
func (g *TargetGroups) Deregister(ctx context.Context, env string, tasks []provider.Task) error {
	svc, err := g.service(env)
	if err != nil || svc.TargetGroupARN == "" {
		return err
	}
	targets, err := targetsFor(svc, tasks)
	if err != nil || len(targets) == 0 {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := g.client.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: awsv2.String(svc.TargetGroupARN),
		Targets:        targets,
	}); err != nil {
		return classify("deregister targets", err)
	}
	if g.drainTimeout <= 0 {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, g.drainTimeout)
	defer cancel()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		draining, err := g.draining(drainCtx, svc, targets)
		if err == nil && draining == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("drain timeout reached, stopping targets anyway", "environment", env, "draining", draining)
			return nil
		case <-ticker.C:
		}
	}
}

func (g *TargetGroups) draining(ctx context.Context, svc Service, targets []elbtypes.TargetDescription) (int, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	out, err := g.client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: awsv2.String(svc.TargetGroupARN),
		Targets:        targets,
	})
	if err != nil {
		return 0, classify("describe target health", err)
	}
	n := 0
	for _, d := range out.TargetHealthDescriptions {
		if d.TargetHealth != nil && d.TargetHealth.State == elbtypes.TargetHealthStateEnumDraining {
			n++
		}
	}
	return n, nil
}

// Status implements health.Probe using the target group's health checks.
func (g *TargetGroups) Status(ctx context.Context, target health.Target) (bool, error) {
	svc, err := g.targetGroup(target.Environment)
	if err != nil {
		return false, err
	}
	targets, err := targetsFor(svc, []provider.Task{{ID: target.TaskID, Address: target.Address, Port: target.Port}})
	if err != nil {
		return false, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return false, err
	}
	out, err := g.client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: awsv2.String(svc.TargetGroupARN),
		Targets:        targets,
	})
	if err != nil {
		return false, classify("describe target health", err)
	}
	for _, d := range out.TargetHealthDescriptions {
		if d.TargetHealth != nil && d.TargetHealth.State == elbtypes.TargetHealthStateEnumHealthy {
			return true, nil
		}
	}
	return false, nil
}

// Probe returns a health.Probe that reads target group health for services
// behind a load balancer and polls HealthCheckPath on the task itself for
// the rest.
func (g *TargetGroups) Probe(requestTimeout time.Duration) health.Probe {
	direct := make(map[string]*health.HTTPProbe)
	for env, svc := range g.services {
		if svc.TargetGroupARN == "" {
			direct[env] = health.NewHTTPProbe(svc.HealthCheckPath, svc.Port, requestTimeout)
		}
	}
	return health.ProbeFunc(func(ctx context.Context, target health.Target) (bool, error) {
		if p, ok := direct[target.Environment]; ok {
			return p.Status(ctx, target)
		}
		return g.Status(ctx, target)
	})
}
