// Package memory implements an in-process cluster that satisfies the
// scheduler, target registry, health probe and migration launcher
// contracts. It backs local mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/migration"
	"github.com/GoCodeAlone/shipyard/provider"
	"github.com/GoCodeAlone/shipyard/release"
)

// Cluster is a fake compute cluster keyed by environment.
type Cluster struct {
	mu         sync.Mutex
	seq        int
	tasks      map[string]*provider.Task // id -> task
	registered map[string]bool           // id -> in target group
	unhealthy  map[release.ID]bool
	healthyAt  map[release.ID]time.Duration
	migrations map[release.ID]migration.Outcome
	migDelay   time.Duration
	startErr   func(env string, rel release.ID) error
	stopErr    func(env string, tasks []provider.Task) error
	launches   []migration.Job
	started    map[release.ID]int
	stopped    int
}

// NewCluster creates an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		tasks:      make(map[string]*provider.Task),
		registered: make(map[string]bool),
		unhealthy:  make(map[release.ID]bool),
		healthyAt:  make(map[release.ID]time.Duration),
		migrations: make(map[release.ID]migration.Outcome),
		started:    make(map[release.ID]int),
	}
}

// Seed adds count running, registered units of rel to env.
func (c *Cluster) Seed(env string, rel release.ID, count int) []provider.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.Task, 0, count)
	for i := 0; i < count; i++ {
		t := c.newTaskLocked(env, rel)
		c.registered[t.ID] = true
		out = append(out, *t)
	}
	return out
}

// SetUnhealthy makes every unit of rel fail its health check.
func (c *Cluster) SetUnhealthy(rel release.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unhealthy[rel] = true
}

// SetHealthyAfter makes units of rel report healthy only once they have
// been running for d.
func (c *Cluster) SetHealthyAfter(rel release.ID, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthyAt[rel] = d
}

// SetMigrationOutcome fixes the outcome of migration tasks for rel.
func (c *Cluster) SetMigrationOutcome(rel release.ID, out migration.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migrations[rel] = out
}

// SetMigrationDelay makes every migration task run for d.
func (c *Cluster) SetMigrationDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migDelay = d
}

// SetStartError injects a failure into Start.
func (c *Cluster) SetStartError(fn func(env string, rel release.ID) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = fn
}

// SetStopError injects a failure into Stop. fn sees the units about to be
// stopped; when it fails none of them are.
func (c *Cluster) SetStopError(fn func(env string, tasks []provider.Task) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopErr = fn
}

// Start implements provider.Scheduler.
func (c *Cluster) Start(ctx context.Context, env string, rel release.Release, count int) ([]provider.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		if err := c.startErr(env, rel.ID); err != nil {
			return nil, err
		}
	}
	out := make([]provider.Task, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, *c.newTaskLocked(env, rel.ID))
	}
	c.started[rel.ID] += count
	return out, nil
}

// Stop implements provider.Scheduler.
func (c *Cluster) Stop(_ context.Context, env string, taskIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	victims := make([]provider.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, ok := c.tasks[id]
		if !ok || t.Environment != env {
			return fmt.Errorf("memory: task %s not found in %s", id, env)
		}
		victims = append(victims, *t)
	}
	if c.stopErr != nil {
		if err := c.stopErr(env, victims); err != nil {
			return err
		}
	}
	for _, id := range taskIDs {
		delete(c.tasks, id)
		delete(c.registered, id)
		c.stopped++
	}
	return nil
}

// ListTasks implements provider.Scheduler.
func (c *Cluster) ListTasks(_ context.Context, env string) ([]provider.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []provider.Task
	for _, t := range c.tasks {
		if t.Environment == env {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Register implements provider.TargetRegistry.
func (c *Cluster) Register(_ context.Context, _ string, tasks []provider.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		if _, ok := c.tasks[t.ID]; !ok {
			return fmt.Errorf("memory: cannot register unknown task %s", t.ID)
		}
		c.registered[t.ID] = true
	}
	return nil
}

// Deregister implements provider.TargetRegistry.
func (c *Cluster) Deregister(_ context.Context, _ string, tasks []provider.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		delete(c.registered, t.ID)
	}
	return nil
}

// Status implements health.Probe.
func (c *Cluster) Status(_ context.Context, target health.Target) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[target.TaskID]
	if !ok {
		return false, fmt.Errorf("memory: task %s not found", target.TaskID)
	}
	if !c.registered[t.ID] {
		return false, nil
	}
	if c.unhealthy[t.Release] {
		return false, nil
	}
	return time.Since(t.StartedAt) >= c.healthyAt[t.Release], nil
}

// Launch implements migration.Launcher.
func (c *Cluster) Launch(ctx context.Context, job migration.Job) (migration.Outcome, error) {
	c.mu.Lock()
	c.seq++
	taskID := fmt.Sprintf("%s-migrate-%d", job.Environment, c.seq)
	c.launches = append(c.launches, job)
	out, ok := c.migrations[job.Release]
	delay := c.migDelay
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return migration.Outcome{TaskID: taskID}, ctx.Err()
		}
	}
	if !ok {
		out = migration.Outcome{}
	}
	out.TaskID = taskID
	return out, nil
}

// Launches returns the migration jobs launched so far.
func (c *Cluster) Launches() []migration.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]migration.Job(nil), c.launches...)
}

// Started returns how many units of rel were started.
func (c *Cluster) Started(rel release.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started[rel]
}

// Stopped returns how many units were stopped.
func (c *Cluster) Stopped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Registered reports whether a task is attached to its target group.
func (c *Cluster) Registered(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[taskID]
}

// Count returns the number of units of rel in env.
func (c *Cluster) Count(env string, rel release.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if t.Environment == env && t.Release == rel {
			n++
		}
	}
	return n
}

func (c *Cluster) newTaskLocked(env string, rel release.ID) *provider.Task {
	c.seq++
	t := &provider.Task{
		ID:          fmt.Sprintf("%s-task-%04d", env, c.seq),
		Environment: env,
		Release:     rel,
		Address:     fmt.Sprintf("10.0.%d.%d", c.seq/250, c.seq%250+1),
		Port:        8080,
		State:       provider.TaskRunning,
		StartedAt:   time.Now(),
	}
	c.tasks[t.ID] = t
	return t
}
