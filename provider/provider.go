// Package provider defines the control-plane contracts the rollout
// controller drives: a compute scheduler and the load balancer's target
// registry.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/release"
)

// ErrUnknownEnvironment is returned for environments a provider was not
// configured with.
var ErrUnknownEnvironment = errors.New("provider: unknown environment")

// TaskState is the lifecycle state of a compute unit.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskStopped TaskState = "stopped"
)

// Task is one compute unit running a release.
type Task struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	Release     release.ID `json:"release"`
	Address     string     `json:"address,omitempty"`
	Port        int32      `json:"port,omitempty"`
	State       TaskState  `json:"state"`
	StartedAt   time.Time  `json:"startedAt"`
}

// Target returns the health target for the task.
func (t Task) Target() health.Target {
	return health.Target{Environment: t.Environment, TaskID: t.ID, Address: t.Address, Port: t.Port}
}

// Scheduler starts and stops compute units.
type Scheduler interface {
	// Start launches count units of rel in env and returns them once each
	// has a network address.
	Start(ctx context.Context, env string, rel release.Release, count int) ([]Task, error)
	// Stop terminates the given units.
	Stop(ctx context.Context, env string, taskIDs []string) error
	// ListTasks returns the running and pending units of env.
	ListTasks(ctx context.Context, env string) ([]Task, error)
}

// TargetRegistry attaches units to and detaches them from the load
// balancer serving an environment. Deregister returns once connections
// have drained or the drain timeout passed.
type TargetRegistry interface {
	Register(ctx context.Context, env string, tasks []Task) error
	Deregister(ctx context.Context, env string, tasks []Task) error
}

// Unavailable marks err as a transient control-plane failure.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return failure.New(failure.KindProviderUnavailable, op, err)
}

// IDs returns the IDs of tasks.
func IDs(tasks []Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// Split partitions tasks into those running rel and the rest.
func Split(tasks []Task, rel release.ID) (current, other []Task) {
	for _, t := range tasks {
		if t.Release == rel {
			current = append(current, t)
		} else {
			other = append(other, t)
		}
	}
	return current, other
}
