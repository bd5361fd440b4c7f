// Package health implements the gate that waits for a newly started compute
// unit to report healthy before a rollout continues.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidTimeout is returned when WaitHealthy is called without a
// positive timeout.
var ErrInvalidTimeout = errors.New("health: timeout must be positive")

// DefaultInterval is the probe interval used when none is configured.
const DefaultInterval = 2 * time.Second

// Result is the outcome of a wait.
type Result string

const (
	ResultHealthy   Result = "healthy"
	ResultTimedOut  Result = "timed_out"
	ResultCancelled Result = "cancelled"
)

// Target identifies one compute unit behind the load balancer.
type Target struct {
	Environment string `json:"environment"`
	TaskID      string `json:"taskId"`
	Address     string `json:"address"`
	Port        int32  `json:"port,omitempty"`
}

func (t Target) String() string {
	if t.Port > 0 {
		return fmt.Sprintf("%s(%s:%d)", t.TaskID, t.Address, t.Port)
	}
	return t.TaskID
}

// Probe reports whether a target currently passes its health check.
// An error means the state could not be determined.
type Probe interface {
	Status(ctx context.Context, target Target) (bool, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, target Target) (bool, error)

func (f ProbeFunc) Status(ctx context.Context, target Target) (bool, error) { return f(ctx, target) }

// Observer is notified after every wait.
type Observer func(target Target, result Result, waited time.Duration)

// Gate polls a Probe until a target is healthy or a deadline passes.
type Gate struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewGate creates a gate polling probe every interval.
func NewGate(probe Probe, interval time.Duration, logger *slog.Logger) *Gate {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{probe: probe, interval: interval, logger: logger}
}

// AddObserver registers fn to be called after each wait completes.
func (g *Gate) AddObserver(fn Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, fn)
}

// WaitHealthy polls the probe, checking once immediately and then on every
// tick, and returns on the first positive signal. Probe errors count as
// unhealthy. A timeout returns ResultTimedOut; cancellation of ctx returns
// ResultCancelled. Only an invalid timeout yields a non-nil error.
func (g *Gate) WaitHealthy(ctx context.Context, target Target, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return "", fmt.Errorf("%w: got %s", ErrInvalidTimeout, timeout)
	}

	start := time.Now()
	result := g.poll(ctx, target, timeout)
	waited := time.Since(start)

	g.logger.Info("health gate finished",
		"environment", target.Environment,
		"target", target.String(),
		"result", result,
		"waited", waited.Round(time.Millisecond),
	)

	g.mu.RLock()
	observers := g.observers
	g.mu.RUnlock()
	for _, fn := range observers {
		fn(target, result, waited)
	}
	return result, nil
}

func (g *Gate) poll(ctx context.Context, target Target, timeout time.Duration) Result {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		ok, err := g.probe.Status(deadline, target)
		switch {
		case err != nil:
			g.logger.Debug("health probe error", "target", target.String(), "error", err)
		case ok:
			return ResultHealthy
		}

		select {
		case <-deadline.Done():
			if ctx.Err() != nil {
				return ResultCancelled
			}
			return ResultTimedOut
		case <-ticker.C:
		}
	}
}
