// Package metrics exposes pipeline and rollout metrics for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/promotion"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Namespace: "shipyard", Path: "/metrics"}
}

// Collector records rollout attempts, pipeline runs and health-gate waits
// in its own registry. It implements deploy.Observer and promotion.Observer.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	Rollouts        *prometheus.CounterVec
	RolloutDuration *prometheus.HistogramVec
	BatchDuration   *prometheus.HistogramVec
	ActiveRollouts  *prometheus.GaugeVec
	HealthWait      *prometheus.HistogramVec
	Runs            *prometheus.CounterVec
	RunsInState     *prometheus.GaugeVec
}

var (
	_ deploy.Observer    = (*Collector)(nil)
	_ promotion.Observer = (*Collector)(nil)
)

// NewCollector creates a Collector with its own registry.
func NewCollector(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	c := &Collector{
		config:   cfg,
		registry: reg,
		Rollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rollouts_total",
			Help:      "Rollout attempts by environment and final status",
		}, []string{"environment", "status", "failure_kind"}),
		RolloutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "rollout_duration_seconds",
			Help:      "Duration of rollout attempts in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"environment", "status"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "rollout_batch_duration_seconds",
			Help:      "Duration of one rollout batch from start to retirement of replaced units",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"environment"}),
		ActiveRollouts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "rollouts_in_progress",
			Help:      "Rollout attempts currently in progress",
		}, []string{"environment"}),
		HealthWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "health_gate_wait_seconds",
			Help:      "Time a unit waited at the health gate",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"environment", "result"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by plan and final state",
		}, []string{"plan", "state"}),
		RunsInState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "runs_in_state",
			Help:      "Unfinished pipeline runs by current state",
		}, []string{"state"}),
	}
	reg.MustRegister(c.Rollouts, c.RolloutDuration, c.BatchDuration, c.ActiveRollouts,
		c.HealthWait, c.Runs, c.RunsInState)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterRoutes serves the registry on mux at the configured path.
func (c *Collector) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET "+c.config.Path, c.Handler())
}

// ObserveHealth returns a health.Observer recording gate waits.
func (c *Collector) ObserveHealth() health.Observer {
	return func(target health.Target, result health.Result, waited time.Duration) {
		c.HealthWait.WithLabelValues(target.Environment, string(result)).Observe(waited.Seconds())
	}
}

// AttemptStarted implements deploy.Observer.
func (c *Collector) AttemptStarted(_ context.Context, a deploy.Attempt) {
	c.ActiveRollouts.WithLabelValues(a.Environment).Inc()
}

// BatchCompleted implements deploy.Observer.
func (c *Collector) BatchCompleted(_ context.Context, a deploy.Attempt, _ int, took time.Duration) {
	c.BatchDuration.WithLabelValues(a.Environment).Observe(took.Seconds())
}

// AttemptFinished implements deploy.Observer.
func (c *Collector) AttemptFinished(_ context.Context, a deploy.Attempt) {
	c.ActiveRollouts.WithLabelValues(a.Environment).Dec()
	c.Rollouts.WithLabelValues(a.Environment, string(a.Status), string(a.FailureKind)).Inc()
	c.RolloutDuration.WithLabelValues(a.Environment, string(a.Status)).Observe(a.Duration().Seconds())
}

// RunTransitioned implements promotion.Observer. Idle runs are not counted.
func (c *Collector) RunTransitioned(_ context.Context, r promotion.Run, from promotion.State) {
	if from != "" && from != promotion.StateIdle {
		c.RunsInState.WithLabelValues(string(from)).Dec()
	}
	c.RunsInState.WithLabelValues(string(r.State)).Inc()
}

// RunFinished implements promotion.Observer.
func (c *Collector) RunFinished(_ context.Context, r promotion.Run) {
	if r.State != promotion.StateIdle {
		c.RunsInState.WithLabelValues(string(r.State)).Dec()
	}
	c.Runs.WithLabelValues(string(r.Plan), string(r.State)).Inc()
}
