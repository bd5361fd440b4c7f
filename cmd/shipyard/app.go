package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/shipyard/artifact"
	"github.com/GoCodeAlone/shipyard/audit"
	"github.com/GoCodeAlone/shipyard/ci"
	"github.com/GoCodeAlone/shipyard/config"
	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/environment"
	"github.com/GoCodeAlone/shipyard/health"
	"github.com/GoCodeAlone/shipyard/lock"
	"github.com/GoCodeAlone/shipyard/metrics"
	"github.com/GoCodeAlone/shipyard/migration"
	"github.com/GoCodeAlone/shipyard/observability/tracing"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/provider"
	awsprov "github.com/GoCodeAlone/shipyard/provider/aws"
	"github.com/GoCodeAlone/shipyard/provider/memory"
	"github.com/GoCodeAlone/shipyard/scm"
	"github.com/GoCodeAlone/shipyard/secrets"
	"github.com/GoCodeAlone/shipyard/store"
	"github.com/GoCodeAlone/shipyard/webhook"
)

// app holds the wired components of one shipyard process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	tracing    *tracing.Provider
	store      store.Store
	arena      *environment.Arena
	controller *deploy.Controller
	runner     *migration.Runner
	pipeline   *promotion.Pipeline
	gates      *promotion.GateRegistry
	collector  *metrics.Collector
	audit      *audit.Logger
	notifier   *webhook.Notifier
	sender     *webhook.Sender
	nats       *scm.NATSSource
	reloader   *config.Reloader
	watcher    *config.Watcher
	cluster    *memory.Cluster
	mux        *http.ServeMux

	awsOnce sync.Once
	awsCfg  awsv2.Config
	awsErr  error

	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
}

// infra is the compute side of the wiring: where units run and how their
// health is read.
type infra struct {
	scheduler provider.Scheduler
	targets   provider.TargetRegistry
	probe     health.Probe
	launcher  migration.Launcher
	observers []deploy.Observer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, mux: http.NewServeMux()}
	if err := a.build(ctx); err != nil {
		_ = a.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	// The reloader compares file contents, so it keeps the unresolved copy.
	raw := a.cfg.Clone()
	cfg, logger := a.cfg, a.logger
	var err error
	if a.tracing, err = tracing.NewProvider(ctx, cfg.Tracing); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.onClose(a.tracing.Shutdown)

	resolver := secrets.NewResolver(secrets.NewEnvProvider(cfg.Secrets.EnvPrefix))
	if cfg.Secrets.Dir != "" {
		resolver.Register(secrets.NewFileProvider(cfg.Secrets.Dir))
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return err
	}
	if cfg.Secrets.Vault != nil {
		vp, err := secrets.NewVaultProvider(*cfg.Secrets.Vault)
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		resolver.Register(vp)
	}
	if cfg.Secrets.AWSSecretsManager {
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return err
		}
		resolver.Register(secrets.NewAWSSecretsManagerProviderFromConfig(awsCfg))
	}

	envStore, history, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	auditOut, err := openAuditOutput(cfg.Audit.Path)
	if err != nil {
		return err
	}
	if auditOut != os.Stdout {
		a.onClose(func(context.Context) error { return auditOut.Close() })
	}
	a.audit = audit.NewLogger(auditOut)

	names := make([]environment.Name, 0, len(cfg.Environments))
	for _, n := range cfg.EnvironmentNames() {
		names = append(names, environment.Name(n))
	}
	a.arena = environment.NewArena(envStore, names...)
	if err := a.arena.Restore(ctx); err != nil {
		return err
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		return err
	}

	inf, err := a.newInfra(ctx)
	if err != nil {
		return err
	}

	artifacts, err := a.newArtifactStore(ctx)
	if err != nil {
		return err
	}
	client := artifact.NewClient(artifacts, logger)

	a.collector = metrics.NewCollector(cfg.Metrics)
	gate := health.NewGate(inf.probe, cfg.Rollout.HealthInterval, logger)
	gate.AddObserver(a.collector.ObserveHealth())

	if a.runner, err = migration.NewRunner(inf.launcher, resolver, history, cfg.Rollout.MigrationTimeout, logger); err != nil {
		return err
	}

	observers := append([]deploy.Observer{a.collector, a.audit}, inf.observers...)
	a.controller, err = deploy.NewController(deploy.Config{
		Arena:      a.arena,
		Locker:     locker,
		Scheduler:  inf.scheduler,
		Targets:    inf.targets,
		Gate:       gate,
		Migrations: a.runner,
		Attempts:   a.store,
		Releases:   a.store,
		Observers:  observers,
		Logger:     logger,
		Defaults:   cfg.Rollout.Defaults,
	})
	if err != nil {
		return err
	}

	builder, err := ci.NewShellBuilder(cfg.Pipeline.CI, client, logger)
	if err != nil {
		return err
	}

	a.sender = webhook.NewSender(cfg.Notify.Retry, cfg.Notify.Secret, webhook.NewDeadLetterStore())
	a.notifier = webhook.NewNotifier(a.sender, cfg.Notify.Endpoints, logger)

	a.gates = promotion.NewGateRegistry(audit.NewGateStore(a.store, a.audit), cfg.Approval.AllowNoTimeout, logger)
	a.pipeline, err = promotion.NewPipeline(promotion.Config{
		Builder:               builder,
		Rollouter:             a.controller,
		Gates:                 a.gates,
		Runs:                  a.store,
		Releases:              a.store,
		Observers:             []promotion.Observer{a.collector, a.audit, a.notifier},
		Logger:                logger,
		DeployBranch:          cfg.Pipeline.DeployBranch,
		StagingEnvironment:    cfg.Pipeline.StagingEnvironment,
		ProductionEnvironment: cfg.Pipeline.ProductionEnvironment,
		ApprovalTimeout:       cfg.Approval.Timeout,
		QueueSize:             cfg.Pipeline.QueueSize,
	})
	if err != nil {
		return err
	}

	a.reloader = config.NewReloader(raw, config.Targets{
		Settings:   a.controller,
		Approval:   a.pipeline,
		Migrations: a.runner,
		Recorder:   a.audit,
	}, logger)
	if err := a.reloader.Apply(raw); err != nil {
		return err
	}

	if cfg.Events.NATS.URL != "" {
		a.nats = scm.NewNATSSource(cfg.Events.NATS.URL, cfg.Events.NATS.Subject, cfg.Events.NATS.Queue, a.pipeline, logger)
	}

	a.routes()
	return nil
}

func (a *app) routes() {
	ph := promotion.NewHandler(a.pipeline, a.store)
	ph.SetCancelRecorder(a.audit)
	ph.RegisterRoutes(a.mux)
	environment.NewHandler(a.arena).RegisterRoutes(a.mux)
	scm.NewHandler(a.pipeline, a.cfg.Events.GitHub.Secret, a.logger).RegisterRoutes(a.mux)
	webhook.NewHandler(a.sender).RegisterRoutes(a.mux)
	a.collector.RegisterRoutes(a.mux)
	a.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// handler returns the traced HTTP handler.
func (a *app) handler() http.Handler {
	return otelhttp.NewHandler(a.mux, "shipyard")
}

// start recovers state left by a previous process and begins consuming
// events.
func (a *app) start(ctx context.Context) error {
	n, err := a.controller.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover attempts: %w", err)
	}
	m, err := a.pipeline.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	g, err := a.gates.CancelOrphaned(ctx, a.store)
	if err != nil {
		return fmt.Errorf("recover gates: %w", err)
	}
	if n > 0 || m > 0 || g > 0 {
		a.logger.Warn("recovered unfinished work", "attempts", n, "runs", m, "gates", g)
	}

	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	a.onClose(a.pipeline.Stop)
	a.onClose(func(context.Context) error {
		a.notifier.Flush()
		return nil
	})

	if a.nats != nil {
		if err := a.nats.Start(ctx); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.onClose(a.nats.Stop)
	}
	return nil
}

// watch reloads rollout tunables when the config file changes.
func (a *app) watch(path string) error {
	a.watcher = config.NewWatcher(config.NewFileSource(path), func(evt config.ChangeEvent) {
		if err := a.reloader.HandleChange(context.Background(), evt); err != nil {
			a.logger.Error("config reload failed", "error", err)
		}
	}, config.WithWatchLogger(a.logger))
	if err := a.watcher.Start(); err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return a.watcher.Stop() })
	return nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) aws(ctx context.Context) (awsv2.Config, error) {
	a.awsOnce.Do(func() {
		a.awsCfg, a.awsErr = awsprov.LoadConfig(ctx, a.cfg.AWS)
	})
	return a.awsCfg, a.awsErr
}

// openStore opens the configured store and returns the environment store
// and migration history sharing its database.
func (a *app) openStore(ctx context.Context) (environment.Store, migration.History, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		pg, err := store.OpenPG(ctx, a.cfg.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		a.store = pg
		a.onClose(func(context.Context) error { return pg.Close() })
		return pg, pg, nil
	default:
		sq, err := store.OpenSQLite(ctx, a.cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		a.store = sq
		a.onClose(func(context.Context) error { return sq.Close() })
		envs, err := environment.NewSQLiteStoreFromDB(sq.DB())
		if err != nil {
			return nil, nil, err
		}
		history, err := migration.NewSQLiteHistory(sq.DB())
		if err != nil {
			return nil, nil, err
		}
		return envs, history, nil
	}
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "redis":
		l := lock.NewRedisLock(a.cfg.Lock.RedisAddr)
		a.onClose(func(context.Context) error { return l.Close() })
		return l, nil
	case "postgres":
		if pg, ok := a.store.(*store.PGStore); ok && a.cfg.Lock.PostgresURL == "" {
			return lock.NewPGAdvisoryLock(pg.Pool()), nil
		}
		url := a.cfg.Lock.PostgresURL
		if url == "" {
			url = a.cfg.Store.Postgres.URL
		}
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("lock pool: %w", err)
		}
		a.onClose(func(context.Context) error {
			pool.Close()
			return nil
		})
		return lock.NewPGAdvisoryLock(pool), nil
	default:
		return lock.NewInMemoryLock(), nil
	}
}

func (a *app) newInfra(ctx context.Context) (infra, error) {
	if a.cfg.Provider != "aws" {
		a.cluster = memory.NewCluster()
		return infra{
			scheduler: a.cluster,
			targets:   a.cluster,
			probe:     a.cluster,
			launcher:  a.cluster,
		}, nil
	}

	awsCfg, err := a.aws(ctx)
	if err != nil {
		return infra{}, err
	}
	services := a.cfg.Services()
	limiter := awsprov.NewLimiter(a.cfg.AWS)
	scheduler, err := awsprov.NewScheduler(ecs.NewFromConfig(awsCfg), services, limiter, a.logger)
	if err != nil {
		return infra{}, err
	}
	targets := awsprov.NewTargetGroups(elbv2.NewFromConfig(awsCfg), services, limiter, a.cfg.Rollout.DrainTimeout, a.logger)
	publisher := awsprov.NewMetricsPublisher(cloudwatch.NewFromConfig(awsCfg), "", a.logger)
	a.onClose(func(context.Context) error {
		publisher.Flush()
		return nil
	})
	return infra{
		scheduler: scheduler,
		targets:   targets,
		probe:     targets.Probe(5 * time.Second),
		launcher:  awsprov.NewMigrationLauncher(scheduler, a.logger),
		observers: []deploy.Observer{publisher},
	}, nil
}

func (a *app) newArtifactStore(ctx context.Context) (artifact.Store, error) {
	if a.cfg.Artifacts.Backend != "s3" {
		return artifact.NewLocalStore(a.cfg.Artifacts.Dir), nil
	}
	awsCfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	return artifact.NewS3Store(s3.NewFromConfig(awsCfg), a.cfg.Artifacts.Bucket, a.cfg.Artifacts.Prefix), nil
}

func openAuditOutput(path string) (*os.File, error) {
	if path == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return f, nil
}
