package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
pipeline:
  ci:
    steps:
      - name: build
        run: make build
`

const fullYAML = `
server:
  addr: ":9090"
log:
  level: debug
  format: json
store:
  driver: postgres
  postgres:
    url: secret://env/PG_DSN
    max_conns: 8
lock:
  backend: redis
  redis_addr: localhost:6379
artifacts:
  backend: s3
  bucket: releases
  prefix: shipyard
provider: aws
aws:
  region: us-east-1
environments:
  - name: staging
    batch_size: 2
    service:
      cluster: staging
      task_family: web
      container: web
      subnets: [subnet-1]
      target_group_arn: arn:tg/staging
      port: 8080
    migration:
      command: [./migrate, up]
      secrets:
        DATABASE_URL: vault/db#url
  - name: production
    health_timeout: 5m
    rollback_on_failure: true
rollout:
  batch_size: 1
  health_timeout: 60s
  desired_count: 6
  migration_timeout: 15m
approval:
  timeout: 2h
pipeline:
  deploy_branch: release
  ci:
    step_timeout: 5m
    steps:
      - name: test
        run: go test ./...
notify:
  endpoints: [https://hooks.example.com/shipyard]
  secret: secret://env/NOTIFY_SECRET
events:
  github:
    secret: plain
  nats:
    url: nats://localhost:4222
    subject: ci.events
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Store.Driver != "sqlite" || cfg.Provider != "memory" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.EnvironmentNames(); len(got) != 2 || got[0] != "staging" || got[1] != "production" {
		t.Errorf("expected default environments, got %v", got)
	}
	if cfg.Pipeline.CI.Timeout != 10*time.Minute {
		t.Errorf("expected default step timeout, got %s", cfg.Pipeline.CI.Timeout)
	}
	if cfg.Notify.Retry.MaxRetries != 5 {
		t.Errorf("expected default retry config, got %+v", cfg.Notify.Retry)
	}
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Format != "json" || cfg.Store.Postgres.MaxConns != 8 || cfg.Artifacts.Bucket != "releases" {
		t.Errorf("unexpected sections: %+v", cfg)
	}

	staging := cfg.SettingsFor("staging")
	if staging.BatchSize != 2 || staging.HealthTimeout != time.Minute || staging.DesiredCount != 6 {
		t.Errorf("unexpected staging settings: %+v", staging)
	}
	production := cfg.SettingsFor("production")
	if production.BatchSize != 1 || production.HealthTimeout != 5*time.Minute || !production.RollbackOnFailure {
		t.Errorf("unexpected production settings: %+v", production)
	}

	env, ok := cfg.Environment("staging")
	if !ok || env.Service.Cluster != "staging" || env.Migration.Secrets["DATABASE_URL"] != "vault/db#url" {
		t.Errorf("unexpected staging environment: %+v", env)
	}
	if svc := cfg.Services(); svc["staging"].TargetGroupARN != "arn:tg/staging" {
		t.Errorf("unexpected services: %+v", svc)
	}
	if cfg.Approval.Timeout != 2*time.Hour || cfg.Rollout.MigrationTimeout != 15*time.Minute {
		t.Errorf("unexpected timeouts: %+v %+v", cfg.Approval, cfg.Rollout)
	}
	if cfg.Events.NATS.Subject != "ci.events" {
		t.Errorf("unexpected nats config: %+v", cfg.Events.NATS)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown store", func(c *Config) { c.Store.Driver = "mysql" }, "unknown store driver"},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }, "store.postgres.url"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis" }, "lock.redis_addr"},
		{"postgres lock without url", func(c *Config) { c.Lock.Backend = "postgres" }, "lock.postgres_url"},
		{"s3 without bucket", func(c *Config) { c.Artifacts.Backend = "s3" }, "artifacts.bucket"},
		{"unknown provider", func(c *Config) { c.Provider = "gcp" }, "unknown provider"},
		{"zero batch size", func(c *Config) { c.Rollout.Defaults.BatchSize = 0 }, "rollout"},
		{"zero health timeout", func(c *Config) { c.Rollout.Defaults.HealthTimeout = 0 }, "rollout"},
		{"zero migration timeout", func(c *Config) { c.Rollout.MigrationTimeout = 0 }, "migration_timeout"},
		{"no approval timeout", func(c *Config) { c.Approval.Timeout = 0 }, "approval.timeout"},
		{"no approval timeout allowed", func(c *Config) {
			c.Approval.Timeout = 0
			c.Approval.AllowNoTimeout = true
		}, ""},
		{"duplicate environment", func(c *Config) {
			c.Environments = append(c.Environments, EnvironmentConfig{Name: "staging"})
		}, "duplicate environment"},
		{"unnamed environment", func(c *Config) {
			c.Environments = append(c.Environments, EnvironmentConfig{})
		}, "name is required"},
		{"missing production", func(c *Config) { c.Pipeline.ProductionEnvironment = "prod" }, "not configured"},
		{"same environments", func(c *Config) { c.Pipeline.ProductionEnvironment = "staging" }, "must differ"},
		{"no ci steps", func(c *Config) { c.Pipeline.CI.Steps = nil }, "steps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "shipyard.yaml")
	if err := os.WriteFile(fp, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(fp)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if len(cfg.Pipeline.CI.Steps) != 1 || cfg.Pipeline.CI.Steps[0].Run != "make build" {
		t.Errorf("unexpected steps: %+v", cfg.Pipeline.CI.Steps)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("server: [unclosed"), 0o644)
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, "secret://") {
		return value, nil
	}
	v, ok := m[strings.TrimPrefix(value, "secret://")]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	r := mapResolver{"env/PG_DSN": "postgres://db", "env/NOTIFY_SECRET": "s3cr3t"}
	if err := cfg.ResolveSecrets(context.Background(), r); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Store.Postgres.URL != "postgres://db" || cfg.Notify.Secret != "s3cr3t" {
		t.Errorf("secrets not resolved: %q %q", cfg.Store.Postgres.URL, cfg.Notify.Secret)
	}
	if cfg.Events.GitHub.Secret != "plain" {
		t.Errorf("plain value changed: %q", cfg.Events.GitHub.Secret)
	}

	cfg.Notify.Secret = "secret://env/MISSING"
	if err := cfg.ResolveSecrets(context.Background(), r); err == nil || !strings.Contains(err.Error(), "notify.secret") {
		t.Fatalf("expected error naming the field, got %v", err)
	}
}
