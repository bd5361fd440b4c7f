// Package config loads the shipyard YAML configuration and watches it for
// changes to rollout tunables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/shipyard/ci"
	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/metrics"
	"github.com/GoCodeAlone/shipyard/observability/tracing"
	awsprov "github.com/GoCodeAlone/shipyard/provider/aws"
	"github.com/GoCodeAlone/shipyard/secrets"
	"github.com/GoCodeAlone/shipyard/store"
	"github.com/GoCodeAlone/shipyard/webhook"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the root of the shipyard configuration file.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Log          LogConfig           `yaml:"log"`
	Store        StoreConfig         `yaml:"store"`
	Lock         LockConfig          `yaml:"lock"`
	Artifacts    ArtifactsConfig     `yaml:"artifacts"`
	Provider     string              `yaml:"provider"`
	AWS          awsprov.Config      `yaml:"aws"`
	Secrets      SecretsConfig       `yaml:"secrets"`
	Environments []EnvironmentConfig `yaml:"environments"`
	Rollout      RolloutConfig       `yaml:"rollout"`
	Approval     ApprovalConfig      `yaml:"approval"`
	Pipeline     PipelineConfig      `yaml:"pipeline"`
	Notify       NotifyConfig        `yaml:"notify"`
	Audit        AuditConfig         `yaml:"audit"`
	Metrics      metrics.Config      `yaml:"metrics"`
	Tracing      tracing.Config      `yaml:"tracing"`
	Events       EventsConfig        `yaml:"events"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	Path     string         `yaml:"path"`
	Postgres store.PGConfig `yaml:"postgres"`
}

// LockConfig selects the rollout lock backend.
type LockConfig struct {
	Backend   string `yaml:"backend"` // memory, redis or postgres
	RedisAddr string `yaml:"redis_addr"`
	// PostgresURL defaults to store.postgres.url.
	PostgresURL string `yaml:"postgres_url"`
}

// ArtifactsConfig selects the artifact store.
type ArtifactsConfig struct {
	Backend string `yaml:"backend"` // local or s3
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// SecretsConfig lists the secret providers. The env provider is always
// registered and serves as the default.
type SecretsConfig struct {
	EnvPrefix         string               `yaml:"env_prefix"`
	Dir               string               `yaml:"dir"`
	Vault             *secrets.VaultConfig `yaml:"vault"`
	AWSSecretsManager bool                 `yaml:"aws_secrets_manager"`
}

// EnvironmentConfig describes one deployment environment. Zero-valued
// rollout tunables inherit from the rollout section.
type EnvironmentConfig struct {
	Name      string          `yaml:"name"`
	Settings  deploy.Settings `yaml:",inline"`
	Service   awsprov.Service `yaml:"service"`
	Migration MigrationConfig `yaml:"migration"`
}

// MigrationConfig is the migration task of an environment. Secrets maps
// an environment variable to the secret key supplying its value.
type MigrationConfig struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Secrets map[string]string `yaml:"secrets"`
}

// RolloutConfig holds rollout defaults shared by all environments.
type RolloutConfig struct {
	Defaults         deploy.Settings `yaml:",inline"`
	HealthInterval   time.Duration   `yaml:"health_interval"`
	DrainTimeout     time.Duration   `yaml:"drain_timeout"`
	MigrationTimeout time.Duration   `yaml:"migration_timeout"`
}

// ApprovalConfig bounds the wait for a production approval.
type ApprovalConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	AllowNoTimeout bool          `yaml:"allow_no_timeout"`
}

// PipelineConfig configures the promotion pipeline and its CI stage.
type PipelineConfig struct {
	DeployBranch          string    `yaml:"deploy_branch"`
	StagingEnvironment    string    `yaml:"staging_environment"`
	ProductionEnvironment string    `yaml:"production_environment"`
	QueueSize             int       `yaml:"queue_size"`
	CI                    ci.Config `yaml:"ci"`
}

// NotifyConfig configures outbound run notifications.
type NotifyConfig struct {
	Endpoints []string            `yaml:"endpoints"`
	Secret    string              `yaml:"secret"`
	Retry     webhook.RetryConfig `yaml:"retry"`
}

// AuditConfig configures the audit log. An empty path writes to stdout.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig configures the source-control event sources.
type EventsConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	NATS   NATSConfig   `yaml:"nats"`
}

// GitHubConfig configures the GitHub webhook receiver.
type GitHubConfig struct {
	Secret string `yaml:"secret"`
}

// NATSConfig configures the NATS subscriber. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// Default returns a configuration for a single-node local setup.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
		Store:  StoreConfig{Driver: "sqlite", Path: "data/shipyard.db"},
		Lock:   LockConfig{Backend: "memory"},
		Artifacts: ArtifactsConfig{
			Backend: "local",
			Dir:     "data/artifacts",
		},
		Provider: "memory",
		Environments: []EnvironmentConfig{
			{Name: "staging"},
			{Name: "production"},
		},
		Rollout: RolloutConfig{
			Defaults: deploy.Settings{
				BatchSize:     1,
				HealthTimeout: 2 * time.Minute,
				DesiredCount:  2,
				LockTTL:       30 * time.Second,
			},
			HealthInterval:   2 * time.Second,
			DrainTimeout:     5 * time.Minute,
			MigrationTimeout: 10 * time.Minute,
		},
		Approval: ApprovalConfig{Timeout: 24 * time.Hour},
		Pipeline: PipelineConfig{
			DeployBranch:          "main",
			StagingEnvironment:    "staging",
			ProductionEnvironment: "production",
			QueueSize:             64,
			CI:                    ci.Config{Timeout: ci.DefaultStepTimeout, MaxParallel: 4},
		},
		Notify:  NotifyConfig{Retry: webhook.DefaultRetryConfig()},
		Metrics: metrics.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
	}
}

// LoadFromFile reads a YAML configuration on top of Default and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or conflicting values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalid)
		}
	case "postgres":
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("%w: store.postgres.url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("%w: lock.redis_addr is required", ErrInvalid)
		}
	case "postgres":
		if c.Lock.PostgresURL == "" && c.Store.Postgres.URL == "" {
			return fmt.Errorf("%w: lock.postgres_url or store.postgres.url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown lock backend %q", ErrInvalid, c.Lock.Backend)
	}

	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("%w: artifacts.dir is required", ErrInvalid)
		}
	case "s3":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("%w: artifacts.bucket is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown artifacts backend %q", ErrInvalid, c.Artifacts.Backend)
	}

	if c.Provider != "memory" && c.Provider != "aws" {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}

	if err := c.Rollout.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: rollout: %v", ErrInvalid, err)
	}
	if c.Rollout.MigrationTimeout <= 0 {
		return fmt.Errorf("%w: rollout.migration_timeout must be positive", ErrInvalid)
	}
	if c.Approval.Timeout <= 0 && !c.Approval.AllowNoTimeout {
		return fmt.Errorf("%w: approval.timeout must be positive unless approval.allow_no_timeout is set", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Environments))
	for _, env := range c.Environments {
		if env.Name == "" {
			return fmt.Errorf("%w: environment name is required", ErrInvalid)
		}
		if seen[env.Name] {
			return fmt.Errorf("%w: duplicate environment %q", ErrInvalid, env.Name)
		}
		seen[env.Name] = true
		if err := c.SettingsFor(env.Name).Validate(); err != nil {
			return fmt.Errorf("%w: environment %s: %v", ErrInvalid, env.Name, err)
		}
	}
	for _, name := range []string{c.Pipeline.StagingEnvironment, c.Pipeline.ProductionEnvironment} {
		if !seen[name] {
			return fmt.Errorf("%w: pipeline environment %q is not configured", ErrInvalid, name)
		}
	}
	if c.Pipeline.StagingEnvironment == c.Pipeline.ProductionEnvironment {
		return fmt.Errorf("%w: staging and production environments must differ", ErrInvalid)
	}
	if len(c.Pipeline.CI.Steps) == 0 {
		return fmt.Errorf("%w: pipeline.ci.steps must not be empty", ErrInvalid)
	}
	return nil
}

// Environment returns the named environment configuration.
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	for _, env := range c.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return EnvironmentConfig{}, false
}

// EnvironmentNames returns the configured environment names in file order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for _, env := range c.Environments {
		names = append(names, env.Name)
	}
	return names
}

// SettingsFor returns the effective rollout tunables of an environment:
// its own values over the rollout defaults.
func (c *Config) SettingsFor(name string) deploy.Settings {
	s := c.Rollout.Defaults
	env, ok := c.Environment(name)
	if !ok {
		return s
	}
	o := env.Settings
	if o.BatchSize > 0 {
		s.BatchSize = o.BatchSize
	}
	if o.HealthTimeout > 0 {
		s.HealthTimeout = o.HealthTimeout
	}
	if o.DesiredCount > 0 {
		s.DesiredCount = o.DesiredCount
	}
	if o.LockTTL > 0 {
		s.LockTTL = o.LockTTL
	}
	if o.RollbackOnFailure {
		s.RollbackOnFailure = true
	}
	return s
}

// Services returns the AWS service of every environment keyed by name.
func (c *Config) Services() map[string]awsprov.Service {
	out := make(map[string]awsprov.Service, len(c.Environments))
	for _, env := range c.Environments {
		out[env.Name] = env.Service
	}
	return out
}

// Clone returns a copy that ResolveSecrets on either side leaves the other
// unchanged.
func (c *Config) Clone() *Config {
	out := *c
	if c.Secrets.Vault != nil {
		v := *c.Secrets.Vault
		out.Secrets.Vault = &v
	}
	return &out
}

// ValueResolver resolves secret:// references.
type ValueResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// ResolveSecrets replaces secret:// references in credential fields.
func (c *Config) ResolveSecrets(ctx context.Context, r ValueResolver) error {
	fields := map[string]*string{
		"store.postgres.url":    &c.Store.Postgres.URL,
		"lock.redis_addr":       &c.Lock.RedisAddr,
		"lock.postgres_url":     &c.Lock.PostgresURL,
		"aws.access_key_id":     &c.AWS.AccessKeyID,
		"aws.secret_access_key": &c.AWS.SecretAccessKey,
		"notify.secret":         &c.Notify.Secret,
		"events.github.secret":  &c.Events.GitHub.Secret,
		"events.nats.url":       &c.Events.NATS.URL,
	}
	if c.Secrets.Vault != nil {
		fields["secrets.vault.token"] = &c.Secrets.Vault.Token
	}
	for name, ptr := range fields {
		v, err := r.Resolve(ctx, *ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*ptr = v
	}
	return nil
}
