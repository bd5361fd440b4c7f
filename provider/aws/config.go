// Package aws drives rollouts on Amazon ECS Fargate behind ALB target
// groups, and publishes rollout metrics to CloudWatch.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/shipyard/provider"
)

// Config holds the account-level settings.
type Config struct {
	Region          string  `json:"region" yaml:"region"`
	AccessKeyID     string  `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string  `json:"secret_access_key" yaml:"secret_access_key"`
	RequestsPerSec  float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

// Service describes where one environment runs.
type Service struct {
	Cluster        string   `json:"cluster" yaml:"cluster"`
	TaskFamily     string   `json:"task_family" yaml:"task_family"`
	Container      string   `json:"container" yaml:"container"`
	Subnets        []string `json:"subnets" yaml:"subnets"`
	SecurityGroups []string `json:"security_groups" yaml:"security_groups"`
	AssignPublicIP bool     `json:"assign_public_ip" yaml:"assign_public_ip"`
	TargetGroupARN string   `json:"target_group_arn" yaml:"target_group_arn"`
	Port           int32    `json:"port" yaml:"port"`
	// HealthCheckPath is polled on each task directly when the service has
	// no target group.
	HealthCheckPath string `json:"health_check_path" yaml:"health_check_path"`
}

func (s Service) validate(env string) error {
	switch {
	case s.Cluster == "":
		return fmt.Errorf("aws: environment %s: cluster is required", env)
	case s.TaskFamily == "":
		return fmt.Errorf("aws: environment %s: task_family is required", env)
	case s.Container == "":
		return fmt.Errorf("aws: environment %s: container is required", env)
	case len(s.Subnets) == 0:
		return fmt.Errorf("aws: environment %s: at least one subnet is required", env)
	}
	return nil
}

// LoadConfig resolves SDK configuration. Static credentials are used when
// both keys are set; otherwise the default credential chain applies.
func LoadConfig(ctx context.Context, cfg Config) (awsv2.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsv2.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	return awsCfg, nil
}

// NewLimiter returns the control-plane call limiter for cfg.
func NewLimiter(cfg Config) *rate.Limiter {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	return rate.NewLimiter(rate.Limit(rps), int(rps)+1)
}

const (
	defaultPollInterval = 3 * time.Second
	startedByPrefix     = "shipyard-"
	tagRelease          = "shipyard:release"
	tagEnvironment      = "shipyard:environment"
)

var throttlingCodes = map[string]bool{
	"ThrottlingException":         true,
	"Throttling":                  true,
	"TooManyRequestsException":    true,
	"RequestLimitExceeded":        true,
	"ServiceUnavailable":          true,
	"ServerException":             true,
	"ServiceUnavailableException": true,
}

// classify marks transient API failures as provider-unavailable. Client
// faults other than throttling are returned as-is and are not retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && !throttlingCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("aws: %s: %w", op, err)
	}
	return provider.Unavailable("aws: "+op, err)
}

func startedBy(env string) string {
	s := startedByPrefix + env
	if len(s) > 36 {
		s = s[:36]
	}
	return s
}
