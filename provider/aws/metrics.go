package aws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/GoCodeAlone/shipyard/deploy"
)

// DefaultNamespace is the CloudWatch namespace rollout metrics go to.
const DefaultNamespace = "Shipyard"

const publishTimeout = 10 * time.Second

var _ deploy.Observer = (*MetricsPublisher)(nil)

// MetricsPublisher sends rollout metrics to CloudWatch. Calls are made in
// the background; Flush waits for outstanding calls.
type MetricsPublisher struct {
	deploy.NopObserver

	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewMetricsPublisher creates a publisher. An empty namespace selects
// DefaultNamespace.
func NewMetricsPublisher(client CloudWatchClient, namespace string, logger *slog.Logger) *MetricsPublisher {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsPublisher{client: client, namespace: namespace, logger: logger}
}

// BatchCompleted implements deploy.Observer.
func (p *MetricsPublisher) BatchCompleted(ctx context.Context, a deploy.Attempt, _ int, took time.Duration) {
	p.publish(ctx, []cwtypes.MetricDatum{{
		MetricName: awsv2.String("BatchDuration"),
		Dimensions: []cwtypes.Dimension{dimension("Environment", a.Environment)},
		Unit:       cwtypes.StandardUnitSeconds,
		Value:      awsv2.Float64(took.Seconds()),
	}})
}

// AttemptFinished implements deploy.Observer.
func (p *MetricsPublisher) AttemptFinished(ctx context.Context, a deploy.Attempt) {
	dims := []cwtypes.Dimension{
		dimension("Environment", a.Environment),
		dimension("Status", string(a.Status)),
	}
	data := []cwtypes.MetricDatum{
		{
			MetricName: awsv2.String("RolloutDuration"),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitSeconds,
			Value:      awsv2.Float64(a.Duration().Seconds()),
		},
		{
			MetricName: awsv2.String("Rollouts"),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitCount,
			Value:      awsv2.Float64(1),
		},
	}
	if a.FailureKind != "" {
		data = append(data, cwtypes.MetricDatum{
			MetricName: awsv2.String("RolloutFailures"),
			Dimensions: []cwtypes.Dimension{
				dimension("Environment", a.Environment),
				dimension("Kind", string(a.FailureKind)),
			},
			Unit:  cwtypes.StandardUnitCount,
			Value: awsv2.Float64(1),
		})
	}
	p.publish(ctx, data)
}

// Flush waits for in-flight publishes.
func (p *MetricsPublisher) Flush() {
	p.wg.Wait()
}

func (p *MetricsPublisher) publish(ctx context.Context, data []cwtypes.MetricDatum) {
	now := time.Now().UTC()
	for i := range data {
		data[i].Timestamp = awsv2.Time(now)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  awsv2.String(p.namespace),
			MetricData: data,
		}); err != nil {
			p.logger.Warn("failed to publish rollout metrics", "namespace", p.namespace, "error", err)
		}
	}()
}

func dimension(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: awsv2.String(name), Value: awsv2.String(value)}
}
