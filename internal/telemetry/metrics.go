// Package telemetry publishes orchestration metrics to AWS CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"billfetch/internal/config"
	"billfetch/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics is the engine's telemetry surface. Publishing is best-effort:
// CloudWatch failures are logged and never affect a run's outcome.
type Metrics interface {
	// RecordStep emits the per-step counters after a pipeline phase finishes.
	RecordStep(ctx context.Context, step types.RunStep, stats types.StepStats)
	// RecordRun emits the run's terminal status and total duration.
	RecordRun(ctx context.Context, status types.RunStatus, duration time.Duration)
	// RecordQueueDepth emits the run queue depth, sampled as the worker
	// dequeues.
	RecordQueueDepth(ctx context.Context, depth int)
}

const (
	dimStep   = "Step"
	dimStatus = "Status"
)

// CloudWatchMetrics implements Metrics against the CloudWatch API.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a publisher in the configured namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// NewFromConfig resolves AWS credentials from the environment and returns a
// CloudWatch-backed publisher, or the no-op publisher when metrics are
// disabled.
func NewFromConfig(ctx context.Context, cfg config.ObservabilityConfig, logger *slog.Logger) (Metrics, error) {
	if !cfg.EnableMetrics {
		return NopMetrics{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	return NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger), nil
}

// RecordStep emits Processed/Succeeded/Failed/Skipped counts and the step
// duration, all dimensioned by step name.
func (m *CloudWatchMetrics) RecordStep(ctx context.Context, step types.RunStep, stats types.StepStats) {
	dims := []cwtypes.Dimension{{
		Name:  aws.String(dimStep),
		Value: aws.String(string(step)),
	}}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("StepProcessed"),
				Value:      aws.Float64(float64(stats.Processed)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("StepSucceeded"),
				Value:      aws.Float64(float64(stats.Succeeded)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("StepFailed"),
				Value:      aws.Float64(float64(stats.Failed)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("StepSkipped"),
				Value:      aws.Float64(float64(stats.Skipped)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("StepDuration"),
				Value:      aws.Float64(float64(stats.Duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish step metrics",
			"error", err, "step", string(step))
	}
}

// RecordRun emits one RunFinished count dimensioned by terminal status plus
// the total run duration.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, status types.RunStatus, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("RunFinished"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{
					Name:  aws.String(dimStatus),
					Value: aws.String(string(status)),
				}},
			},
			{
				MetricName: aws.String("RunDuration"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish run metrics",
			"error", err, "status", string(status))
	}
}

// RecordQueueDepth emits the sampled run queue depth.
func (m *CloudWatchMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("RunQueueDepth"),
				Value:      aws.Float64(float64(depth)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish queue depth metric", "error", err)
	}
}

// NopMetrics discards all metrics. Used when telemetry is disabled and in
// tests.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) RecordStep(context.Context, types.RunStep, types.StepStats) {}
func (NopMetrics) RecordRun(context.Context, types.RunStatus, time.Duration)  {}
func (NopMetrics) RecordQueueDepth(context.Context, int)                      {}
