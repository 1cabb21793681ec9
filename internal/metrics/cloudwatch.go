// Package metrics publishes onboarding and scheduler telemetry to CloudWatch.
//
// Recording never blocks the caller: datums are buffered in memory and sent in
// batches by Run or an explicit Flush.
//
// Metrics emitted:
//   - OnboardingStarted: Dims {Source}
//   - StepEntered, CheckBlocked, ItemsGranted: Dims {Step}
//   - OnboardingCompleted: no dims
//   - JobFired, JobFailed: no dims
//   - PendingJobs: no dims, recorded after each save
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bagbot/internal/onboarding"
	"bagbot/internal/scheduler"
	"bagbot/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// maxDatumsPerCall is the PutMetricData request limit.
	maxDatumsPerCall = 1000
	// defaultBufferLimit bounds memory when CloudWatch is unreachable.
	defaultBufferLimit = 10000
	// DefaultFlushInterval is used by Run when no interval is given.
	DefaultFlushInterval = time.Minute
)

var (
	_ onboarding.Metrics        = (*CloudWatchRecorder)(nil)
	_ scheduler.MetricsRecorder = (*CloudWatchRecorder)(nil)
)

// Config holds the dependencies for creating a CloudWatchRecorder.
type Config struct {
	Client      CloudWatchClient
	Namespace   string
	Logger      *slog.Logger
	Clock       types.Clock
	BufferLimit int
}

// CloudWatchRecorder buffers metric datums and publishes them in batches.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	clock     types.Clock
	limit     int

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
}

// NewCloudWatchRecorder creates a recorder publishing to cfg.Namespace, or
// types.MetricNamespace when empty.
func NewCloudWatchRecorder(cfg Config) *CloudWatchRecorder {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	limit := cfg.BufferLimit
	if limit <= 0 {
		limit = defaultBufferLimit
	}
	return &CloudWatchRecorder{
		client:    cfg.Client,
		namespace: namespace,
		logger:    logger,
		clock:     clock,
		limit:     limit,
	}
}

// RecordStarted counts a welcome by the surface that triggered it.
func (r *CloudWatchRecorder) RecordStarted(_ context.Context, source types.TriggerSource) {
	r.count(types.MetricOnboardingStarted, 1, dim(types.DimSource, string(source)))
}

// RecordStepEntered counts entries into step.
func (r *CloudWatchRecorder) RecordStepEntered(_ context.Context, step string) {
	r.count(types.MetricStepEntered, 1, dim(types.DimStep, step))
}

// RecordItemsGranted adds count items granted by step.
func (r *CloudWatchRecorder) RecordItemsGranted(_ context.Context, step string, count int) {
	r.count(types.MetricItemsGranted, float64(count), dim(types.DimStep, step))
}

// RecordCompleted counts a finished onboarding.
func (r *CloudWatchRecorder) RecordCompleted(context.Context) {
	r.count(types.MetricOnboardingCompleted, 1)
}

// RecordCheckFailed counts a resource check that blocked a user at step.
func (r *CloudWatchRecorder) RecordCheckFailed(_ context.Context, step string) {
	r.count(types.MetricCheckBlocked, 1, dim(types.DimStep, step))
}

// RecordJobOutcome counts a fired job as JobFired or JobFailed.
func (r *CloudWatchRecorder) RecordJobOutcome(_ context.Context, _ string, err error) {
	if err != nil {
		r.count(types.MetricJobFailed, 1)
		return
	}
	r.count(types.MetricJobFired, 1)
}

// RecordPendingJobs records the number of persisted jobs.
func (r *CloudWatchRecorder) RecordPendingJobs(_ context.Context, count int) {
	r.add(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricPendingJobs),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(r.clock.Now()),
	})
}

func (r *CloudWatchRecorder) count(name string, value float64, dims ...cwtypes.Dimension) {
	r.add(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(r.clock.Now()),
		Dimensions: dims,
	})
}

func (r *CloudWatchRecorder) add(d cwtypes.MetricDatum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.limit {
		r.dropped++
		return
	}
	r.pending = append(r.pending, d)
}

// Pending returns the number of buffered datums.
func (r *CloudWatchRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush sends every buffered datum. Datums from a failed batch are dropped
// and logged; metrics are best effort.
func (r *CloudWatchRecorder) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	dropped := r.dropped
	r.pending = nil
	r.dropped = 0
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.WarnContext(ctx, "metric buffer full, datums dropped", "dropped", dropped)
	}

	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerCall)
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(r.namespace),
			MetricData: batch[:n],
		}
		if _, err := r.client.PutMetricData(ctx, input); err != nil {
			r.logger.ErrorContext(ctx, "failed to publish metrics",
				"error", err.Error(),
				"datums", n,
			)
		}
		batch = batch[n:]
	}
}

// Run flushes every interval until ctx is done, then flushes once more on a
// fresh context so the final datums are not lost.
func (r *CloudWatchRecorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			r.Flush(flushCtx)
			cancel()
			return
		}
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
