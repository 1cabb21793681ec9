package metrics

import (
	"context"
	"time"

	"bagbot/internal/onboarding"
	"bagbot/internal/scheduler"
	"bagbot/internal/types"
)

var (
	_ onboarding.Metrics        = Noop{}
	_ scheduler.MetricsRecorder = Noop{}
)

// Noop discards every metric. It is used when ENABLE_METRICS is off.
type Noop struct{}

func (Noop) RecordStarted(context.Context, types.TriggerSource) {}
func (Noop) RecordStepEntered(context.Context, string) {}
func (Noop) RecordItemsGranted(context.Context, string, int) {}
func (Noop) RecordCompleted(context.Context) {}
func (Noop) RecordCheckFailed(context.Context, string) {}
func (Noop) RecordJobOutcome(context.Context, string, error) {}
func (Noop) RecordPendingJobs(context.Context, int) {}
func (Noop) Flush(context.Context) {}
func (Noop) Run(ctx context.Context, _ time.Duration) { <-ctx.Done() }
