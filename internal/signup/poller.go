// Package signup starts onboarding for community members who finished the
// signup form.
//
// The Poller periodically lists pending signups, welcomes each Slack user and
// marks the record so it is not picked up again. A user who already started
// onboarding is marked too; any other welcome failure leaves the record
// pending for the next cycle.
package signup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bagbot/internal/external"
	"bagbot/internal/onboarding"
	"bagbot/internal/types"
)

// DefaultInterval is used when no poll interval is configured.
const DefaultInterval = 5 * time.Minute

// Welcomer starts onboarding for a user. *onboarding.Driver implements it.
type Welcomer interface {
	Welcome(ctx context.Context, userID string) (onboarding.Action, error)
}

// Config holds the dependencies for creating a Poller.
type Config struct {
	Source   external.SignupSource
	Welcomer Welcomer
	Interval time.Duration
	// Limit caps welcomes per cycle. Zero means unlimited.
	Limit  int
	Logger *slog.Logger
}

// Result summarizes one poll cycle.
type Result struct {
	Pending   int
	Welcomed  int
	Skipped   int
	Failed    int
	Remaining int
}

// Poller turns pending signups into welcomes.
type Poller struct {
	source   external.SignupSource
	welcomer Welcomer
	interval time.Duration
	limit    int
	logger   *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		source:   cfg.Source,
		welcomer: cfg.Welcomer,
		interval: interval,
		limit:    cfg.Limit,
		logger:   logger,
	}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "signup poller started", "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.ErrorContext(ctx, "signup poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "signup poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle. Failures for individual signups are logged and counted;
// only a failure to list signups is returned.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	ctx = types.WithTriggerSource(ctx, types.TriggerSourceAirtable)

	signups, err := p.source.ListPendingSignups(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list pending signups: %w", err)
	}

	res := Result{Pending: len(signups)}
	for i, s := range signups {
		if ctx.Err() != nil {
			res.Remaining = len(signups) - i
			break
		}
		if p.limit > 0 && res.Welcomed >= p.limit {
			res.Remaining = len(signups) - i
			p.logger.InfoContext(ctx, "signup limit reached", "limit", p.limit, "remaining", res.Remaining)
			break
		}

		logger := p.logger.With("user_id", s.SlackID, "record_id", s.RecordID)

		_, err := p.welcomer.Welcome(ctx, s.SlackID)
		switch {
		case err == nil:
			res.Welcomed++
		case types.IsCode(err, types.ErrCodeConflictOnboardingStarted):
			logger.InfoContext(ctx, "signup already onboarding, marking triggered")
			res.Skipped++
		default:
			logger.ErrorContext(ctx, "failed to welcome signup", "error", err)
			res.Failed++
			continue
		}

		if err := p.source.MarkTriggered(ctx, s.RecordID); err != nil {
			// The welcome itself is not repeated: the next cycle gets a
			// conflict for this user and retries the mark.
			logger.ErrorContext(ctx, "failed to mark signup triggered", "error", err)
		}
	}

	p.logger.InfoContext(ctx, "signup poll cycle complete",
		"pending", res.Pending,
		"welcomed", res.Welcomed,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}
