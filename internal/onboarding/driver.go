package onboarding

import (
	"context"
	"log/slog"
	"time"

	"bagbot/internal/scheduler"
)

// JobScheduler arms follow-up jobs. *scheduler.Scheduler implements it.
type JobScheduler interface {
	// Replace supersedes the owner's pending jobs with cb.
	Replace(cb scheduler.Callback, delay time.Duration, ownerID string) *scheduler.Job
}

// DefaultTransitionTimeout bounds one transition started by the driver.
const DefaultTransitionTimeout = 2 * time.Minute

// Driver runs engine transitions and arms the continuation each returns.
// Every armed job replaces the user's pending one, so a user has at most one
// pending job.
//
// A transition and the arming of its continuation happen under the user's
// lock, and run on a context detached from the caller's cancellation: grants
// and the state write that records them are never split by a shutdown or a
// dropped client.
type Driver struct {
	engine    *Engine
	scheduler JobScheduler
	logger    *slog.Logger
	locks     *userLocks
	timeout   time.Duration
}

// NewDriver creates a Driver.
func NewDriver(engine *Engine, sched JobScheduler, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		engine:    engine,
		scheduler: sched,
		logger:    logger,
		locks:     newUserLocks(),
		timeout:   DefaultTransitionTimeout,
	}
}

// Welcome starts onboarding for userID.
func (d *Driver) Welcome(ctx context.Context, userID string) (Action, error) {
	return d.transition(ctx, userID, func(ctx context.Context) (Action, error) {
		return d.engine.Welcome(ctx, userID)
	})
}

// HandleEvent re-enters the user's current step after chat activity.
func (d *Driver) HandleEvent(ctx context.Context, userID string) (Action, error) {
	return d.run(ctx, Request{UserID: userID, Event: true})
}

// Resume continues from the user's persisted step. It is the callback bound
// to jobs restored from storage.
func (d *Driver) Resume(ctx context.Context, userID string) error {
	_, err := d.run(ctx, Request{UserID: userID})
	return err
}

func (d *Driver) run(ctx context.Context, req Request) (Action, error) {
	return d.transition(ctx, req.UserID, func(ctx context.Context) (Action, error) {
		return d.engine.Step(ctx, req)
	})
}

func (d *Driver) transition(ctx context.Context, userID string, step func(context.Context) (Action, error)) (Action, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	unlock := d.locks.lock(userID)
	defer unlock()

	action, err := step(ctx)
	if err != nil {
		return Action{}, err
	}
	d.apply(ctx, userID, action)
	return action, nil
}

// apply arms the job an action asks for.
func (d *Driver) apply(ctx context.Context, userID string, action Action) {
	switch action.Kind {
	case ActionAdvance:
		req := Request{UserID: userID, NextStep: action.Step, ExpectedStep: action.Current}
		job := d.scheduler.Replace(func(ctx context.Context) error {
			_, err := d.run(ctx, req)
			return err
		}, action.Delay, userID)
		d.logger.InfoContext(ctx, "next step scheduled",
			"user_id", userID,
			"step", action.Step,
			"delay", action.Delay.String(),
			"job_id", job.ID(),
		)

	case ActionAwaitEvent:
		if action.Timeout <= 0 {
			d.logger.InfoContext(ctx, "waiting for user activity",
				"user_id", userID,
				"reason", action.Reason,
			)
			return
		}
		req := Request{UserID: userID, Event: true, ExpectedStep: action.Current}
		job := d.scheduler.Replace(func(ctx context.Context) error {
			_, err := d.run(ctx, req)
			return err
		}, action.Timeout, userID)
		d.logger.InfoContext(ctx, "checked re-entry scheduled",
			"user_id", userID,
			"step", action.Current,
			"timeout", action.Timeout.String(),
			"job_id", job.ID(),
		)

	case ActionTerminate:
		d.logger.DebugContext(ctx, "nothing to schedule",
			"user_id", userID,
			"reason", action.Reason,
		)
	}
}
