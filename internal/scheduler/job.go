// Package scheduler runs delayed onboarding jobs and persists them across
// restarts.
//
// A Job is a single-shot timer bound to an absolute fire time and an owning
// user. The Scheduler keeps jobs in insertion order; fire order across users
// does not matter because each user's onboarding chain arms at most one
// successor at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job contract errors. They indicate a caller bug and are always returned.
var (
	ErrAlreadyArmed = errors.New("scheduler: job already armed")
	ErrNotArmed     = errors.New("scheduler: job not armed")
	ErrBusy         = errors.New("scheduler: job is running")
	ErrJobStopped   = errors.New("scheduler: job already stopped")
)

// State is the lifecycle stage of a Job.
type State int

const (
	// StateIdle is a job that has never been armed.
	StateIdle State = iota
	StateWaiting
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Callback is the work a Job performs when it fires.
type Callback func(ctx context.Context) error

// Job is one deferred callback invocation.
type Job struct {
	id       string
	owner    string
	callback Callback

	// runCtx is handed to the callback. It is owned by the Scheduler and is
	// not cancelled by shutdown, so in-flight work runs to completion.
	runCtx context.Context
	// onFinish reports the callback outcome to the Scheduler.
	onFinish func(*Job, error)

	mu       sync.Mutex
	state    State
	fireAt   time.Time
	delay    time.Duration
	timer    *time.Timer
	finished chan struct{}
}

func newJob(ctx context.Context, owner string, cb Callback, onFinish func(*Job, error)) *Job {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Job{
		id:       uuid.NewString(),
		owner:    owner,
		callback: cb,
		runCtx:   ctx,
		onFinish: onFinish,
		finished: make(chan struct{}),
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Owner returns the user the job belongs to, or "" when unowned.
func (j *Job) Owner() string { return j.owner }

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// FireAt returns the absolute time the job was scheduled for.
func (j *Job) FireAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fireAt
}

// Delay returns the delay the job was last armed with.
func (j *Job) Delay() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.delay
}

// Done is closed once the job reaches StateStopped.
func (j *Job) Done() <-chan struct{} {
	return j.finished
}

// Start arms the job to fire after delay, measured from now. A delay of zero
// or less fires as soon as possible. A paused job may be started again.
func (j *Job) Start(now time.Time, delay time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateWaiting, StateRunning:
		return ErrAlreadyArmed
	case StateStopped:
		return ErrJobStopped
	}

	j.fireAt = now.Add(delay)
	if delay < 0 {
		delay = 0
	}
	j.delay = delay
	j.state = StateWaiting
	j.timer = time.AfterFunc(delay, j.fire)
	return nil
}

// hold records a fire time without arming a timer. The job starts paused so it
// is persisted and re-armed on the next load.
func (j *Job) hold(fireAt time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fireAt = fireAt
	j.state = StatePaused
}

// Stop cancels a waiting job. If the callback is running, Stop blocks until it
// returns.
func (j *Job) Stop() error {
	j.mu.Lock()
	switch j.state {
	case StateWaiting:
		j.timer.Stop()
		j.timer = nil
		j.state = StateStopped
		close(j.finished)
		j.mu.Unlock()
		return nil
	case StateRunning:
		j.mu.Unlock()
		<-j.finished
		return nil
	default:
		j.mu.Unlock()
		return ErrNotArmed
	}
}

// Pause cancels a waiting job without running it, keeping its fire time so it
// can be persisted and re-armed later.
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateWaiting:
		j.timer.Stop()
		j.timer = nil
		j.state = StatePaused
		return nil
	case StateRunning:
		return ErrBusy
	default:
		return ErrNotArmed
	}
}

// cancelIfWaiting stops the job only when its timer has not fired yet. It
// never blocks, so it is safe to call from inside another job's callback.
func (j *Job) cancelIfWaiting() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateWaiting {
		return false
	}
	j.timer.Stop()
	j.timer = nil
	j.state = StateStopped
	close(j.finished)
	return true
}

func (j *Job) fire() {
	j.mu.Lock()
	// Stop or Pause won the race with the timer.
	if j.state != StateWaiting {
		j.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.timer = nil
	j.mu.Unlock()

	err := j.run()

	// Report before leaving running so Wait covers the bookkeeping.
	if j.onFinish != nil {
		j.onFinish(j, err)
	}

	j.mu.Lock()
	j.state = StateStopped
	close(j.finished)
	j.mu.Unlock()
}

func (j *Job) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.id, r)
		}
	}()
	return j.callback(j.runCtx)
}
