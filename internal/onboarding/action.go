package onboarding

import (
	"fmt"
	"time"
)

// ActionKind tells the driver what to arm after a transition.
type ActionKind int

const (
	// ActionTerminate arms nothing.
	ActionTerminate ActionKind = iota
	// ActionAdvance enters Step after Delay.
	ActionAdvance
	// ActionAwaitEvent waits for a chat message. A positive Timeout also
	// schedules a checked re-entry after that long.
	ActionAwaitEvent
)

func (k ActionKind) String() string {
	switch k {
	case ActionTerminate:
		return "terminate"
	case ActionAdvance:
		return "advance"
	case ActionAwaitEvent:
		return "await_event"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the continuation decided by a transition.
type Action struct {
	Kind    ActionKind
	Step    string
	Delay   time.Duration
	Timeout time.Duration
	// Current is the step the user is on once the transition is done. Jobs
	// armed for the action only run while the user is still there.
	Current string
	// Reason explains a Terminate or AwaitEvent for logs.
	Reason string
}

// At records the step the user is on after the transition.
func (a Action) At(step string) Action {
	a.Current = step
	return a
}

// Advance enters step after delay.
func Advance(step string, delay time.Duration) Action {
	return Action{Kind: ActionAdvance, Step: step, Delay: delay}
}

// AwaitEvent waits for a chat message, re-entering on its own after timeout
// when timeout is positive.
func AwaitEvent(timeout time.Duration, reason string) Action {
	return Action{Kind: ActionAwaitEvent, Timeout: timeout, Reason: reason}
}

// Terminate arms nothing.
func Terminate(reason string) Action {
	return Action{Kind: ActionTerminate, Reason: reason}
}

// Reasons attached to Terminate and AwaitEvent actions.
const (
	ReasonCompleted        = "completed"
	ReasonAlreadyCompleted = "already_completed"
	ReasonNotStarted       = "not_started"
	ReasonPassiveIgnored   = "passive_event_ignored"
	ReasonPaused           = "paused"
	ReasonCheckFailed      = "check_failed"
	ReasonStale            = "stale_continuation"
)
