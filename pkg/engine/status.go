package engine

import (
	"fmt"

	"github.com/looplab/fsm"
)

// statusEvents is the action lifecycle transition table. Each event is
// named after the destination status so CanTransition can look it up.
var statusEvents = fsm.Events{
	{Name: transitionEvent(StatusReady), Src: []string{
		string(StatusInit), string(StatusWaiting), string(StatusWaitingLifecycle),
		string(StatusRunning), // RETRY and ownership-loss requeue
	}, Dst: string(StatusReady)},

	{Name: transitionEvent(StatusWaiting), Src: []string{
		string(StatusInit), string(StatusReady), string(StatusRunning),
	}, Dst: string(StatusWaiting)},

	{Name: transitionEvent(StatusWaitingLifecycle), Src: []string{
		string(StatusRunning),
	}, Dst: string(StatusWaitingLifecycle)},

	{Name: transitionEvent(StatusRunning), Src: []string{
		string(StatusReady), string(StatusSuspended),
	}, Dst: string(StatusRunning)},

	{Name: transitionEvent(StatusSuspended), Src: []string{
		string(StatusRunning),
	}, Dst: string(StatusSuspended)},

	{Name: transitionEvent(StatusSucceeded), Src: []string{
		string(StatusRunning),
	}, Dst: string(StatusSucceeded)},

	{Name: transitionEvent(StatusFailed), Src: []string{
		string(StatusInit), string(StatusReady), string(StatusWaiting),
		string(StatusWaitingLifecycle), string(StatusRunning), string(StatusSuspended),
	}, Dst: string(StatusFailed)},

	{Name: transitionEvent(StatusCancelled), Src: []string{
		string(StatusRunning), string(StatusSuspended),
	}, Dst: string(StatusCancelled)},
}

func transitionEvent(to Status) string {
	return "to_" + string(to)
}

// newStatusFSM builds a transition-checking state machine seeded at the
// given status.
func newStatusFSM(current Status) *fsm.FSM {
	return fsm.NewFSM(string(current), statusEvents, fsm.Callbacks{})
}

// CanTransition reports whether an action may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	return newStatusFSM(from).Can(transitionEvent(to))
}

// CheckTransition returns a classified error when the transition is invalid.
func CheckTransition(from, to Status) error {
	if from.IsTerminal() {
		return NewPermanentError(
			fmt.Sprintf("status %s is terminal", from), nil,
		).WithCode(ErrCodeBadTransition)
	}
	if !CanTransition(from, to) {
		return NewPermanentError(
			fmt.Sprintf("invalid transition %s -> %s", from, to), nil,
		).WithCode(ErrCodeBadTransition)
	}
	return nil
}

// resultStatus maps a body result to the status the finalizer should write.
// RETRY is handled by the caller because it routes to READY or WAITING
// depending on whether dependencies were added during execution.
func resultStatus(result Result) (Status, bool) {
	switch result {
	case ResultOK:
		return StatusSucceeded, true
	case ResultError, ResultTimeout:
		return StatusFailed, true
	case ResultCancel:
		return StatusCancelled, true
	default:
		return "", false
	}
}
