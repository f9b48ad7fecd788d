package provision

// State of one provisioning run.
type State int

const (
	StateTryingSpot State = iota
	StateTryingOnDemand
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateTryingSpot:
		return "trying-spot"
	case StateTryingOnDemand:
		return "trying-on-demand"
	case StateRunning:
		return "running"
	default:
		return "failed"
	}
}

// Action tells the provisioner what to do after a failed create attempt.
type Action int

const (
	// ActionRetry repeats the attempt in the same state after a backoff.
	ActionRetry Action = iota
	// ActionFallback switches market (spot → on-demand); the attempt counter
	// resets because the state changed.
	ActionFallback
	// ActionAbort gives up immediately; the error can't be healed by retrying.
	ActionAbort
)

// Transition decides what a failed create attempt does to the run, as a pure
// function. Capacity and price errors only demote spot attempts; once
// on-demand they are treated like any other transient failure.
func Transition(state State, kind ErrorKind) (State, Action) {
	if kind == ErrInvalidRequest {
		return StateFailed, ActionAbort
	}
	if state == StateTryingSpot && (kind == ErrCapacityExhausted || kind == ErrPriceTooLow) {
		return StateTryingOnDemand, ActionFallback
	}
	return state, ActionRetry
}
