// Package engine implements the conversation turn controller: a
// five-state machine that drives the model, dispatches tool calls,
// gates them behind identity verification, and recovers from provider
// errors within bounded turn and retry budgets.
package engine

// State is the turn controller's position in a run.
type State int

const (
	// StateAgent calls the model with the conversation so far.
	StateAgent State = iota
	// StateTools executes pending tool calls.
	StateTools
	// StateVerify handles identity verification tool calls.
	StateVerify
	// StateError classifies a failure and picks a recovery path.
	StateError
	// StateEnd terminates the run.
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateAgent:
		return "agent"
	case StateTools:
		return "tools"
	case StateVerify:
		return "verify"
	case StateError:
		return "error"
	case StateEnd:
		return "end"
	default:
		return "unknown"
	}
}

// PatientInfo is the verification slice of a run's outcome, folded
// back into the session by the caller.
type PatientInfo struct {
	PatientID      string
	Verified       bool
	FailedAttempts int
}
