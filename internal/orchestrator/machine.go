package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

var (
	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminal is returned when an operation targets a COMPLETED or
	// BLOCKED thread.
	ErrTerminal = errors.New("thread is in a terminal state")
	// ErrUnknownThread is returned when an operation names a thread that
	// was never seen.
	ErrUnknownThread = errors.New("unknown thread")
)

// transitions is the lifecycle:
//
//	NEW → SANITIZING → {BLOCKED | PLAN_PROPOSED} → AWAITING_APPROVAL → CODING → REVIEW → {COMPLETED | BLOCKED}
//
// plus the revision loops AWAITING_APPROVAL → PLAN_PROPOSED and
// REVIEW → CODING. REVIEW → BLOCKED happens when fix passes run out.
var transitions = map[protocol.State][]protocol.State{
	protocol.StateNew:              {protocol.StateSanitizing},
	protocol.StateSanitizing:       {protocol.StatePlanProposed, protocol.StateBlocked},
	protocol.StatePlanProposed:     {protocol.StateAwaitingApproval},
	protocol.StateAwaitingApproval: {protocol.StateCoding, protocol.StatePlanProposed},
	protocol.StateCoding:           {protocol.StateReview},
	protocol.StateReview:           {protocol.StateCompleted, protocol.StateCoding, protocol.StateBlocked},
}

// CanTransition reports whether a thread in from may move to to.
func CanTransition(from, to protocol.State) bool {
	return slices.Contains(transitions[from], to)
}

// Next returns the states reachable from s.
func Next(s protocol.State) []protocol.State {
	return slices.Clone(transitions[s])
}

// IsTerminal reports whether s ends the lifecycle.
func IsTerminal(s protocol.State) bool {
	return s.Terminal()
}

func checkTransition(from, to protocol.State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}
