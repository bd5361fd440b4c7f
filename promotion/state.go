// Package promotion implements the pipeline state machine that drives a
// source-control event through CI, the staging rollout, the production
// approval gate and the production rollout.
package promotion

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a state change the transition
// table does not allow.
var ErrInvalidTransition = errors.New("promotion: invalid state transition")

// State is the position of a run in the pipeline.
type State string

const (
	StateIdle              State = "idle"
	StateCIRunning         State = "ci_running"
	StateCIFailed          State = "ci_failed"
	StateCIPassed          State = "ci_passed"
	StateStagingRollout    State = "staging_rollout"
	StateStagingFailed     State = "staging_failed"
	StateStagingHealthy    State = "staging_healthy"
	StateAwaitingApproval  State = "awaiting_approval"
	StateApproved          State = "approved"
	StateRejected          State = "rejected"
	StateProductionRollout State = "production_rollout"
	StateProductionFailed  State = "production_failed"
	StateProductionHealthy State = "production_healthy"
	StateCancelled         State = "cancelled"
)

// States lists every state in pipeline order.
var States = []State{
	StateIdle, StateCIRunning, StateCIFailed, StateCIPassed,
	StateStagingRollout, StateStagingFailed, StateStagingHealthy,
	StateAwaitingApproval, StateApproved, StateRejected,
	StateProductionRollout, StateProductionFailed, StateProductionHealthy,
	StateCancelled,
}

// transitions is the complete table of legal state changes. A rollout in
// progress cannot be cancelled into StateCancelled: cancellation aborts it
// and the run ends in the matching failed state.
var transitions = map[State][]State{
	StateIdle:              {StateCIRunning, StateCancelled},
	StateCIRunning:         {StateCIFailed, StateCIPassed, StateCancelled},
	StateCIPassed:          {StateStagingRollout, StateCancelled},
	StateStagingRollout:    {StateStagingFailed, StateStagingHealthy},
	StateStagingHealthy:    {StateAwaitingApproval},
	StateAwaitingApproval:  {StateApproved, StateRejected, StateCancelled},
	StateApproved:          {StateProductionRollout, StateCancelled},
	StateProductionRollout: {StateProductionFailed, StateProductionHealthy},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition when from -> to is illegal.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Failed reports whether s is a failure state.
func (s State) Failed() bool {
	switch s {
	case StateCIFailed, StateStagingFailed, StateRejected, StateProductionFailed, StateCancelled:
		return true
	}
	return false
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	return len(transitions[s]) == 0
}
