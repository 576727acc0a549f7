package pipeline

import "fmt"

// order is the fixed happy-path sequence of working states. A run enters
// StateCreated on creation and walks this list in order; success in
// StateMergeDecision leads to StateCompleted.
var order = []State{
	StateCreated,
	StateSnapshotCreating,
	StateSourceCloning,
	StateSetupRunning,
	StateDeploymentValidating,
	StateStaticAnalysis,
	StateUITesting,
	StateMergeDecision,
}

var orderIndex = func() map[State]int {
	m := make(map[State]int, len(order))
	for i, s := range order {
		m[s] = i
	}
	return m
}()

// Order returns a copy of the fixed working-state sequence.
func Order() []State {
	out := make([]State, len(order))
	copy(out, order)
	return out
}

// IsTerminal reports whether s is one of the three terminal states.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsWorking reports whether s is part of the fixed working sequence.
func IsWorking(s State) bool {
	_, ok := orderIndex[s]
	return ok
}

// Next returns the state after s in the fixed order. From StateMergeDecision
// the next state is StateCompleted. Calling Next on a terminal or unknown
// state is a programming error.
func Next(s State) (State, error) {
	i, ok := orderIndex[s]
	if !ok {
		return "", fmt.Errorf("no successor for state %q", s)
	}
	if i+1 == len(order) {
		return StateCompleted, nil
	}
	return order[i+1], nil
}

// ValidTransition reports whether from -> to is a legal transition:
// one step forward in the fixed order, any non-terminal state to FAILED or
// CANCELLED, and MERGE_DECISION to COMPLETED.
func ValidTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	next, err := Next(from)
	if err != nil {
		return false
	}
	return to == next
}

// CheckPrefix verifies that a recorded step-result sequence is a prefix of
// the fixed order: steps appear in order, advance one state at a time, and
// never skip a mandatory state. Repeated entries for the same step (retries)
// are allowed. StateCreated has no executor, so sequences start at the
// snapshot state.
func CheckPrefix(results []StepResult) error {
	prev := orderIndex[StateCreated]
	for _, sr := range results {
		i, ok := orderIndex[sr.Step]
		if !ok {
			return fmt.Errorf("step result for non-working state %q", sr.Step)
		}
		if i != prev && i != prev+1 {
			return fmt.Errorf("step %q out of order after %q", sr.Step, order[prev])
		}
		prev = i
	}
	return nil
}
