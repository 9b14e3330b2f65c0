package crawler

// State is a position in the per-URL state machine.
type State string

// States of the per-URL state machine. SUCCEEDED and FAILED are terminal.
const (
	StatePending        State = "PENDING"
	StateTryingDirect   State = "TRYING_DIRECT"
	StateTryingRendered State = "TRYING_RENDERED"
	StateTryingArchive  State = "TRYING_ARCHIVE"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Tier returns the tier a TRYING_* state runs, or "" for other states.
func (s State) Tier() Tier {
	switch s {
	case StateTryingDirect:
		return TierDirect
	case StateTryingRendered:
		return TierRendered
	case StateTryingArchive:
		return TierArchive
	default:
		return ""
	}
}

// StateForTier returns the TRYING_* state for a tier.
func StateForTier(t Tier) State {
	switch t {
	case TierDirect:
		return StateTryingDirect
	case TierRendered:
		return StateTryingRendered
	case TierArchive:
		return StateTryingArchive
	default:
		return StateFailed
	}
}

// NextState is the transition function. From PENDING the machine enters the
// first tier of plan. From a TRYING_* state it moves to SUCCEEDED when the
// tier produced content, otherwise to the next tier in plan, or FAILED once
// plan is exhausted. Terminal states never change.
func NextState(current State, plan []Tier, succeeded bool) State {
	if current.Terminal() {
		return current
	}
	pos := -1
	if current != StatePending {
		if succeeded {
			return StateSucceeded
		}
		pos = indexOfTier(plan, current.Tier())
		if pos < 0 {
			return StateFailed
		}
	}
	if pos+1 < len(plan) {
		return StateForTier(plan[pos+1])
	}
	return StateFailed
}

func indexOfTier(plan []Tier, t Tier) int {
	for i, candidate := range plan {
		if candidate == t {
			return i
		}
	}
	return -1
}
