package session

// Decision is the outcome of checking an event against the current state.
type Decision int

const (
	// Apply means the transition moves the session forward.
	Apply Decision = iota
	// Ignore means the event is a duplicate, stale or arrived after the
	// session finished. It must not produce side effects.
	Ignore
	// Reject means the transition is not part of the lifecycle.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Ignore:
		return "ignore"
	default:
		return "reject"
	}
}

var rank = map[State]int{
	StateInitiated: 0,
	StateRinging:   1,
	StateAnswered:  2,
	StateEnded:     3,
	StateFailed:    3,
}

// Decide checks a transition from one state to another.
//
//	initiated -> ringing | answered | ended | failed
//	ringing   -> answered | ended | failed
//	answered  -> ended
//
// Events that point backwards, repeat the current state or arrive after a
// terminal state are ignored. failed after answered is rejected.
func Decide(from, to State) Decision {
	if !from.Valid() || !to.Valid() {
		return Reject
	}
	if from.IsTerminal() {
		return Ignore
	}
	if rank[to] <= rank[from] {
		return Ignore
	}
	if to == StateFailed && from == StateAnswered {
		return Reject
	}
	return Apply
}
