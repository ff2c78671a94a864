package model

// RunState is the phase of a session as reported to observers.
type RunState string

// Run state constants.
const (
	StateIdle    RunState = ""
	StateActive  RunState = "active"
	StatePassive RunState = "passive"
	StatePaused  RunState = "paused"
	StatePrompt  RunState = "prompt"
	StatePass    RunState = "pass"
	StateFail    RunState = "fail"
)

// validTransitions maps each state to the set of states a session may move to.
var validTransitions = map[RunState]map[RunState]bool{
	StateIdle: {
		StatePaused: true,
		StateActive: true,
		StatePass:   true,
		StateFail:   true,
	},
	StatePaused: {
		StateActive: true,
		StateFail:   true,
	},
	StateActive: {
		StateActive:  true,
		StatePrompt:  true,
		StatePassive: true,
		StateFail:    true,
	},
	StatePrompt: {
		StateActive:  true,
		StatePassive: true,
		StateFail:    true,
	},
	StatePassive: {
		StatePaused: true,
		StateActive: true,
		StatePass:   true,
		StateFail:   true,
	},
}

// ValidTransition reports whether a session may move from one state to another.
func ValidTransition(from, to RunState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s ends a session.
func (s RunState) Terminal() bool {
	return s == StatePass || s == StateFail
}
