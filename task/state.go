package task

import "fmt"

// State is a task's position in the lifecycle.
type State int

const (
	Waiting State = iota
	Ready
	Executing
	Memory
	Released
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Memory:
		return "memory"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transition is one (from, to) pair the state machine allows, as an
// exhaustive table keyed on the pair of states; anything not listed here
// is a no-op.
type transition struct {
	from State
	to   State
}

var allowedTransitions = map[transition]bool{
	{Waiting, Ready}:     true,
	{Waiting, Memory}:    true,
	{Ready, Executing}:   true,
	{Ready, Memory}:      true,
	{Executing, Memory}:  true,
	// release-task is authoritative from any state.
	{Waiting, Released}:   true,
	{Ready, Released}:     true,
	{Executing, Released}: true,
	{Memory, Released}:    true,
}

// CanTransition reports whether moving a task from `from` to `to` is a
// legal transition. Callers that receive false must treat the attempted
// move as a no-op and log it, never apply it.
func CanTransition(from, to State) bool {
	return allowedTransitions[transition{from, to}]
}
