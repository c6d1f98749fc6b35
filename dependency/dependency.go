// Package dependency implements the per-dependency state machine: an
// input key some task needs before it can run.
package dependency

import (
	"fmt"

	"github.com/jabolina/dask-worker/address"
)

// State is a dependency's position in its lifecycle.
type State int

const (
	Waiting State = iota
	Flight
	Memory
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Flight:
		return "flight"
	case Memory:
		return "memory"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type transition struct{ from, to State }

// allowedTransitions is the exhaustive table of legal moves. The
// Memory -> Flight transition is deliberately absent: once a value is in
// memory it is never refetched.
var allowedTransitions = map[transition]bool{
	{Waiting, Flight}: true,
	{Flight, Memory}:  true,
	{Flight, Waiting}: true,
	{Waiting, Memory}: true,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return allowedTransitions[transition{from, to}]
}

// SuspicionThreshold is the count above which a dependency with no
// reachable peer is declared poisoned.
const SuspicionThreshold = 3

// Dependency is an input key some task needs before it can run.
type Dependency struct {
	Key string

	State State

	// FlightPeer is the single peer this dependency is currently being
	// fetched from, only meaningful in State Flight.
	FlightPeer *address.Address

	// Dependents is the set of task keys waiting on this dependency.
	Dependents map[string]struct{}

	// Suspicion counts unsuccessful location rounds.
	Suspicion int
}

// New builds a dependency in Waiting state with no known dependents yet.
func New(key string) *Dependency {
	return &Dependency{
		Key:        key,
		State:      Waiting,
		Dependents: make(map[string]struct{}),
	}
}

// AddDependent records that task depends on this dependency.
func (d *Dependency) AddDependent(taskKey string) {
	d.Dependents[taskKey] = struct{}{}
}

// Poisoned reports whether this dependency has exceeded the suspicion
// threshold without being resolved.
func (d *Dependency) Poisoned() bool {
	return d.Suspicion > SuspicionThreshold
}
