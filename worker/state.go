package worker

import (
	"sync"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/dependency"
	"github.com/jabolina/dask-worker/store"
	"github.com/jabolina/dask-worker/task"
)

// state is the single mutex-guarded object holding every data-model map
// the worker needs. Its helper methods do not lock: callers hold mu around
// every call and also read and write the maps directly under it.
type state struct {
	mu sync.Mutex

	tasks     map[string]*task.Task
	deps      map[string]*dependency.Dependency
	executing map[string]*task.Task
	ready     *task.ReadyQueue

	whoHas  map[string]map[address.Address]struct{}
	hasWhat map[address.Address]map[string]struct{}

	inFlightTasks   map[string]address.Address
	inFlightWorkers map[address.Address]map[string]struct{}

	// pendingPerPeer holds deps capped out of a fetch round by
	// total_connections, keyed by the peer they're destined for, so they
	// ride along opportunistically the next time that peer is dispatched.
	pendingPerPeer map[address.Address][]string

	// dataNeeded is the ordered set of keys with outstanding dependencies,
	// drained by ensure-communicating.
	dataNeeded []string

	store *store.Store
}

func newState(s *store.Store) *state {
	return &state{
		tasks:           make(map[string]*task.Task),
		deps:            make(map[string]*dependency.Dependency),
		executing:       make(map[string]*task.Task),
		ready:           task.NewReadyQueue(),
		whoHas:          make(map[string]map[address.Address]struct{}),
		hasWhat:         make(map[address.Address]map[string]struct{}),
		inFlightTasks:   make(map[string]address.Address),
		inFlightWorkers: make(map[address.Address]map[string]struct{}),
		pendingPerPeer:  make(map[address.Address][]string),
		store:           s,
	}
}

// addWhoHas records that addr advertises key, keeping who_has/has_what
// symmetric.
func (s *state) addWhoHas(key string, addr address.Address) {
	if s.whoHas[key] == nil {
		s.whoHas[key] = make(map[address.Address]struct{})
	}
	s.whoHas[key][addr] = struct{}{}
	if s.hasWhat[addr] == nil {
		s.hasWhat[addr] = make(map[string]struct{})
	}
	s.hasWhat[addr][key] = struct{}{}
}

// removeWhoHas drops addr from key's advertised peers, keeping the index
// symmetric.
func (s *state) removeWhoHas(key string, addr address.Address) {
	if m, ok := s.whoHas[key]; ok {
		delete(m, addr)
		if len(m) == 0 {
			delete(s.whoHas, key)
		}
	}
	if m, ok := s.hasWhat[addr]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(s.hasWhat, addr)
		}
	}
}

func (s *state) peersFor(key string) []address.Address {
	out := make([]address.Address, 0, len(s.whoHas[key]))
	for a := range s.whoHas[key] {
		out = append(out, a)
	}
	return out
}

// enterFlight moves dep into Flight on peer, updating the in-flight index.
func (s *state) enterFlight(dep *dependency.Dependency, peer address.Address) {
	dep.State = dependency.Flight
	dep.FlightPeer = &peer
	s.inFlightTasks[dep.Key] = peer
	if s.inFlightWorkers[peer] == nil {
		s.inFlightWorkers[peer] = make(map[string]struct{})
	}
	s.inFlightWorkers[peer][dep.Key] = struct{}{}
}

// exitFlight clears the in-flight index entries for dep, whatever state it
// is moving to next.
func (s *state) exitFlight(dep *dependency.Dependency) {
	if dep.FlightPeer == nil {
		return
	}
	peer := *dep.FlightPeer
	delete(s.inFlightTasks, dep.Key)
	if m, ok := s.inFlightWorkers[peer]; ok {
		delete(m, dep.Key)
		if len(m) == 0 {
			delete(s.inFlightWorkers, peer)
		}
	}
	dep.FlightPeer = nil
}

func (s *state) inFlightCount() int {
	return len(s.inFlightWorkers)
}
