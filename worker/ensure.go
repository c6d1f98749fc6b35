package worker

import (
	"math/rand"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/dependency"
	"github.com/jabolina/dask-worker/gather"
	"github.com/jabolina/dask-worker/task"
	"github.com/jabolina/dask-worker/transport"
)

// addDataNeededLocked enqueues key into the ordered data_needed set if it
// is not already present.
func (w *Worker) addDataNeededLocked(key string) {
	for _, k := range w.state.dataNeeded {
		if k == key {
			return
		}
	}
	w.state.dataNeeded = append(w.state.dataNeeded, key)
}

func (w *Worker) popDataNeededLocked(key string) {
	for i, k := range w.state.dataNeeded {
		if k == key {
			w.state.dataNeeded = append(w.state.dataNeeded[:i], w.state.dataNeeded[i+1:]...)
			return
		}
	}
}

// ensureCommunicating drains data_needed into gather rounds, bounded by
// total_connections concurrent peer fetches.
func (w *Worker) ensureCommunicating() {
	for {
		plan, ok := w.buildFetchBatch()
		if !ok {
			return
		}
		w.runGatherBatch(plan)
	}
}

// fetchBatch is one set of deps selected to move waiting -> flight this
// round, grouped by the peer each was assigned to.
type fetchBatch map[address.Address][]string

// buildFetchBatch peeks the oldest needed-data key, selects peers for its
// still-waiting deps (opportunistically batching more waiting deps bound
// for the same peer via pendingPerPeer), and marks them in flight.
func (w *Worker) buildFetchBatch() (fetchBatch, bool) {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()

	if w.state.inFlightCount() >= w.cfg.TotalConnections {
		return nil, false
	}
	if len(w.state.dataNeeded) == 0 {
		return nil, false
	}

	key := w.state.dataNeeded[0]
	t, ok := w.state.tasks[key]
	if !ok || len(t.WaitingForData) == 0 {
		w.popDataNeededLocked(key)
		return nil, true
	}

	plan := fetchBatch{}
	dispatchedAny := false
	cappedAny := false
	for dep := range t.WaitingForData {
		d, ok := w.state.deps[dep]
		if !ok || d.State != dependency.Waiting {
			continue
		}
		peers := w.state.peersFor(dep)
		if len(peers) == 0 {
			go w.missingDepRecovery(d)
			continue
		}
		peer := peers[rand.Intn(len(peers))]
		_, peerAlreadyInFlight := w.state.inFlightWorkers[peer]
		if !peerAlreadyInFlight && w.state.inFlightCount() >= w.cfg.TotalConnections {
			w.state.pendingPerPeer[peer] = append(w.state.pendingPerPeer[peer], dep)
			cappedAny = true
			continue
		}
		w.state.enterFlight(d, peer)
		plan[peer] = append(plan[peer], dep)
		dispatchedAny = true

		for _, pending := range w.state.pendingPerPeer[peer] {
			if pd, ok := w.state.deps[pending]; ok && pd.State == dependency.Waiting {
				w.state.enterFlight(pd, peer)
				plan[peer] = append(plan[peer], pending)
			}
		}
		delete(w.state.pendingPerPeer, peer)
	}

	// A key stays queued while this call dispatched or parked one of its
	// deps. It is dropped once all its data has arrived, or when this call
	// could neither dispatch nor park anything (for instance because every
	// remaining dep is already in flight); revertToWaitingLocked queues it
	// again if one of those fetches fails.
	if allDispatched(t) || (!dispatchedAny && !cappedAny) {
		w.popDataNeededLocked(key)
	}
	if len(plan) == 0 {
		// Nothing fired this round. If something was merely capped,
		// a later gather completion will re-run ensure-communicating
		// and may find room; looping here immediately would just spin.
		return nil, false
	}
	return plan, true
}

func allDispatched(t *task.Task) bool {
	return len(t.WaitingForData) == 0
}

// runGatherBatch fires one gather.Run over the whole plan (which issues one
// get_data RPC per distinct peer address) and feeds the outcome back into
// the dependency state machine.
func (w *Worker) runGatherBatch(plan fetchBatch) {
	whoHas := make(map[string][]address.Address, len(plan))
	for peer, keys := range plan {
		for _, k := range keys {
			whoHas[k] = append(whoHas[k], peer)
		}
	}

	w.rec.InFlightWorkers(w.state.inFlightCount())
	result := gather.Run(whoHas, w.fetchFromPeer, w.rec, w.log)

	w.state.mu.Lock()
	for key, value := range result.Values {
		d, ok := w.state.deps[key]
		if !ok {
			continue
		}
		w.state.exitFlight(d)
		d.State = dependency.Memory
		w.state.store.Put(key, value)
		w.notifyDependentsLocked(d)
	}
	for _, key := range result.BadKeys {
		w.revertToWaitingLocked(key)
	}
	w.state.mu.Unlock()

	go w.ensureComputing()
	go w.ensureCommunicating()
}

// fetchFromPeer issues one get_data RPC, used as a gather.Fetcher.
func (w *Worker) fetchFromPeer(addr address.Address, keys []string) (map[string][]byte, error) {
	interfaceKeys := make([]interface{}, len(keys))
	for i, k := range keys {
		interfaceKeys[i] = k
	}
	req := transport.WithOp("get_data", map[string]interface{}{
		"keys": interfaceKeys,
		"who":  w.cfg.ListenAddr.String(),
	})
	reply, err := w.rpc.Call(addr, req)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(reply))
	for k, v := range reply {
		out[k] = toBytes(v)
	}
	return out, nil
}

// revertToWaitingLocked implements the flight -> waiting transition:
// remove the failed peer, revert the dep, and trigger missing-dep
// recovery if no peers remain.
func (w *Worker) revertToWaitingLocked(depKey string) {
	d, ok := w.state.deps[depKey]
	if !ok {
		return
	}
	if d.FlightPeer != nil {
		peer := *d.FlightPeer
		w.state.exitFlight(d)
		w.state.removeWhoHas(depKey, peer)
	}
	if d.State != dependency.Flight {
		return
	}
	d.State = dependency.Waiting
	d.Suspicion++

	for taskKey := range d.Dependents {
		if t, ok := w.state.tasks[taskKey]; ok {
			w.addDataNeededLocked(t.Key)
		}
	}

	if len(w.state.whoHas[depKey]) == 0 {
		go w.missingDepRecovery(d)
	}
}

// notifyDependentsLocked fans a newly-memory dependency's value out to
// every dependent task, advancing each to Ready if now fully satisfied.
func (w *Worker) notifyDependentsLocked(d *dependency.Dependency) {
	for taskKey := range d.Dependents {
		t, ok := w.state.tasks[taskKey]
		if !ok {
			continue
		}
		if t.ReceiveDependency(d.Key) && t.State == task.Waiting {
			t.State = task.Ready
			w.state.ready.Push(t)
			w.popDataNeededLocked(taskKey)
		}
	}
}

// onDataArrivedLocked handles a value landing in the store by a route
// other than gather: scatter (update_data) or local execution. It covers
// both the dependency waiting->memory transition and the task
// waiting/ready -> memory race.
func (w *Worker) onDataArrivedLocked(key string) {
	if d, ok := w.state.deps[key]; ok && d.State == dependency.Waiting {
		d.State = dependency.Memory
		w.notifyDependentsLocked(d)
	}

	if t, ok := w.state.tasks[key]; ok {
		switch t.State {
		case task.Waiting, task.Ready:
			if t.State == task.Ready {
				w.state.ready.Remove(t)
			}
			t.State = task.Memory
			value, _ := w.state.store.Get(key)
			w.sendTaskFinishedLocked(t)
			t.Settle(task.Result{OK: true, Value: value})
		}
	}
}

// missingDepRecovery asks the scheduler who_has, releases deps it cannot
// locate, and poisons deps past the suspicion threshold.
func (w *Worker) missingDepRecovery(d *dependency.Dependency) {
	req := transport.WithOp("who_has", map[string]interface{}{
		"keys": []interface{}{d.Key},
	})
	reply, err := w.rpc.Call(w.cfg.SchedulerAddr, req)

	w.state.mu.Lock()
	defer w.state.mu.Unlock()

	current, ok := w.state.deps[d.Key]
	if !ok {
		return
	}

	var addrs []string
	if err == nil {
		addrs = stringSliceField(reply, d.Key)
		if addrs == nil {
			if raw, ok := reply[d.Key].([]interface{}); ok {
				for _, a := range raw {
					if s, ok := a.(string); ok {
						addrs = append(addrs, s)
					}
				}
			}
		}
	}

	if len(addrs) > 0 {
		for _, a := range addrs {
			if addr, err := address.Parse(a); err == nil {
				w.state.addWhoHas(current.Key, addr)
			}
		}
		current.Suspicion = 0
		return
	}

	if current.Poisoned() {
		w.rec.DependencyPoisoned()
		w.poisonDependencyLocked(current)
		return
	}

	w.releaseDependencyLocked(current)
}

// poisonDependencyLocked fails every dependent task with a synthetic
// DependencyPoisoned error and releases the dependency.
func (w *Worker) poisonDependencyLocked(d *dependency.Dependency) {
	for taskKey := range d.Dependents {
		t, ok := w.state.tasks[taskKey]
		if !ok {
			continue
		}
		if t.State == task.Ready {
			w.state.ready.Remove(t)
		}
		if t.State == task.Executing {
			delete(w.state.executing, taskKey)
		}
		t.State = task.Memory
		w.sendTaskErredLocked(t, ErrDependencyPoisoned.Error(), "dependency poisoned after repeated suspicion")
		t.Settle(task.Result{OK: false, Exception: ErrDependencyPoisoned.Error()})
		delete(w.state.tasks, taskKey)
	}
	w.releaseDependencyLocked(d)
}

// releaseDependencyLocked drops a dependency the scheduler could not
// locate, also releasing (and thereby reporting) its dependent tasks.
func (w *Worker) releaseDependencyLocked(d *dependency.Dependency) {
	for addr := range w.state.whoHas[d.Key] {
		w.state.removeWhoHas(d.Key, addr)
	}
	delete(w.state.deps, d.Key)
	w.state.store.Delete(d.Key)
}

// ensureComputing drains the ready queue into the executor, re-invoking
// both loops on every completion.
func (w *Worker) ensureComputing() {
	for {
		w.state.mu.Lock()
		t := w.state.ready.Pop()
		if t == nil {
			w.state.mu.Unlock()
			return
		}
		t.State = task.Executing
		w.state.executing[t.Key] = t
		w.state.mu.Unlock()

		go w.execute(t)
	}
}

// execute runs t's computation asynchronously and feeds the outcome back
// through the single state mutator: fire-and-forget tasks must still
// funnel completion back through the guarded state.
func (w *Worker) execute(t *task.Task) {
	var result task.Result
	if w.executor == nil {
		result = task.Result{OK: false, Exception: "no executor configured"}
	} else {
		args, argsErr := resolvePlaceholders(t.Args, w.state.store)
		kwargs, kwargsErr := resolvePlaceholders(t.Kwargs, w.state.store)
		if argsErr != nil || kwargsErr != nil {
			result = task.Result{OK: false, Exception: ErrDeserializationFail.Error()}
		} else {
			res := w.executor(t.Func, args, kwargs)
			result = task.Result{OK: res.OK, Value: res.Value, Exception: res.Exception, Traceback: res.Traceback}
		}
	}

	w.state.mu.Lock()
	defer w.state.mu.Unlock()

	// release-task may have tombstoned this key while it was executing;
	// a present-check here is the cancellation guard.
	current, ok := w.state.executing[t.Key]
	if !ok || current != t {
		return
	}
	delete(w.state.executing, t.Key)
	t.State = task.Memory

	if result.OK {
		w.state.store.Put(t.Key, result.Value)
		w.sendTaskFinishedLocked(t)
	} else {
		w.sendTaskErredLocked(t, result.Exception, result.Traceback)
	}
	t.Settle(result)

	go w.ensureComputing()
	go w.ensureCommunicating()
}

func (w *Worker) sendTaskFinishedLocked(t *task.Task) {
	w.rec.TaskState(task.Memory.String(), 1)
	stream := w.session.Stream()
	if stream == nil {
		return
	}
	_ = stream.Send(transport.WithOp("task-finished", map[string]interface{}{
		"key":    t.Key,
		"status": "OK",
		"nbytes": w.state.store.NBytes(t.Key),
	}))
}

func (w *Worker) sendTaskErredLocked(t *task.Task, exception, traceback string) {
	stream := w.session.Stream()
	if stream == nil {
		return
	}
	_ = stream.Send(transport.WithOp("task-erred", map[string]interface{}{
		"key":       t.Key,
		"exception": exception,
		"traceback": traceback,
	}))
}
