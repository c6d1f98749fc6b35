package worker

import (
	"errors"
	"io"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/dependency"
	"github.com/jabolina/dask-worker/gather"
	"github.com/jabolina/dask-worker/task"
	"github.com/jabolina/dask-worker/transport"
)

// handleConnection drives one accepted connection: request/reply mode
// until a "compute-stream" op switches it into pushed-sequence mode.
func (w *Worker) handleConnection(conn *transport.Conn) {
	defer w.wg.Done()
	defer conn.Close()

	computeStream := false
	for {
		batch, err := conn.ReadBatch()
		if err != nil {
			if !computeStream {
				return
			}
			if errors.Is(err, io.EOF) {
				w.log.Infof("worker: compute-stream connection closed")
				return
			}
			// A clean EOF is a graceful close; anything else here is the
			// scheduler's push connection breaking mid-op, which leaves
			// the worker unable to receive further tasks or report
			// completions.
			w.log.Warnf("worker: compute-stream connection lost: %v", err)
			go w.Shutdown(false)
			return
		}

		for _, msg := range batch {
			if computeStream {
				w.dispatchComputeStream(msg)
				continue
			}
			if msg.Op() == "compute-stream" {
				computeStream = true
				continue
			}
			reply, shouldReply, closeAfter := w.dispatchRequest(msg)
			if shouldReply {
				if err := conn.Write(reply); err != nil {
					w.log.Warnf("worker: reply failed: %v", err)
					return
				}
			}
			if closeAfter {
				return
			}
		}
	}
}

// dispatchRequest implements the request/reply handler table. Replies
// are only sent when the request carries reply=true, except for
// get_data/gather/update_data/keys/terminate, which always reply, and
// delete_data, which never does.
func (w *Worker) dispatchRequest(msg transport.Message) (reply transport.Message, shouldReply, closeAfter bool) {
	switch msg.Op() {
	case "get_data":
		return w.handleGetData(msg), true, false
	case "gather":
		return w.handleGather(msg), true, false
	case "update_data":
		return w.handleUpdateData(msg), true, false
	case "delete_data":
		w.handleDeleteData(msg)
		return nil, false, false
	case "terminate":
		go w.Shutdown(boolField(msg, "report", true))
		return transport.Message{"status": "OK"}, true, true
	case "keys":
		return transport.Message{"keys": w.state.store.Keys()}, true, false
	case "close":
		r := boolField(msg, "reply", false)
		if r {
			return transport.Message{"status": "OK"}, true, true
		}
		return nil, false, true
	default:
		w.log.Warnf("worker: protocol violation, unknown op %q", msg.Op())
		return nil, false, false
	}
}

func (w *Worker) handleGetData(msg transport.Message) transport.Message {
	keys := stringSliceField(msg, "keys")
	values := w.state.store.GetMany(keys)
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return transport.Message(out)
}

// handleGather answers a peer's request that this worker go fetch a set of
// keys on its behalf, from the addresses it was told hold them.
func (w *Worker) handleGather(msg transport.Message) transport.Message {
	whoHasRaw, _ := msg["who_has"].(map[string]interface{})

	need := make(map[string][]address.Address)
	for key, rawAddrs := range whoHasRaw {
		if w.state.store.Has(key) {
			continue
		}
		addrs, ok := rawAddrs.([]interface{})
		if !ok {
			continue
		}
		for _, a := range addrs {
			if s, ok := a.(string); ok {
				if addr, err := address.Parse(s); err == nil {
					need[key] = append(need[key], addr)
				}
			}
		}
	}

	if len(need) == 0 {
		return transport.Message{"status": "OK"}
	}

	result := gather.Run(need, w.fetchFromPeer, w.rec, w.log)
	for key, value := range result.Values {
		w.state.store.Put(key, value)
	}
	if len(result.BadKeys) > 0 {
		return transport.Message{"status": "missing-data", "keys": result.BadKeys}
	}
	return transport.Message{"status": "OK"}
}

func (w *Worker) handleUpdateData(msg transport.Message) transport.Message {
	data, _ := msg["data"].(map[string]interface{})
	nbytes := 0

	w.state.mu.Lock()
	for key, raw := range data {
		value := toBytes(raw)
		w.state.store.Put(key, value)
		nbytes += len(value)
		w.onDataArrivedLocked(key)
	}
	w.state.mu.Unlock()

	go w.ensureComputing()
	go w.ensureCommunicating()

	return transport.Message{"status": "OK", "nbytes": nbytes}
}

func (w *Worker) handleDeleteData(msg transport.Message) {
	keys := stringSliceField(msg, "keys")
	for _, key := range keys {
		w.state.store.Delete(key)
	}
}

// dispatchComputeStream routes a pushed message once a connection has
// switched into compute-stream mode.
func (w *Worker) dispatchComputeStream(msg transport.Message) {
	switch msg.Op() {
	case "compute-task":
		w.handleComputeTask(msg)
	case "release-task":
		w.handleReleaseTask(msg)
	case "delete-data":
		w.handleDeleteData(msg)
	default:
		w.log.Warnf("worker: protocol violation on compute-stream, unknown op %q", msg.Op())
	}
}

// handleComputeTask implements compute-task: task/dependency creation
// plus the DeserializationFailed error path.
func (w *Worker) handleComputeTask(msg transport.Message) {
	key, _ := msg["key"].(string)
	if key == "" {
		w.log.Errorf("worker: compute-task missing key")
		return
	}
	fn := toBytes(msg["func"])
	args := toBytes(msg["args"])
	kwargs := toBytes(msg["kwargs"])
	priority := priorityField(msg, "priority")
	whoHasRaw, _ := msg["who_has"].(map[string]interface{})

	if len(fn) == 0 {
		// Malformed payload: the task never enters waiting, an
		// erred reply goes straight back.
		w.state.mu.Lock()
		stream := w.session.Stream()
		w.state.mu.Unlock()
		if stream != nil {
			_ = stream.Send(transport.WithOp("task-erred", map[string]interface{}{
				"key":       key,
				"exception": ErrDeserializationFail.Error(),
				"traceback": "compute-task carried no func payload",
			}))
		}
		return
	}

	w.state.mu.Lock()
	defer w.state.mu.Unlock()

	if existing, ok := w.state.tasks[key]; ok && existing.State == task.Memory {
		// Resubmission of an already-memory key: echo task-finished
		// without re-executing.
		w.sendTaskFinishedLocked(existing)
		return
	}

	var deps, waitingFor []string
	for dep := range whoHasRaw {
		deps = append(deps, dep)
		if !w.state.store.Has(dep) {
			waitingFor = append(waitingFor, dep)
		}
	}

	t := task.NewTask(key, fn, args, kwargs, priority, deps, waitingFor)
	w.state.tasks[key] = t

	for _, dep := range deps {
		d, ok := w.state.deps[dep]
		if !ok {
			d = dependency.New(dep)
			w.state.deps[dep] = d
		}
		d.AddDependent(key)
		if addrsRaw, ok := whoHasRaw[dep].([]interface{}); ok {
			for _, a := range addrsRaw {
				if addrStr, ok := a.(string); ok {
					if addr, err := address.Parse(addrStr); err == nil {
						w.state.addWhoHas(dep, addr)
					}
				}
			}
		}
	}

	switch t.State {
	case task.Ready:
		w.state.ready.Push(t)
	case task.Waiting:
		w.addDataNeededLocked(key)
	}

	go w.ensureCommunicating()
	go w.ensureComputing()
}

// handleReleaseTask implements release-task: authoritative cancellation
// from any state, with a "stolen" carve-out that no-ops while a task is
// already executing or in memory.
func (w *Worker) handleReleaseTask(msg transport.Message) {
	key, _ := msg["key"].(string)
	reason, _ := msg["reason"].(string)

	w.state.mu.Lock()
	defer w.state.mu.Unlock()

	t, ok := w.state.tasks[key]
	if !ok {
		return
	}

	if reason == "stolen" && (t.State == task.Executing || t.State == task.Memory) {
		return
	}

	if t.State == task.Ready {
		w.state.ready.Remove(t)
	}
	if t.State == task.Executing {
		delete(w.state.executing, key)
	}

	t.State = task.Released
	delete(w.state.tasks, key)
	w.releaseOrphanedDepsLocked(t)
}

// releaseOrphanedDepsLocked cascades: releasing a task that no other task
// depends on releases its now-orphaned dependencies too.
func (w *Worker) releaseOrphanedDepsLocked(t *task.Task) {
	for depKey := range t.Deps {
		d, ok := w.state.deps[depKey]
		if !ok {
			continue
		}
		delete(d.Dependents, t.Key)
		if len(d.Dependents) == 0 {
			for addr := range w.state.whoHas[depKey] {
				w.state.removeWhoHas(depKey, addr)
			}
			delete(w.state.deps, depKey)
			w.state.store.Delete(depKey)
		}
	}
}

func boolField(msg transport.Message, field string, def bool) bool {
	if v, ok := msg[field].(bool); ok {
		return v
	}
	return def
}

func stringSliceField(msg transport.Message, field string) []string {
	raw, _ := msg[field].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// priorityField decodes the raw scheduler-assigned priority tuple as-is;
// task.NewTask is what inserts the priority_counter before the task is
// ever compared against another.
func priorityField(msg transport.Message, field string) task.Priority {
	raw, _ := msg[field].([]interface{})
	out := make(task.Priority, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case int64:
			out = append(out, n)
		case int8:
			out = append(out, int64(n))
		case int:
			out = append(out, int64(n))
		case uint64:
			out = append(out, int64(n))
		case float64:
			out = append(out, int64(n))
		}
	}
	return out
}

func toBytes(v interface{}) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}
