// Package task implements the per-task state machine and the priority
// queue tasks wait in once ready.
package task

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Priority is the scheduler-assigned ordering tuple with the
// priority_counter inserted at index 2. Smaller tuples win; trailing
// elements beyond the counter are opaque further tie-breakers (see
// DESIGN.md).
type Priority []int64

// priorityCounter backs the monotonically decreasing priority_counter
// inserted into every task's priority tuple at add-task time, so that
// among tasks tied on the scheduler-assigned prefix, the one added later
// sorts first.
var priorityCounter int64

func nextPriorityCounter() int64 {
	return atomic.AddInt64(&priorityCounter, -1)
}

// withPriorityCounter inserts the next priority_counter value at index 2
// of a scheduler-supplied priority tuple, shifting any further elements
// right. A tuple shorter than 2 elements keeps what it has and gets the
// counter appended.
func withPriorityCounter(scheduler Priority) Priority {
	head := scheduler
	if len(head) > 2 {
		head = head[:2]
	}
	out := make(Priority, 0, len(scheduler)+1)
	out = append(out, head...)
	out = append(out, nextPriorityCounter())
	if len(scheduler) > 2 {
		out = append(out, scheduler[2:]...)
	}
	return out
}

// Less compares two priority tuples lexicographically, shorter-is-smaller
// on a shared prefix.
func (p Priority) Less(other Priority) bool {
	for i := 0; i < len(p) && i < len(other); i++ {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return len(p) < len(other)
}

// Result is what the executor hands back for a completed task.
type Result struct {
	OK        bool
	Value     []byte
	Exception string
	Traceback string
}

// Task is a single unit of work.
type Task struct {
	Key      string
	Func     []byte
	Args     []byte
	Kwargs   []byte
	Priority Priority

	State State

	// Deps is the full set of dependency keys this task needs.
	Deps map[string]struct{}
	// WaitingForData is the subset of Deps not yet in memory.
	WaitingForData map[string]struct{}

	// Future, if non-nil, is settled exactly once when the task reaches
	// Memory or is failed with an error. Purely in-process; never
	// serialized across a wire (see DESIGN.md).
	Future chan Result

	// index is the task's position in the ReadyQueue heap, maintained by
	// pqHeap; -1 once popped.
	index int
}

// NewTask constructs a task in Waiting state, or Ready immediately if
// waitingFor (the subset of deps not already in the data store) is empty.
// deps is the task's full dependency set; waitingFor must be a subset.
// priority is the raw scheduler-supplied tuple; NewTask inserts the
// priority_counter itself so callers never assign one directly.
func NewTask(key string, fn, args, kwargs []byte, priority Priority, deps, waitingFor []string) *Task {
	t := &Task{
		Key:            key,
		Func:           fn,
		Args:           args,
		Kwargs:         kwargs,
		Priority:       withPriorityCounter(priority),
		State:          Waiting,
		Deps:           make(map[string]struct{}, len(deps)),
		WaitingForData: make(map[string]struct{}, len(waitingFor)),
	}
	for _, d := range deps {
		t.Deps[d] = struct{}{}
	}
	for _, d := range waitingFor {
		t.WaitingForData[d] = struct{}{}
	}
	if len(t.WaitingForData) == 0 {
		t.State = Ready
	}
	return t
}

// ReceiveDependency drops dep from WaitingForData, returning true if the
// task is now fully satisfied (ready to leave Waiting).
func (t *Task) ReceiveDependency(dep string) bool {
	delete(t.WaitingForData, dep)
	return len(t.WaitingForData) == 0
}

// pqHeap is a container/heap.Interface ordering tasks by Priority.
type pqHeap []*Task

func (h pqHeap) Len() int            { return len(h) }
func (h pqHeap) Less(i, j int) bool  { return h[i].Priority.Less(h[j].Priority) }
func (h pqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pqHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *pqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ReadyQueue is the concurrency-safe priority queue ready tasks are
// enqueued into, drained by the executor-dispatch loop.
type ReadyQueue struct {
	mu sync.Mutex
	h  pqHeap
}

// NewReadyQueue builds an empty queue.
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{h: pqHeap{}}
}

// Push enqueues t, which must already be in State Ready.
func (q *ReadyQueue) Push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, t)
}

// Pop removes and returns the task with the smallest priority tuple (the
// one that runs first), or nil if empty.
func (q *ReadyQueue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Task)
}

// Remove drops t from the queue if present, used by release-task cancelling
// a task that is still Ready.
func (q *ReadyQueue) Remove(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 || t.index >= len(q.h) {
		return
	}
	heap.Remove(&q.h, t.index)
}

// Len reports the number of ready tasks currently queued.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
