package worker

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	"github.com/jabolina/dask-worker/config"
	"github.com/jabolina/dask-worker/internal/testutil"
	"github.com/jabolina/dask-worker/transport"
)

var errBoom = errors.New("boom: deliberate failure")

// startWorker wires a Worker against sched with reg as its function table,
// and returns it already listening and registered, plus a teardown.
func startWorker(t *testing.T, sched *testutil.FakeScheduler, reg Registry) (*Worker, func()) {
	t.Helper()
	addr, err := testutil.FreeAddr()
	if err != nil {
		t.Fatalf("free addr: %v", err)
	}
	cfg := config.New(addr, sched.Addr(), config.WithExecutor(reg.Executor()))
	w := New(cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w, func() {
		_ = w.Shutdown(true)
	}
}

// pushComputeTask dials addr as a scheduler would, switches the connection
// into compute-stream mode, and pushes one compute-task message.
func pushComputeTask(t *testing.T, w *Worker, msg transport.Message) {
	t.Helper()
	conn, err := testutil.DialTimeout(w.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	defer conn.Close()
	if err := conn.Write(transport.WithOp("compute-stream", nil)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := conn.Write(msg); err != nil {
		t.Fatalf("push compute-task: %v", err)
	}
}

func mustPack(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return b
}

// Test_SingleTaskComputesAndReports covers the basic path: a
// dependency-free compute-task executes and reports task-finished.
func Test_SingleTaskComputesAndReports(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	reg := Registry{
		"sum": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			var total int64
			for _, a := range args {
				if n, ok := a.(int64); ok {
					total += n
				}
			}
			return total, nil
		},
	}
	w, teardown := startWorker(t, sched, reg)
	defer teardown()

	pushComputeTask(t, w, transport.WithOp("compute-task", map[string]interface{}{
		"key":      "sum-1",
		"func":     []byte("sum"),
		"args":     mustPack(t, []interface{}{int64(2), int64(3)}),
		"priority": []interface{}{int64(1), int64(0)},
		"who_has":  map[string]interface{}{},
	}))

	msg, ok := sched.WaitFor("task-finished", 3*time.Second)
	if !ok {
		t.Fatal("task-finished never reported")
	}
	if key, _ := msg["key"].(string); key != "sum-1" {
		t.Errorf("task-finished for wrong key: %v", msg)
	}
}

// Test_ErrorPathReportsTaskErred covers a function returning an error
// reporting task-erred, not task-finished.
func Test_ErrorPathReportsTaskErred(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	reg := Registry{
		"boom": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return nil, errBoom
		},
	}
	w, teardown := startWorker(t, sched, reg)
	defer teardown()

	pushComputeTask(t, w, transport.WithOp("compute-task", map[string]interface{}{
		"key":      "boom-1",
		"func":     []byte("boom"),
		"priority": []interface{}{int64(1), int64(0)},
		"who_has":  map[string]interface{}{},
	}))

	msg, ok := sched.WaitFor("task-erred", 3*time.Second)
	if !ok {
		t.Fatal("task-erred never reported")
	}
	if exc, _ := msg["exception"].(string); exc != errBoom.Error() {
		t.Errorf("unexpected exception: %v", msg)
	}
}

// Test_DeserializationFailureNeverEntersWaiting covers a compute-task
// with no func payload erring immediately, the task never showing up in
// any later resubmission as already-seen.
func Test_DeserializationFailureNeverEntersWaiting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	w, teardown := startWorker(t, sched, Registry{})
	defer teardown()

	pushComputeTask(t, w, transport.WithOp("compute-task", map[string]interface{}{
		"key":     "malformed-1",
		"who_has": map[string]interface{}{},
	}))

	msg, ok := sched.WaitFor("task-erred", 3*time.Second)
	if !ok {
		t.Fatal("task-erred never reported for malformed task")
	}
	if exc, _ := msg["exception"].(string); exc != ErrDeserializationFail.Error() {
		t.Errorf("unexpected exception: %v", msg)
	}

	w.state.mu.Lock()
	_, tracked := w.state.tasks["malformed-1"]
	w.state.mu.Unlock()
	if tracked {
		t.Error("malformed task must never enter the tasks table")
	}
}

// Test_ResubmissionOfMemoryTaskEchoesWithoutRecompute covers resubmitting
// an already-memory key replying task-finished without invoking the
// executor again.
func Test_ResubmissionOfMemoryTaskEchoesWithoutRecompute(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	var calls int32
	reg := Registry{
		"once": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return int64(1), nil
		},
	}
	w, teardown := startWorker(t, sched, reg)
	defer teardown()

	task := transport.WithOp("compute-task", map[string]interface{}{
		"key":      "once-1",
		"func":     []byte("once"),
		"priority": []interface{}{int64(1), int64(0)},
		"who_has":  map[string]interface{}{},
	})

	pushComputeTask(t, w, task)
	if _, ok := sched.WaitFor("task-finished", 3*time.Second); !ok {
		t.Fatal("first compute-task never finished")
	}

	pushComputeTask(t, w, task)
	if !testutil.WaitThisOrTimeout(func() {
		for atomic.LoadInt32(&calls) < 1 {
			time.Sleep(time.Millisecond)
		}
	}, 3*time.Second) {
		t.Fatal("timed out waiting for initial execution count")
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("executor ran %d times, want exactly 1 on resubmission", got)
	}
}

// Test_MissingPeersPoisonDependencyAfterThreshold covers a dependency
// whose every known peer is unreachable, and whose owning scheduler has
// no replacement, being poisoned once suspicion exceeds
// SuspicionThreshold, failing every dependent task.
func Test_MissingPeersPoisonDependencyAfterThreshold(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	w, teardown := startWorker(t, sched, Registry{})
	defer teardown()

	// Four distinct unreachable peers: exactly enough to cross the
	// suspicion threshold (SuspicionThreshold=3, poisoned on the 4th
	// failure), per dependency.Poisoned's Suspicion > 3 rule.
	badPeers := make([]interface{}, 0, 4)
	for i := 0; i < 4; i++ {
		addr, err := testutil.FreeAddr()
		if err != nil {
			t.Fatalf("free addr: %v", err)
		}
		badPeers = append(badPeers, addr.String())
	}

	pushComputeTask(t, w, transport.WithOp("compute-task", map[string]interface{}{
		"key":      "needs-ghost",
		"func":     []byte("noop"),
		"priority": []interface{}{int64(1), int64(0)},
		"who_has": map[string]interface{}{
			"ghost-key": badPeers,
		},
	}))

	msg, ok := sched.WaitFor("task-erred", 10*time.Second)
	if !ok {
		t.Fatal("dependent task was never reported erred after dependency poisoning")
	}
	if exc, _ := msg["exception"].(string); exc != ErrDependencyPoisoned.Error() {
		t.Errorf("unexpected exception, want dependency-poisoned: %v", msg)
	}
}

// Test_ReleaseCancelsReadyTask covers releasing
// a task still tracked (whether it is still Ready or has already moved to
// Executing) drops it from the tasks table, and a late executor result for
// it is discarded by the presence-guard in execute rather than reported.
func Test_ReleaseCancelsReadyTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	released := false
	reg := Registry{
		"slow": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			<-gate
			return int64(1), nil
		},
	}
	w, teardown := startWorker(t, sched, reg)
	defer teardown()

	conn, err := testutil.DialTimeout(w.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Write(transport.WithOp("compute-stream", nil))

	// ensureComputing has no slot limit, so slow-2 may already be
	// Executing (blocked on gate) when the release arrives; either way
	// the release must drop it from the tasks table.
	_ = conn.Write(transport.WithOp("compute-task", map[string]interface{}{
		"key":      "slow-1",
		"func":     []byte("slow"),
		"priority": []interface{}{int64(0), int64(0)},
		"who_has":  map[string]interface{}{},
	}))
	_ = conn.Write(transport.WithOp("compute-task", map[string]interface{}{
		"key":      "slow-2",
		"func":     []byte("slow"),
		"priority": []interface{}{int64(1), int64(0)},
		"who_has":  map[string]interface{}{},
	}))
	_ = conn.Write(transport.WithOp("release-task", map[string]interface{}{
		"key":    "slow-2",
		"reason": "cancelled",
	}))

	time.Sleep(100 * time.Millisecond)
	w.state.mu.Lock()
	_, stillTracked := w.state.tasks["slow-2"]
	w.state.mu.Unlock()
	mu.Lock()
	released = !stillTracked
	mu.Unlock()
	if !released {
		t.Error("released task is still tracked")
	}

	close(gate)
	time.Sleep(50 * time.Millisecond)
	_ = conn.Close()
}

// Test_CleanCloseOfComputeStreamDoesNotShutDownWorker covers the ordinary
// case: a pushed connection closing normally after a complete message is
// not a lost transport and must not shut the worker down.
func Test_CleanCloseOfComputeStreamDoesNotShutDownWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	w, teardown := startWorker(t, sched, Registry{})
	defer teardown()

	pushComputeTask(t, w, transport.WithOp("compute-task", map[string]interface{}{
		"key":     "after-close-1",
		"who_has": map[string]interface{}{},
	}))

	select {
	case <-w.shutdownCh:
		t.Fatal("worker shut down after an ordinary compute-stream close")
	case <-time.After(200 * time.Millisecond):
	}
}

// Test_TruncatedComputeStreamTriggersShutdown covers the scheduler
// connection breaking mid-op: the worker must log it and shut itself down
// rather than keep running unable to receive tasks or report completions.
func Test_TruncatedComputeStreamTriggersShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sched, err := testutil.NewFakeScheduler()
	if err != nil {
		t.Fatalf("fake scheduler: %v", err)
	}
	defer sched.Close()

	w, teardown := startWorker(t, sched, Registry{})
	defer teardown()

	rawConn, err := net.Dial("tcp", w.Addr().HostPort())
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	tc := transport.NewConn(rawConn)
	if err := tc.Write(transport.WithOp("compute-stream", nil)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	// Write half of the next frame-group's length header, then sever the
	// connection: a break mid-frame, not an ordinary close.
	if _, err := rawConn.Write([]byte{0, 0}); err != nil {
		t.Fatalf("write partial frame: %v", err)
	}
	_ = rawConn.Close()

	select {
	case <-w.shutdownCh:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not shut down after its compute-stream connection broke mid-op")
	}
}
