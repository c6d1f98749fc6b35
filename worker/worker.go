// Package worker implements the worker runtime: the listener, handler
// table, and top-level coordination of the gather, task/dependency state
// machines, and scheduler session underneath it.
package worker

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/config"
	"github.com/jabolina/dask-worker/logging"
	"github.com/jabolina/dask-worker/metrics"
	"github.com/jabolina/dask-worker/pool"
	"github.com/jabolina/dask-worker/rpcclient"
	"github.com/jabolina/dask-worker/session"
	"github.com/jabolina/dask-worker/store"
	"github.com/jabolina/dask-worker/transport"
)

// Worker is a single node participating in the Dask scheduling protocol.
type Worker struct {
	cfg      config.Config
	log      logging.Logger
	rec      metrics.Recorder
	executor config.Executor

	state   *state
	pool    *pool.Pool
	rpc     *rpcclient.Client
	session *session.Session

	listener net.Listener

	wg         sync.WaitGroup
	closeOnce  sync.Once
	shutdownCh chan struct{}
}

// New constructs a Worker from cfg. The worker is not listening or
// registered with the scheduler until Start is called.
func New(cfg config.Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Noop()
	}

	p := pool.New(cfg.TotalConnections, pool.DefaultMaxPerAddress)
	rpc := rpcclient.New(p)

	return &Worker{
		cfg:        cfg,
		log:        log.WithField("worker", cfg.ListenAddr.String()),
		rec:        rec,
		executor:   cfg.Executor,
		state:      newState(store.New()),
		pool:       p,
		rpc:        rpc,
		session:    session.New(cfg.ListenAddr, cfg.SchedulerAddr, rpc, log),
		shutdownCh: make(chan struct{}),
	}
}

// Start opens the listener, registers with the scheduler, and begins
// accepting connections. Registration failure is a hard failure.
func (w *Worker) Start() error {
	ln, err := net.Listen("tcp", w.cfg.ListenAddr.HostPort())
	if err != nil {
		return fmt.Errorf("worker: listen on %s: %w", w.cfg.ListenAddr, err)
	}
	w.listener = ln

	payload := session.RegisterPayload{
		Address:     w.cfg.ListenAddr.String(),
		NCores:      w.cfg.NCores,
		Keys:        w.state.store.Keys(),
		MemoryLimit: w.cfg.MemoryLimit,
		Now:         float64(time.Now().Unix()),
	}
	if err := w.session.Register(payload); err != nil {
		_ = ln.Close()
		return err
	}

	streamConn, err := transport.Dial(w.cfg.SchedulerAddr.HostPort())
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("worker: open compute-stream to scheduler: %w", err)
	}
	if err := streamConn.Write(transport.WithOp("compute-stream", map[string]interface{}{
		"address": w.cfg.ListenAddr.String(),
	})); err != nil {
		_ = streamConn.Close()
		_ = ln.Close()
		return fmt.Errorf("worker: compute-stream handshake: %w", err)
	}
	stream := w.session.OpenStream(streamConn, w.cfg.BatchInterval)
	stream.OnError(func(err error) {
		w.log.Warnf("worker: scheduler compute-stream lost: %v", err)
		go w.Shutdown(false)
	})

	w.wg.Add(1)
	go w.acceptLoop()
	return nil
}

func (w *Worker) acceptLoop() {
	defer w.wg.Done()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.shutdownCh:
				return
			default:
				w.log.Warnf("worker: accept failed: %v", err)
				return
			}
		}
		w.wg.Add(1)
		go w.handleConnection(transport.NewConn(conn))
	}
}

// Addr returns the worker's own listen address.
func (w *Worker) Addr() address.Address {
	return w.cfg.ListenAddr
}

// Shutdown stops accepting connections, unregisters from the scheduler
// unless report is false, and closes the connection pool.
func (w *Worker) Shutdown(report bool) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.shutdownCh)
		if w.listener != nil {
			_ = w.listener.Close()
		}
		err = w.session.Close(report)
		_ = w.pool.Close()
		w.log.Infof("Stopping worker at %s", w.cfg.ListenAddr)
		w.wg.Wait()
	})
	return err
}
