// Command dask-worker runs a single worker node against a Dask-protocol
// scheduler. It has no functionality beyond flag parsing and wiring:
// every behavior lives in package worker.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/config"
	"github.com/jabolina/dask-worker/logging"
	"github.com/jabolina/dask-worker/metrics"
	"github.com/jabolina/dask-worker/worker"
)

func main() {
	listen := flag.String("listen", "tcp://0.0.0.0:0", "address this worker listens on")
	scheduler := flag.String("scheduler", "", "scheduler address to register with")
	totalConnections := flag.Int("total-connections", config.DefaultTotalConnections, "max concurrent peer connections")
	batchInterval := flag.Duration("batch-interval", config.DefaultBatchInterval, "batched-sender coalescing window")
	nCores := flag.Int("ncores", 1, "cores advertised to the scheduler at register time")
	memoryLimit := flag.Int64("memory-limit", 0, "memory limit in bytes advertised at register time, 0 for unbounded")
	flag.Parse()

	log := logging.NewDefault()

	if *scheduler == "" {
		fmt.Fprintln(os.Stderr, "dask-worker: -scheduler is required")
		os.Exit(2)
	}

	listenAddr, err := address.Parse(*listen)
	if err != nil {
		log.Errorf("dask-worker: bad -listen address: %v", err)
		os.Exit(1)
	}
	schedulerAddr, err := address.Parse(*scheduler)
	if err != nil {
		log.Errorf("dask-worker: bad -scheduler address: %v", err)
		os.Exit(1)
	}

	cfg := config.New(listenAddr, schedulerAddr,
		config.WithTotalConnections(*totalConnections),
		config.WithBatchInterval(*batchInterval),
		config.WithLogger(log),
		config.WithMetrics(metrics.NewPrometheus(prometheus.DefaultRegisterer)),
		config.WithNCores(*nCores),
		config.WithMemoryLimit(*memoryLimit),
		config.WithExecutor(worker.Registry{}.Executor()),
	)

	w := worker.New(cfg)
	if err := w.Start(); err != nil {
		log.Errorf("dask-worker: start failed: %v", err)
		os.Exit(1)
	}
	log.Infof("dask-worker: listening at %s, registered with %s", w.Addr(), schedulerAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownStart := time.Now()
	if err := w.Shutdown(true); err != nil {
		log.Warnf("dask-worker: shutdown reported: %v", err)
	}
	log.Infof("dask-worker: shutdown complete in %s", time.Since(shutdownStart))
}
