// Package config builds the functional-option worker configuration.
package config

import (
	"time"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/logging"
	"github.com/jabolina/dask-worker/metrics"
)

// DefaultTotalConnections bounds concurrent peer fetches.
const DefaultTotalConnections = 50

// DefaultBatchInterval is the batched-sender coalescing window.
const DefaultBatchInterval = 2 * time.Millisecond

// Executor runs a deserialized (func, args, kwargs) and produces a result.
type Executor func(fn, args, kwargs []byte) Result

// Result mirrors task.Result but is declared here too so this package does
// not need to import task, keeping the dependency graph a DAG rooted at
// config.
type Result struct {
	OK        bool
	Value     []byte
	Exception string
	Traceback string
}

// Config holds every tunable the worker runtime needs.
type Config struct {
	ListenAddr       address.Address
	SchedulerAddr    address.Address
	TotalConnections int
	BatchInterval    time.Duration
	Logger           logging.Logger
	Metrics          metrics.Recorder
	Executor         Executor
	NCores           int
	MemoryLimit      int64
}

// Option mutates a Config during construction.
type Option func(*Config)

// New builds a Config with sane defaults, applying opts in order.
func New(listen, scheduler address.Address, opts ...Option) Config {
	c := Config{
		ListenAddr:       listen,
		SchedulerAddr:    scheduler,
		TotalConnections: DefaultTotalConnections,
		BatchInterval:    DefaultBatchInterval,
		Logger:           logging.NewDefault(),
		Metrics:          metrics.Noop(),
		NCores:           1,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithTotalConnections(n int) Option {
	return func(c *Config) { c.TotalConnections = n }
}

func WithBatchInterval(d time.Duration) Option {
	return func(c *Config) { c.BatchInterval = d }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Config) { c.Metrics = m }
}

func WithExecutor(e Executor) Option {
	return func(c *Config) { c.Executor = e }
}

func WithNCores(n int) Option {
	return func(c *Config) { c.NCores = n }
}

func WithMemoryLimit(bytes int64) Option {
	return func(c *Config) { c.MemoryLimit = bytes }
}

// WithSchedulerAddress overrides the scheduler address passed positionally
// to New, for callers building a Config incrementally through options.
func WithSchedulerAddress(a address.Address) Option {
	return func(c *Config) { c.SchedulerAddr = a }
}
