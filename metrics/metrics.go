// Package metrics instruments the worker with prometheus counters and
// gauges. A worker built without a registry uses a no-op Recorder.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the narrow instrumentation surface the rest of the worker
// depends on.
type Recorder interface {
	GatherRound()
	InFlightWorkers(n int)
	TaskState(state string, delta int)
	DependencyPoisoned()
}

type promRecorder struct {
	gatherRounds     prometheus.Counter
	inFlightWorkers  prometheus.Gauge
	tasksByState     *prometheus.GaugeVec
	depsPoisoned     prometheus.Counter
}

// NewPrometheus registers and returns a Recorder against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests.
func NewPrometheus(reg prometheus.Registerer) Recorder {
	r := &promRecorder{
		gatherRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dask_worker_gather_rounds_total",
			Help: "Number of multi-peer gather rounds executed.",
		}),
		inFlightWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dask_worker_in_flight_workers",
			Help: "Number of peers currently being fetched from.",
		}),
		tasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dask_worker_tasks_by_state",
			Help: "Number of tasks currently in each state.",
		}, []string{"state"}),
		depsPoisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dask_worker_deps_suspicion_poisoned_total",
			Help: "Number of dependencies declared poisoned by suspicion counting.",
		}),
	}
	reg.MustRegister(r.gatherRounds, r.inFlightWorkers, r.tasksByState, r.depsPoisoned)
	return r
}

func (r *promRecorder) GatherRound()                { r.gatherRounds.Inc() }
func (r *promRecorder) InFlightWorkers(n int)        { r.inFlightWorkers.Set(float64(n)) }
func (r *promRecorder) DependencyPoisoned()          { r.depsPoisoned.Inc() }
func (r *promRecorder) TaskState(state string, delta int) {
	r.tasksByState.WithLabelValues(state).Add(float64(delta))
}

type noop struct{}

// Noop is the default Recorder, used when no prometheus registry is
// supplied.
func Noop() Recorder { return noop{} }

func (noop) GatherRound()                    {}
func (noop) InFlightWorkers(int)             {}
func (noop) TaskState(string, int)           {}
func (noop) DependencyPoisoned()             {}
