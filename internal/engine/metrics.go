package engine

import "github.com/prometheus/client_golang/prometheus"

// promMetrics mirrors the engine's counter block as Prometheus
// collectors. Registration is explicit on an injectable Registerer so
// parallel engine instances in tests do not collide.
type promMetrics struct {
	tasksSubmitted   prometheus.Counter
	tasksCompleted   prometheus.Counter
	tasksFailed      prometheus.Counter
	tasksRetried     prometheus.Counter
	tasksCancelled   prometheus.Counter
	inFlight         prometheus.Gauge
	executionSeconds prometheus.Histogram
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_tasks_submitted_total",
			Help: "Total number of tasks admitted by the engine.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_tasks_completed_total",
			Help: "Total number of tasks that finished successfully.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_tasks_failed_total",
			Help: "Total number of tasks that exhausted their retry budget.",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_tasks_retried_total",
			Help: "Total number of failure-driven re-queues.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_tasks_cancelled_total",
			Help: "Total number of cancelled tasks.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestra_tasks_in_flight",
			Help: "Number of executions currently holding an in-flight slot.",
		}),
		executionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestra_task_execution_seconds",
			Help:    "Wall-clock duration of task execution attempts, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.tasksSubmitted,
		m.tasksCompleted,
		m.tasksFailed,
		m.tasksRetried,
		m.tasksCancelled,
		m.inFlight,
		m.executionSeconds,
	)
	return m
}
