package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// workerMetrics holds the Prometheus metrics owned by the worker loop. One
// instance per Worker, registered against the configured registry so tests
// can inject a fresh one.
type workerMetrics struct {
	// tasksTotal counts finished tasks, partitioned by outcome: "ok",
	// "skipped", "error", "cancelled", or "abandoned".
	tasksTotal *prometheus.CounterVec

	// taskDuration records wall-clock task duration from claim to outcome.
	taskDuration *prometheus.HistogramVec

	// inFlight is the number of tasks currently being processed.
	inFlight prometheus.Gauge

	// emptyContext counts tasks generated without any retrieved context,
	// the quality-impacting degraded mode of the retrieval engine.
	emptyContext prometheus.Counter
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	factory := promauto.With(reg)

	return &workerMetrics{
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "techrag",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Research tasks finished, partitioned by outcome.",
		}, []string{"outcome"}),

		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "techrag",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of research tasks from claim to outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "techrag",
			Subsystem: "worker",
			Name:      "tasks_in_flight",
			Help:      "Number of research tasks currently being processed.",
		}),

		emptyContext: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "techrag",
			Subsystem: "worker",
			Name:      "empty_context_total",
			Help:      "Research tasks generated without any retrieved context.",
		}),
	}
}
