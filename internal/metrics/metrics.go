// Package metrics exposes the Prometheus gauges and counters published
// at GET /metrics: queue depth, worker state, active jobs, resource
// pressure, and HTTP request counts/latency. Vectors are package vars
// registered once and observed from middleware and the components that
// own the numbers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/queue"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_queue_depth",
			Help: "Current depth of each queue segment",
		},
		[]string{"segment"},
	)

	QueueTotals = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_queue_totals",
			Help: "Cumulative queue counters (enqueued, processed, failed, retried)",
		},
		[]string{"counter"},
	)

	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_workers_by_state",
			Help: "Number of pool workers currently in each state",
		},
		[]string{"state"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_active_jobs",
			Help: "Number of jobs currently executing",
		},
	)

	ResourceUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_resource_utilization_percent",
			Help: "Latest Resource Sensor reading by dimension",
		},
		[]string{"dimension"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_ws_connections",
			Help: "Live Progress Bus subscriber count",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_api_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_job_outcomes_total",
			Help: "Terminal job outcomes by state",
		},
		[]string{"state"},
	)

	APIKeyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_api_key_requests_total",
			Help: "Authenticated requests per API key (key is hashed, never raw)",
		},
		[]string{"key_hash"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth, QueueTotals, WorkersByState, ActiveJobs,
		ResourceUtilization, WSConnections, APIRequestsTotal,
		APIRequestDuration, JobOutcomes, APIKeyRequests,
	)
}

// Handler is the promhttp handler mounted at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one HTTP request's outcome.
func ObserveRequest(method, route, status string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveQueueStats mirrors the Durable Queue's segment depths and
// cumulative counters into gauges. It is called from the Worker Pool's
// scaler tick, not on each enqueue or dequeue.
func ObserveQueueStats(s queue.Stats) {
	QueueDepth.WithLabelValues("high").Set(float64(s.High))
	QueueDepth.WithLabelValues("normal").Set(float64(s.Normal))
	QueueDepth.WithLabelValues("low").Set(float64(s.Low))
	QueueDepth.WithLabelValues("dead_letter").Set(float64(s.DeadLetter))
	QueueTotals.WithLabelValues("enqueued").Set(float64(s.TotalEnqueued))
	QueueTotals.WithLabelValues("processed").Set(float64(s.TotalProcessed))
	QueueTotals.WithLabelValues("failed").Set(float64(s.TotalFailed))
	QueueTotals.WithLabelValues("retried").Set(float64(s.TotalRetried))
}

// ObserveWorkers resets the per-state worker gauges from a live snapshot.
func ObserveWorkers(workers []domain.Worker) {
	counts := map[domain.WorkerState]int{
		domain.WorkerIdle: 0, domain.WorkerProcessing: 0, domain.WorkerPaused: 0,
		domain.WorkerStopping: 0, domain.WorkerStopped: 0, domain.WorkerError: 0,
	}
	for _, w := range workers {
		counts[w.State]++
	}
	for state, n := range counts {
		WorkersByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

// ObserveResources mirrors a Resource Sensor snapshot into gauges.
func ObserveResources(snap domain.ResourceSnapshot) {
	ResourceUtilization.WithLabelValues("cpu").Set(snap.CPUPercent)
	ResourceUtilization.WithLabelValues("mem").Set(snap.MemPercent)
	ResourceUtilization.WithLabelValues("disk").Set(snap.DiskPercent)
	if snap.GPUPercent != nil {
		ResourceUtilization.WithLabelValues("gpu").Set(*snap.GPUPercent)
	}
}

// ObserveJobOutcome increments the terminal-state counter.
func ObserveJobOutcome(state domain.JobState) {
	JobOutcomes.WithLabelValues(string(state)).Inc()
}
