package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tx_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tx_tasks_ready",
			Help: "Number of tasks in the ready set (unblocked and ready-capable)",
		},
	)

	// Claim metrics
	ClaimAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tx_claim_attempts_total",
			Help: "Total claim attempts by outcome (won, conflict, error)",
		},
		[]string{"outcome"},
	)

	ClaimsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tx_claims_active",
			Help: "Number of currently active claims",
		},
	)

	LeasesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tx_leases_expired_total",
			Help: "Total claims expired by the overdue sweep",
		},
	)

	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tx_runs_total",
			Help: "Total number of runs by status",
		},
		[]string{"status"},
	)

	RunsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tx_runs_reaped_total",
			Help: "Total runs reaped by stall reason",
		},
		[]string{"reason"},
	)

	HeartbeatsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tx_heartbeats_ingested_total",
			Help: "Total run heartbeats ingested",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tx_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	// Knowledge metrics
	LearningsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tx_learnings_total",
			Help: "Total number of learnings stored",
		},
	)

	RecallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tx_recall_duration_seconds",
			Help:    "Hybrid recall latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tx_graph_expand_duration_seconds",
			Help:    "Graph expansion latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync metrics
	SyncOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tx_sync_ops_total",
			Help: "JSONL sync ops by entity kind and result (imported, skipped, conflict, parse_error)",
		},
		[]string{"kind", "result"},
	)

	SyncExports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tx_sync_exports_total",
			Help: "JSONL exports by entity kind",
		},
		[]string{"kind"},
	)

	// Migration metrics
	MigrationsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tx_migrations_applied_total",
			Help: "Total schema migrations applied",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksReady)
	prometheus.MustRegister(ClaimAttempts)
	prometheus.MustRegister(ClaimsActive)
	prometheus.MustRegister(LeasesExpired)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsReaped)
	prometheus.MustRegister(HeartbeatsIngested)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(LearningsTotal)
	prometheus.MustRegister(RecallDuration)
	prometheus.MustRegister(ExpandDuration)
	prometheus.MustRegister(SyncOps)
	prometheus.MustRegister(SyncExports)
	prometheus.MustRegister(MigrationsApplied)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds into a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
