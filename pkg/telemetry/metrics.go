package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "myfoods"

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APIURLsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "urls_submitted_total",
		Help:      "URLs accepted for scraping, labelled by detected platform.",
	}, []string{"platform"})

	APISubmitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "submit_failures_total",
		Help:      "Submissions rejected, labelled by reason.",
	}, []string{"reason"})

	APIWatchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "ws_watchers_active",
		Help:      "Open WebSocket status subscriptions.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "items_routed_total",
		Help:      "Work items routed to platform worker topics.",
	}, []string{"platform"})

	DispatcherDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Work items sent to the dead-letter topic.",
	}, []string{"reason"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempts_total",
		Help:      "Scrape attempts, labelled by platform and recorded status.",
	}, []string{"platform", "status"})

	WorkerInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempts_inflight",
		Help:      "Attempts currently executing.",
	}, []string{"platform"})

	WorkerAttemptSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempt_duration_seconds",
		Help:      "Wall time of a supervised attempt.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	}, []string{"platform"})

	WorkerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "timeouts_total",
		Help:      "Attempts that hit the soft or hard time limit.",
	}, []string{"limit"})

	WorkerUploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "upload_failures_total",
		Help:      "Successful scrapes whose image upload failed.",
	})

	WorkerLaneRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "lane_rotations_total",
		Help:      "Worker lanes retired and recreated, labelled by cause.",
	}, []string{"cause"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerRetriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "retries_enqueued_total",
		Help:      "Due retries moved back onto the pending topic.",
	})

	SchedulerTasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tasks_reaped_total",
		Help:      "Tasks failed because they stopped making progress.",
	})
)
