package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atelier_tasks_started_total",
			Help: "Total number of task workers launched",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atelier_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_active_tasks",
			Help: "Number of tasks with a live worker",
		},
	)

	// Event metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_events_emitted_total",
			Help: "Total number of events emitted by workers",
		},
		[]string{"kind", "stage"},
	)

	EventPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atelier_event_persist_failures_total",
			Help: "Total number of durable event writes that failed",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atelier_events_dropped_total",
			Help: "Total number of events dropped on full subscriber channels",
		},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atelier_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Streaming metrics
	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_subscribers_active",
			Help: "Number of live subscriber channels on the bus",
		},
	)

	StreamSessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atelier_stream_sessions_active",
			Help: "Number of open push-stream sessions",
		},
		[]string{"transport"},
	)

	// HTTP facade metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordTaskCompleted records a terminal task with its runtime.
func RecordTaskCompleted(status string, durationSeconds float64) {
	TasksCompleted.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		TaskDuration.Observe(durationSeconds)
	}
}

// RecordEvent counts one emitted event.
func RecordEvent(kind, stage string) {
	if stage == "" {
		stage = "none"
	}
	EventsEmitted.WithLabelValues(kind, stage).Inc()
}

// RecordStageDuration records a finished stage invocation.
func RecordStageDuration(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}
