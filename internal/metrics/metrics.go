// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// jobsSubmitted counts accepted submissions.
	// Labels:
	// - mode: immediate | scheduled
	jobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsletterd",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Newsletter jobs accepted by the submission boundary.",
		},
		[]string{"mode"},
	)

	// jobsFinished counts jobs reaching a terminal status.
	// Labels:
	// - status: completed | partially_failed | failed
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsletterd",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Newsletter jobs that reached a terminal status.",
		},
		[]string{"status"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "newsletterd",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently being dispatched by this process.",
		},
	)

	jobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "newsletterd",
			Subsystem: "jobs",
			Name:      "reclaimed_total",
			Help:      "Running jobs with an expired lease taken over by the recovery sweep.",
		},
	)

	// deliveries counts terminal per-recipient outcomes.
	// Labels:
	// - result: delivered | failed
	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsletterd",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Per-recipient delivery outcomes.",
		},
		[]string{"result"},
	)

	deliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "newsletterd",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Transport calls retried after a transient failure.",
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "newsletterd",
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Duration of single transport calls.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "newsletterd",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler polling passes.",
		},
	)
)

// IncSubmitted increments the submission counter for the given mode.
func IncSubmitted(mode string) {
	if mode == "" {
		mode = "unknown"
	}
	jobsSubmitted.WithLabelValues(mode).Inc()
}

// IncFinished increments the terminal job counter.
func IncFinished(status string) {
	if status == "" {
		status = "unknown"
	}
	jobsFinished.WithLabelValues(status).Inc()
}

func JobStarted() { jobsRunning.Inc() }
func JobStopped() { jobsRunning.Dec() }
func IncReclaimed() { jobsReclaimed.Inc() }
func IncTick() { schedulerTicks.Inc() }
func IncRetry() { deliveryRetries.Inc() }

// ObserveDelivery records one terminal attempt outcome.
func ObserveDelivery(delivered bool) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	deliveries.WithLabelValues(result).Inc()
}

func ObserveSend(d time.Duration) { sendDuration.Observe(d.Seconds()) }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
