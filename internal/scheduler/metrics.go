package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backoffice"

var (
	notificationsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "scheduled_total",
			Help:      "Total notifications scheduled",
		},
	)

	notificationEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "edits_total",
			Help:      "Total reschedule requests by edit mode",
		},
		[]string{"mode"},
	)

	notificationsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cancelled_total",
			Help:      "Total notifications cancelled by an operator",
		},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "deliveries_total",
			Help:      "Timer firings by outcome",
		},
		[]string{"outcome"},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "delivery_duration_seconds",
			Help:      "Time from fire to terminal status",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	armedTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "armed_timers",
			Help:      "Number of in-process timers currently armed",
		},
	)

	recoveredNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "recovered_total",
			Help:      "Startup recovery decisions by action",
		},
		[]string{"action"},
	)
)

func recordEdit(mode EditMode) {
	notificationEdits.WithLabelValues(string(mode)).Inc()
}

func recordDelivery(outcome string, duration time.Duration) {
	deliveries.WithLabelValues(outcome).Inc()
	deliveryDuration.Observe(duration.Seconds())
}

func recordArmedTimers(n int) {
	armedTimers.Set(float64(n))
}

func recordRecovery(action string) {
	recoveredNotifications.WithLabelValues(action).Inc()
}
