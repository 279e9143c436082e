package statestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backoffice"

var (
	stateLocalEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "statestore",
			Name:      "local_entries",
			Help:      "Number of live entries in the in-process cache",
		},
	)

	stateDurableConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "statestore",
			Name:      "durable_connected",
			Help:      "Whether the durable tier is reachable (1) or the store is degraded to cache-only (0)",
		},
	)

	stateDurableFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "statestore",
			Name:      "durable_failures_total",
			Help:      "Durable-tier operations that failed and fell back to the local cache",
		},
		[]string{"op"},
	)
)

func recordDurableFailure(op string) {
	stateDurableFailures.WithLabelValues(op).Inc()
}

func recordStoreStats(st Stats) {
	stateLocalEntries.Set(float64(st.LocalEntries))
	if st.DurableConnected {
		stateDurableConnected.Set(1)
	} else {
		stateDurableConnected.Set(0)
	}
}
