// Package vectorstore provides Prometheus metrics for vault storage.
package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// writesTotal counts write operations per category and kind.
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultd",
			Subsystem: "vectorstore",
			Name:      "writes_total",
			Help:      "Total number of records written by category and operation",
		},
		[]string{"category", "op"},
	)

	// queryDuration tracks similarity query latency per category.
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vaultd",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of similarity queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"category"},
	)
)

func startQueryTimer(category string) *prometheus.Timer {
	return prometheus.NewTimer(queryDuration.WithLabelValues(category))
}
