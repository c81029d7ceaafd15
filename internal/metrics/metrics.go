// Package metrics exposes the engine's Prometheus instruments. All
// collectors are registered with the default registry via promauto and
// served on /metrics by the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts processed turns by terminal outcome
	// (resolved, clarify_scenario, clarify_slots, no_match, error).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostiq",
		Name:      "turns_total",
		Help:      "Turns processed, by outcome.",
	}, []string{"outcome"})

	// DispatchesTotal counts backend dispatches by backend and status
	// (ok, error, fallback_ok, fallback_error).
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostiq",
		Name:      "backend_dispatches_total",
		Help:      "Query dispatches, by backend and status.",
	}, []string{"backend", "status"})

	// DispatchDuration observes end-to-end dispatch latency per backend.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "diagnostiq",
		Name:      "backend_dispatch_duration_seconds",
		Help:      "Dispatch latency, by backend.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"backend"})

	// TruncationsTotal counts result tables clipped to the row cap.
	TruncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diagnostiq",
		Name:      "result_truncations_total",
		Help:      "Result tables truncated to the row cap.",
	})

	// GuardRejectionsTotal counts queries the safety guard blocked.
	GuardRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diagnostiq",
		Name:      "guard_rejections_total",
		Help:      "Rendered queries rejected by the mutating-command guard.",
	})

	// CatalogReloadsTotal counts catalog reloads by result (ok, error).
	CatalogReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostiq",
		Name:      "catalog_reloads_total",
		Help:      "Catalog reload attempts, by result.",
	}, []string{"result"})
)
