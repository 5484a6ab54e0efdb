// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdgforge_api_request_duration_seconds",
			Help:    "Model API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdgforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	stageUnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdgforge_stage_unit_duration_seconds",
			Help:    "Per-sample unit processing duration by pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"stage"},
	)

	stageUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdgforge_stage_units_total",
			Help: "Total per-sample units completed by stage and status",
		},
		[]string{"stage", "status"},
	)

	poolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdgforge_pool_in_flight_units",
			Help: "Number of units currently dispatched to workers",
		},
	)

	categoryCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sdgforge_samples_by_category",
			Help: "Final sample counts by learnability category",
		},
		[]string{"category"},
	)
)

// RecordAPIRequest records a model API request duration
func RecordAPIRequest(model string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	apiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordStageUnit records one completed per-sample unit
func RecordStageUnit(stage string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	stageUnitDuration.WithLabelValues(stage).Observe(duration.Seconds())
	stageUnitsTotal.WithLabelValues(stage, status).Inc()
}

// IncPoolInFlight marks one unit as dispatched to a worker
func IncPoolInFlight() {
	poolInFlight.Inc()
}

// DecPoolInFlight marks one dispatched unit as finished
func DecPoolInFlight() {
	poolInFlight.Dec()
}

// SetCategoryCount sets the final count for one category
func SetCategoryCount(category string, n int) {
	categoryCount.WithLabelValues(category).Set(float64(n))
}
