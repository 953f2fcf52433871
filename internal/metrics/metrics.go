// Package metrics exposes Prometheus counters for the execution engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_placements_total",
		Help: "Placement attempts by outcome.",
	}, []string{"outcome"})

	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_cancels_total",
		Help: "Cancel attempts by outcome (ok, verified, failed).",
	}, []string{"outcome"})

	BlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_blocked_total",
		Help: "Submissions rejected before reaching the broker, by reason.",
	}, []string{"reason"})

	PlacementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exec_placement_latency_seconds",
		Help:    "End-to-end latency of one placement through the pipeline.",
		Buckets: prometheus.DefBuckets,
	})

	OpenGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_protection_groups_open",
		Help: "Protection groups currently open.",
	})

	KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_kill_switch_engaged",
		Help: "1 when the daily loss halt is engaged.",
	})

	TrailingWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_trailing_workers",
		Help: "Trailing stop workers currently running.",
	})
)

// Handler adapts the Prometheus scrape endpoint for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
