package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Feed metrics
	FeedLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "howbehind_feed_loads_total",
			Help: "Total timetable feed loads by resulting status",
		},
		[]string{"status"},
	)

	FeedLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "howbehind_feed_load_duration_seconds",
			Help:    "Timetable feed fetch and decode duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Updater metrics
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "howbehind_updates_total",
			Help: "Incremental behind-list updates by outcome",
		},
		[]string{"outcome"},
	)

	SessionsAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "howbehind_sessions_added_total",
			Help: "Total sessions added to behind lists",
		},
	)

	WatermarkConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "howbehind_watermark_conflicts_total",
			Help: "Compare-and-swap conflicts on the profile watermark",
		},
	)

	// Reconciliation metrics
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "howbehind_reconciliations_total",
			Help: "Account merge reconciliations by outcome",
		},
		[]string{"outcome"},
	)

	// User metrics
	ActiveUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "howbehind_active_users",
			Help: "Number of users with a running tracker loop",
		},
	)

	BehindMinutes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "howbehind_behind_minutes",
			Help:    "Total behind minutes observed after each state change",
			Buckets: []float64{0, 60, 120, 360, 600, 1200, 2400},
		},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "howbehind_stream_clients",
			Help: "Number of connected websocket stream clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		FeedLoadsTotal,
		FeedLoadDuration,
		UpdatesTotal,
		SessionsAdded,
		WatermarkConflicts,
		ReconciliationsTotal,
		ActiveUsers,
		BehindMinutes,
		StreamClients,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
