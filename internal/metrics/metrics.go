package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countryrates_requests_total",
			Help: "Total number of HTTP requests per route and method",
		},
		[]string{"route", "method"},
	)

	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "countryrates_request_duration_seconds",
			Help:    "Request duration in seconds per route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countryrates_request_errors_total",
			Help: "Total number of error responses per route and status code",
		},
		[]string{"route", "code"},
	)
)

var (
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countryrates_refreshes_total",
			Help: "Refresh runs by outcome (success, degraded, failed)",
		},
		[]string{"outcome"},
	)

	RefreshDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "countryrates_refresh_duration_seconds",
			Help:    "Wall time of a refresh run including both fetches",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	SourceFetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countryrates_source_fetch_errors_total",
			Help: "Upstream fetch failures per source and kind",
		},
		[]string{"source", "kind"},
	)

	SnapshotCountries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "countryrates_snapshot_countries",
			Help: "Number of countries in the live snapshot",
		},
	)

	LastRefreshTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "countryrates_last_refresh_timestamp",
			Help: "Unix timestamp of the last successful refresh",
		},
	)
)

// ObserveRefresh records the outcome of one refresh run. count and at are
// only used when the run produced a snapshot.
func ObserveRefresh(outcome string, startedAt time.Time, count int, at time.Time) {
	RefreshesTotal.WithLabelValues(outcome).Inc()
	RefreshDurationSeconds.Observe(time.Since(startedAt).Seconds())
	if outcome != "failed" {
		SnapshotCountries.Set(float64(count))
		LastRefreshTimestamp.Set(float64(at.Unix()))
	}
}

var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "countryrates_db_pool_total_conns",
			Help: "Total number of connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "countryrates_db_pool_idle_conns",
			Help: "Idle connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBPoolAcquiredConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "countryrates_db_pool_acquired_conns",
			Help: "Currently acquired (in-use) connections per driver",
		},
		[]string{"driver"},
	)
)

func UpdateDBPoolMetrics(driver string, total, idle, acquired float64) {
	DBPoolTotalConns.WithLabelValues(driver).Set(total)
	DBPoolIdleConns.WithLabelValues(driver).Set(idle)
	DBPoolAcquiredConns.WithLabelValues(driver).Set(acquired)
}

var (
	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "countryrates_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "countryrates_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countryrates_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	dur := time.Since(startedAt).Seconds()
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(dur)
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
