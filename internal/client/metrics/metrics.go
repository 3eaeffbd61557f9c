// Package metrics provides Prometheus metrics for transfers and migrations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transferAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgvault_transfer_attempts_total",
			Help: "Total number of transfer attempts against the remote channel",
		},
		[]string{"op"},
	)

	transferRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgvault_transfer_retries_total",
			Help: "Total number of scheduled retries by failure reason",
		},
		[]string{"op", "reason"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgvault_transfers_total",
			Help: "Total number of finished transfers",
		},
		[]string{"op", "status"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgvault_transfer_duration_seconds",
			Help:    "Wall time of a transfer including retries",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		},
		[]string{"op"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgvault_transfer_bytes_total",
			Help: "Total payload bytes moved",
		},
		[]string{"direction"},
	)

	migrationFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgvault_migration_files_total",
			Help: "Files processed by migration runs by outcome",
		},
		[]string{"outcome"},
	)

	indexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgvault_index_entries",
			Help: "Number of entries in the local metadata index",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer feeds the resilience controller's attempt and retry counts into
// Prometheus.
type Observer struct{}

func (Observer) Attempt(op string) {
	transferAttempts.WithLabelValues(op).Inc()
}

func (Observer) Retry(op, reason string) {
	transferRetries.WithLabelValues(op, reason).Inc()
}

// RecordTransfer records a finished upload or download.
func RecordTransfer(op string, bytes int64, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	transfersTotal.WithLabelValues(op, status).Inc()
	transferDuration.WithLabelValues(op).Observe(duration.Seconds())
	if success && bytes > 0 {
		direction := "up"
		if op == "download" {
			direction = "down"
		}
		transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordMigration counts one migrated, failed or skipped file.
func RecordMigration(outcome string) {
	migrationFiles.WithLabelValues(outcome).Inc()
}

// SetIndexEntries reports the size of the metadata index.
func SetIndexEntries(n int) {
	indexEntries.Set(float64(n))
}
