package receipt

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var histogramStageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "receipt_ledger",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"stage", "failed"},
)

var counterUploads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "receipt_ledger",
		Subsystem: "pipeline",
		Name:      "uploads_total",
	},
	[]string{"outcome"},
)

func observeStage(stage string, elapsed time.Duration, failed bool) {
	histogramStageDuration.
		WithLabelValues(stage, strconv.FormatBool(failed)).
		Observe(elapsed.Seconds())
}

// countUpload records the end of an upload. outcome is "ok" or the failing stage.
func countUpload(outcome string) {
	counterUploads.WithLabelValues(outcome).Inc()
}
