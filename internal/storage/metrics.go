package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures engine metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of engine metrics, nil until
// InitMetrics is called. The observe helpers below no-op when metrics are
// disabled so library users pay nothing.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the storage engine.
type Metrics struct {
	UploadsStarted   prometheus.Counter // driftvault_uploads_started_total
	UploadsCompleted prometheus.Counter // driftvault_uploads_completed_total
	ChunksReceived   prometheus.Counter // driftvault_chunks_received_total
	BytesReceived    prometheus.Counter // driftvault_bytes_received_total
	BytesAssembled   prometheus.Counter // driftvault_bytes_assembled_total
	BytesPurged      prometheus.Counter // driftvault_bytes_purged_total
	Exports          prometheus.Counter // driftvault_exports_total
	Reconciles       prometheus.Counter // driftvault_quota_reconciles_total
	DriftCorrected   prometheus.Counter // driftvault_quota_drift_corrected_bytes_total
}

// InitMetrics initializes engine metrics on the given registerer. Metrics are
// only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			UploadsStarted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_uploads_started_total",
				Help: "Upload sessions initiated",
			}),
			UploadsCompleted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_uploads_completed_total",
				Help: "Upload sessions completed successfully",
			}),
			ChunksReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_chunks_received_total",
				Help: "Chunks accepted into staging",
			}),
			BytesReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_bytes_received_total",
				Help: "Bytes accepted into staging",
			}),
			BytesAssembled: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_bytes_assembled_total",
				Help: "Bytes written into finalized objects",
			}),
			BytesPurged: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_bytes_purged_total",
				Help: "Bytes permanently deleted",
			}),
			Exports: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_exports_total",
				Help: "Folder archive exports completed",
			}),
			Reconciles: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_quota_reconciles_total",
				Help: "Quota counter reconciliations",
			}),
			DriftCorrected: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftvault_quota_drift_corrected_bytes_total",
				Help: "Absolute bytes of quota drift corrected by reconciliation",
			}),
		}
	})
	return metricsInstance
}

func observeUploadStarted() {
	if m := metricsInstance; m != nil {
		m.UploadsStarted.Inc()
	}
}

func observeUploadCompleted() {
	if m := metricsInstance; m != nil {
		m.UploadsCompleted.Inc()
	}
}

func observeChunkReceived(bytes int64) {
	if m := metricsInstance; m != nil {
		m.ChunksReceived.Inc()
		m.BytesReceived.Add(float64(bytes))
	}
}

func observeBytesAssembled(bytes int64) {
	if m := metricsInstance; m != nil {
		m.BytesAssembled.Add(float64(bytes))
	}
}

func observeBytesPurged(bytes int64) {
	if m := metricsInstance; m != nil {
		m.BytesPurged.Add(float64(bytes))
	}
}

func observeExport() {
	if m := metricsInstance; m != nil {
		m.Exports.Inc()
	}
}

func observeReconcile() {
	if m := metricsInstance; m != nil {
		m.Reconciles.Inc()
	}
}

func observeQuotaDrift(drift int64) {
	if m := metricsInstance; m != nil {
		if drift < 0 {
			drift = -drift
		}
		m.DriftCorrected.Add(float64(drift))
	}
}
