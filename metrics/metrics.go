// Package metrics provides Prometheus metrics for the storage layer and the
// HTTP server that exposes them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Adapter operation metrics
	adapterOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_adapter_operations_total",
			Help: "Total backend adapter operations",
		},
		[]string{"kind", "operation", "status"},
	)

	adapterOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_adapter_operation_duration_seconds",
			Help:    "Backend adapter operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_bytes_uploaded_total",
			Help: "Total bytes written to backends",
		},
		[]string{"kind"},
	)

	// Pool metrics
	sourceInitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_source_init_failures_total",
			Help: "Sources excluded from the pool because they failed to build or connect",
		},
		[]string{"kind"},
	)

	poolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_pool_sources",
			Help: "Number of adapters in the active pool",
		},
	)

	// Folder sync metrics
	folderSyncOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_folder_sync_outcomes_total",
			Help: "Per-source outcomes of folder fan-out operations",
		},
		[]string{"operation", "action", "status"},
	)

	// Quota metrics
	quotaUnderflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_quota_underflow_total",
			Help: "Quota decrements clamped at zero",
		},
		[]string{"source"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordAdapterOperation records one backend call.
func RecordAdapterOperation(kind, operation string, duration time.Duration, success bool) {
	adapterOperationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	adapterOperationsTotal.WithLabelValues(kind, operation, status(success)).Inc()
}

// RecordUpload records bytes written to a backend.
func RecordUpload(kind string, bytes int64) {
	bytesUploaded.WithLabelValues(kind).Add(float64(bytes))
}

// RecordSourceInitFailure records a source that could not be instantiated.
func RecordSourceInitFailure(kind string) {
	sourceInitFailures.WithLabelValues(kind).Inc()
}

// SetPoolSize sets the number of adapters in the active pool.
func SetPoolSize(n int) {
	poolSize.Set(float64(n))
}

// RecordFolderSync records one per-source folder sync outcome.
func RecordFolderSync(operation, action string, success bool) {
	folderSyncOutcomes.WithLabelValues(operation, action, status(success)).Inc()
}

// RecordQuotaUnderflow records a decrement clamped at zero.
func RecordQuotaUnderflow(source string) {
	quotaUnderflows.WithLabelValues(source).Inc()
}

// MetricsServer serves the Prometheus registry on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for addr. The server does not listen until
// ListenAndServe is called.
func New(addr string) (*MetricsServer, error) {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
