// Package metrics provides Prometheus metrics for the storage control plane.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patrakosh/patrakosh/internal/errs"
)

// Registry is the Prometheus registry for all patrakosh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Metrics holds all Prometheus metrics of the control plane.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// File operations
	OperationsTotal   *prometheus.CounterVec   // patrakosh_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // patrakosh_operation_duration_seconds{operation}
	BytesUploaded     prometheus.Counter       // patrakosh_bytes_uploaded_total
	BytesDownloaded   prometheus.Counter       // patrakosh_bytes_downloaded_total
	OrphanedBlobs     prometheus.Counter       // patrakosh_orphaned_blobs_total

	// Quota ledger
	QuotaRejections   prometheus.Counter // patrakosh_quota_rejections_total
	LedgerCachedUsers prometheus.Gauge
	LedgerUsedBytes   prometheus.Gauge

	// Scheduler, labelled by pool
	PoolActive    *prometheus.GaugeVec
	PoolQueued    *prometheus.GaugeVec
	PoolCompleted *prometheus.GaugeVec
	PoolFailed    *prometheus.GaugeVec

	// Caches, labelled by cache
	CacheEntries   *prometheus.GaugeVec
	CacheHits      *prometheus.GaugeVec
	CacheMisses    *prometheus.GaugeVec
	CacheEvictions *prometheus.GaugeVec
}

// New registers the metrics with registry. A nil registry uses Registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = Registry
	}
	f := promauto.With(registry)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patrakosh_operations_total",
			Help: "File operations by operation and result status",
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrakosh_operation_duration_seconds",
			Help:    "File operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "patrakosh_bytes_uploaded_total",
			Help: "Total bytes accepted by uploads",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "patrakosh_bytes_downloaded_total",
			Help: "Total bytes served by downloads",
		}),
		OrphanedBlobs: f.NewCounter(prometheus.CounterOpts{
			Name: "patrakosh_orphaned_blobs_total",
			Help: "Blobs left in physical storage without a metadata record",
		}),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "patrakosh_quota_rejections_total",
			Help: "Reservations rejected because they would exceed the quota",
		}),
		LedgerCachedUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "patrakosh_ledger_cached_users",
			Help: "Accounts currently loaded in the quota ledger",
		}),
		LedgerUsedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "patrakosh_ledger_used_bytes",
			Help: "Bytes used across the accounts loaded in the quota ledger",
		}),
		PoolActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_pool_active_tasks",
			Help: "Tasks currently running per worker pool",
		}, []string{"pool"}),
		PoolQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_pool_queued_tasks",
			Help: "Tasks waiting for a worker per pool",
		}, []string{"pool"}),
		PoolCompleted: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_pool_completed_tasks",
			Help: "Tasks completed successfully per pool since start",
		}, []string{"pool"}),
		PoolFailed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_pool_failed_tasks",
			Help: "Tasks that returned an error per pool since start",
		}, []string{"pool"}),
		CacheEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_cache_entries",
			Help: "Entries held per cache",
		}, []string{"cache"}),
		CacheHits: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_cache_hits",
			Help: "Lookups answered from the cache since start",
		}, []string{"cache"}),
		CacheMisses: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_cache_misses",
			Help: "Lookups not answered from the cache since start",
		}, []string{"cache"}),
		CacheEvictions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patrakosh_cache_evictions",
			Help: "Entries evicted for capacity since start",
		}, []string{"cache"}),
	}
}

// Status labels an operation outcome.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, errs.ErrDuplicateContent):
		return "duplicate"
	case errors.Is(err, errs.ErrStorageWriteFailed), errors.Is(err, errs.ErrStorageReadFailed):
		return "storage_error"
	case errors.Is(err, errs.ErrTransactionFailed), errors.Is(err, errs.ErrRollbackFailed):
		return "transaction_error"
	default:
		return "error"
	}
}

// RecordOperation records the outcome and duration of one file operation.
func (m *Metrics) RecordOperation(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, Status(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
	if errors.Is(err, errs.ErrQuotaExceeded) {
		m.QuotaRejections.Inc()
	}
}

// RecordUpload records bytes accepted by an upload.
func (m *Metrics) RecordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes served by a download.
func (m *Metrics) RecordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordOrphan records a blob left behind without metadata.
func (m *Metrics) RecordOrphan() {
	if m == nil {
		return
	}
	m.OrphanedBlobs.Inc()
}
