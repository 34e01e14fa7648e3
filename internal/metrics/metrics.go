package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	BatchesApplied   prometheus.Counter
	BatchesDuplicate prometheus.Counter
	BatchesFailed    prometheus.Counter
	RecordsMerged    prometheus.Counter
	RecordsRejected  prometheus.Counter
	CommitRetries    prometheus.Counter
	MergeLatencySec  prometheus.Histogram
	CustomersTracked prometheus.Gauge
	SnapshotAgeSec   prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	batchesApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "retailagg_batches_applied_total"})
	batchesDuplicate := prometheus.NewCounter(prometheus.CounterOpts{Name: "retailagg_batches_duplicate_total"})
	batchesFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "retailagg_batches_failed_total"})
	recordsMerged := prometheus.NewCounter(prometheus.CounterOpts{Name: "retailagg_records_merged_total"})
	recordsRejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "retailagg_records_rejected_total"})
	commitRetries := prometheus.NewCounter(prometheus.CounterOpts{Name: "retailagg_commit_retries_total"})
	mergeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "retailagg_merge_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	customersTracked := prometheus.NewGauge(prometheus.GaugeOpts{Name: "retailagg_customers_tracked"})
	snapshotAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "retailagg_last_snapshot_age_seconds"})

	r.MustRegister(batchesApplied, batchesDuplicate, batchesFailed, recordsMerged, recordsRejected, commitRetries, mergeLatency, customersTracked, snapshotAge)
	return &Registry{
		reg:              r,
		BatchesApplied:   batchesApplied,
		BatchesDuplicate: batchesDuplicate,
		BatchesFailed:    batchesFailed,
		RecordsMerged:    recordsMerged,
		RecordsRejected:  recordsRejected,
		CommitRetries:    commitRetries,
		MergeLatencySec:  mergeLatency,
		CustomersTracked: customersTracked,
		SnapshotAgeSec:   snapshotAge,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
