package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Master metrics
	QueriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_queries_total",
			Help: "Number of queries by scheduling state",
		},
		[]string{"state"},
	)

	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_workers_connected",
			Help: "Number of connected workers (multiprogramming level)",
		},
	)

	DispatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_dispatches_total",
			Help: "Total number of query dispatches to workers",
		},
	)

	DispatchRevertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_dispatch_reverts_total",
			Help: "Total number of dispatches reverted after a failed send",
		},
	)

	PreemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_preemptions_total",
			Help: "Total number of eviction requests issued to workers",
		},
	)

	AgingPromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_aging_promotions_total",
			Help: "Total number of priority decrements applied by aging",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_dispatch_latency_seconds",
			Help:    "Time taken to dispatch a query in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	InstructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_instructions_total",
			Help: "Total number of executed instructions by operation",
		},
		[]string{"operation"},
	)

	PageFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_page_faults_total",
			Help: "Total number of page faults resolved against storage",
		},
	)

	PageReplacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_page_replacements_total",
			Help: "Total number of page replacements by policy",
		},
		[]string{"policy"},
	)

	DirtyWritebacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_dirty_writebacks_total",
			Help: "Total number of dirty pages written back to storage",
		},
	)

	// Storage metrics
	StorageOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_storage_ops_total",
			Help: "Total number of storage operations by opcode and status",
		},
		[]string{"op", "status"},
	)

	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_storage_op_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	BlocksFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_blocks_free",
			Help: "Number of free physical blocks",
		},
	)

	DedupBlocksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_dedup_blocks_reclaimed_total",
			Help: "Total number of physical blocks freed by commit deduplication",
		},
	)
)

func init() {
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchRevertsTotal)
	prometheus.MustRegister(PreemptionsTotal)
	prometheus.MustRegister(AgingPromotionsTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(InstructionsTotal)
	prometheus.MustRegister(PageFaultsTotal)
	prometheus.MustRegister(PageReplacementsTotal)
	prometheus.MustRegister(DirtyWritebacksTotal)
	prometheus.MustRegister(StorageOpsTotal)
	prometheus.MustRegister(StorageOpDuration)
	prometheus.MustRegister(BlocksFree)
	prometheus.MustRegister(DedupBlocksReclaimed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr when addr is non-empty. The listener
// runs in the background and its error is discarded.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
