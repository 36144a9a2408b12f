package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Cart engine
	CartMutations      *prometheus.CounterVec
	CartLines          prometheus.Gauge
	CartPersistErrors  prometheus.Counter
	CartRestoreDropped prometheus.Counter
	JournalAppended    prometheus.Counter
	JournalReplayed    prometheus.Counter
	JournalSkipped     prometheus.Counter

	// Catalog sync / mirror
	SyncTotal         *prometheus.CounterVec
	SyncLatencySec    prometheus.Histogram
	MirrorProducts    prometheus.Gauge
	LastSyncTimestamp prometheus.Gauge

	// Offline request cache
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	Passthrough      *prometheus.CounterVec
	NetworkFailures  prometheus.Counter
	OfflineFallbacks *prometheus.CounterVec
	Revalidations    *prometheus.CounterVec
	PrecacheFailures prometheus.Counter
	BucketsPurged    prometheus.Counter

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	cartMutations := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_cart_mutations_total", Help: "Cart intents applied, by operation."}, []string{"op"})
	cartLines := prometheus.NewGauge(prometheus.GaugeOpts{Name: "offpos_cart_lines"})
	persistErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_cart_persist_errors_total"})
	restoreDropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_cart_restore_dropped_total", Help: "Persisted carts or lines discarded as malformed."})
	journalAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_journal_appended_total"})
	journalReplayed := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_journal_replayed_total"})
	journalSkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_journal_skipped_total"})

	syncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_catalog_sync_total"}, []string{"result"})
	syncLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offpos_catalog_sync_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	mirrorProducts := prometheus.NewGauge(prometheus.GaugeOpts{Name: "offpos_mirror_products"})
	lastSync := prometheus.NewGauge(prometheus.GaugeOpts{Name: "offpos_catalog_last_sync_timestamp_seconds"})

	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_offline_cache_hits_total"}, []string{"strategy"})
	cacheMisses := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_offline_cache_misses_total"}, []string{"strategy"})
	passthrough := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_offline_passthrough_total"}, []string{"rule"})
	netFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_offline_network_failures_total"})
	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_offline_fallbacks_total"}, []string{"kind"})
	revalidations := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offpos_offline_revalidations_total"}, []string{"result"})
	precacheFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_offline_precache_failures_total"})
	bucketsPurged := prometheus.NewCounter(prometheus.CounterOpts{Name: "offpos_offline_buckets_purged_total"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"}, []string{"method", "path", "status"})
	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	r.MustRegister(
		cartMutations, cartLines, persistErrors, restoreDropped, journalAppended, journalReplayed, journalSkipped,
		syncTotal, syncLatency, mirrorProducts, lastSync,
		cacheHits, cacheMisses, passthrough, netFailures, fallbacks, revalidations, precacheFailures, bucketsPurged,
		httpRequests, httpDuration,
	)
	return &Registry{
		reg:                r,
		CartMutations:      cartMutations,
		CartLines:          cartLines,
		CartPersistErrors:  persistErrors,
		CartRestoreDropped: restoreDropped,
		JournalAppended:    journalAppended,
		JournalReplayed:    journalReplayed,
		JournalSkipped:     journalSkipped,
		SyncTotal:          syncTotal,
		SyncLatencySec:     syncLatency,
		MirrorProducts:     mirrorProducts,
		LastSyncTimestamp:  lastSync,
		CacheHits:          cacheHits,
		CacheMisses:        cacheMisses,
		Passthrough:        passthrough,
		NetworkFailures:    netFailures,
		OfflineFallbacks:   fallbacks,
		Revalidations:      revalidations,
		PrecacheFailures:   precacheFailures,
		BucketsPurged:      bucketsPurged,
		HTTPRequests:       httpRequests,
		HTTPDuration:       httpDuration,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
