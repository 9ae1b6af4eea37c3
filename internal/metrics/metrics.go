package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Prometheus metrics for the DoH SNI proxy
var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohsni_cache_hits_total",
		Help: "Total number of address cache hits",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohsni_cache_misses_total",
		Help: "Total number of address cache misses",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohsni_cache_evictions_total",
		Help: "Total number of entries evicted by capacity or expiry",
	})

	DoHQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohsni_doh_queries_total",
		Help: "Total number of DoH query attempts by server and outcome",
	}, []string{"server", "outcome"})

	DoHQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dohsni_doh_query_duration_seconds",
		Help:    "Duration of single DoH exchanges",
		Buckets: prometheus.DefBuckets,
	}, []string{"server"})

	ResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohsni_resolutions_total",
		Help: "Total number of hostname resolutions by result",
	}, []string{"result"})

	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohsni_ip_probes_total",
		Help: "Total number of candidate address probes by outcome",
	}, []string{"outcome"})

	ProxyRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohsni_proxy_requests_total",
		Help: "Total number of proxied requests by status code",
	}, []string{"code"})

	ProxyRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dohsni_proxy_request_duration_seconds",
		Help:    "End-to-end proxied request duration",
		Buckets: prometheus.DefBuckets,
	})

	ProxyBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohsni_proxy_bytes_total",
		Help: "Total body bytes relayed by direction",
	}, []string{"direction"})

	// Gauges set from stats on scrape
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dohsni_cache_entries",
		Help: "Current number of entries in the address cache",
	})

	CacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dohsni_cache_hit_rate",
		Help: "Cache hit rate (0-100)",
	})

	SelectedHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dohsni_ip_selected_hosts",
		Help: "Number of hostnames with a cached best address",
	})

	OutboundTransports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dohsni_proxy_outbound_transports",
		Help: "Number of per-SNI outbound transports",
	})
)

// StatsProvider provides current stats for gauge metrics
type StatsProvider interface {
	CacheEntries() int
	CacheHitRate() float64
	SelectedHosts() int
	OutboundTransports() int
}

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			CacheHitsTotal,
			CacheMissesTotal,
			CacheEvictionsTotal,
			DoHQueriesTotal,
			DoHQueryDuration,
			ResolutionsTotal,
			ProbesTotal,
			ProxyRequestsTotal,
			ProxyRequestDuration,
			ProxyBytesTotal,
			CacheEntries,
			CacheHitRate,
			SelectedHosts,
			OutboundTransports,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called)
func Registry() *prometheus.Registry {
	return registry
}

func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordCacheEvictions adds n to the eviction counter
func RecordCacheEvictions(n int) {
	if n > 0 {
		CacheEvictionsTotal.Add(float64(n))
	}
}

// RecordDoHQuery records one exchange against server. outcome is "ok",
// "transient" or "error".
func RecordDoHQuery(server, outcome string, d time.Duration) {
	DoHQueriesTotal.WithLabelValues(server, outcome).Inc()
	DoHQueryDuration.WithLabelValues(server).Observe(d.Seconds())
}

// RecordResolution counts a resolve outcome: "cached", "resolved", "empty" or "failed".
func RecordResolution(result string) {
	ResolutionsTotal.WithLabelValues(result).Inc()
}

func RecordProbe(ok bool) {
	if ok {
		ProbesTotal.WithLabelValues("ok").Inc()
		return
	}
	ProbesTotal.WithLabelValues("failed").Inc()
}

// RecordProxyRequest records the final status and duration of a proxied request.
func RecordProxyRequest(code string, d time.Duration) {
	ProxyRequestsTotal.WithLabelValues(code).Inc()
	ProxyRequestDuration.Observe(d.Seconds())
}

// RecordProxyBytes adds relayed body bytes; direction is "upload" or "download".
func RecordProxyBytes(direction string, n int64) {
	if n > 0 {
		ProxyBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

// UpdateGauges updates gauge metrics from the provided stats
func UpdateGauges(p StatsProvider) {
	if p == nil {
		return
	}
	CacheEntries.Set(float64(p.CacheEntries()))
	CacheHitRate.Set(p.CacheHitRate())
	SelectedHosts.Set(float64(p.SelectedHosts()))
	OutboundTransports.Set(float64(p.OutboundTransports()))
}
