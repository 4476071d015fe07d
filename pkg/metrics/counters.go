package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IPAMCallsTotal counts remote IPAM calls by operation and latency
	// band (ok, slow, throttled, severe).
	IPAMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentd_ipam_calls_total",
		Help: "Remote IPAM calls by operation and latency band.",
	}, []string{"operation", "band"})

	// AllocationsTotal counts allocate outcomes: allocated, idempotent,
	// exhausted, conflict, error.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentd_allocations_total",
		Help: "Allocation outcomes.",
	}, []string{"outcome"})

	// ReleasesTotal counts release outcomes: released, shrunk,
	// not_found, error.
	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentd_releases_total",
		Help: "Release outcomes.",
	}, []string{"outcome"})

	// CacheEventsTotal counts per-cache hits, misses, coalesced waits
	// and invalidations.
	CacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentd_cache_events_total",
		Help: "Cache hits, misses, coalesced waits and invalidations.",
	}, []string{"cache", "event"})

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentd_http_requests_total",
		Help: "API requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	// ScanRunsTotal counts consistency scan passes by result.
	ScanRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentd_scan_runs_total",
		Help: "Consistency scan passes by result (clean, degraded, error).",
	}, []string{"result"})
)
