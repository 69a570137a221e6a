// Package metrics exposes Prometheus collectors for the serving pipeline on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "modserve"

// Metrics holds the collectors; a nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheGenerated  *prometheus.CounterVec
	cacheEvictions  prometheus.Counter
	cacheEntries    prometheus.GaugeFunc
	limiterOutcomes *prometheus.CounterVec
	limiterDelay    prometheus.Histogram
	redirectsTotal  *prometheus.CounterVec
	compressions    *prometheus.CounterVec
}

// Options configure New.
type Options struct {
	Namespace string
	// CacheEntries, when set, is sampled at scrape time.
	CacheEntries func() float64
	// GoCollectors adds the Go runtime and process collectors.
	GoCollectors bool
}

// New creates a Metrics instance on its own registry.
func New(opts Options) *Metrics {
	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Requests served, by module and status code.",
	}, []string{"module", "method", "code"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Request latency in seconds.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"module"})

	m.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Response cache lookups, by result.",
	}, []string{"result"})

	m.cacheGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "generations_total",
		Help:      "Single-flight generations; shared=true when waiters received the same result.",
	}, []string{"shared"})

	m.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by the sweep.",
	})

	m.limiterOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions, by outcome.",
	}, []string{"outcome"})

	m.limiterDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "ratelimit",
		Name:      "queue_delay_seconds",
		Help:      "Time spent queued before admission.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	m.redirectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "redirect",
		Name:      "matches_total",
		Help:      "Requests answered by a redirection rule, by code.",
	}, []string{"code"})

	m.compressions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "compress",
		Name:      "responses_total",
		Help:      "Responses by content encoding and source (fresh, cached, precompressed).",
	}, []string{"encoding", "source"})

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheLookups,
		m.cacheGenerated,
		m.cacheEvictions,
		m.limiterOutcomes,
		m.limiterDelay,
		m.redirectsTotal,
		m.compressions,
	)
	if opts.CacheEntries != nil {
		m.cacheEntries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held by the response cache.",
		}, opts.CacheEntries)
		m.registry.MustRegister(m.cacheEntries)
	}
	if opts.GoCollectors {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(module, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "none"
	}
	m.requestsTotal.WithLabelValues(module, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(module).Observe(elapsed.Seconds())
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheGenerated implements cache.Observer.
func (m *Metrics) CacheGenerated(shared bool) {
	if m == nil {
		return
	}
	m.cacheGenerated.WithLabelValues(strconv.FormatBool(shared)).Inc()
}

// CacheEvicted implements cache.Observer.
func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

// LimiterDecision records an admission outcome and, when queued, its delay.
func (m *Metrics) LimiterDecision(outcome string, delay time.Duration) {
	if m == nil {
		return
	}
	m.limiterOutcomes.WithLabelValues(outcome).Inc()
	if delay > 0 {
		m.limiterDelay.Observe(delay.Seconds())
	}
}

// Redirected records a redirect answered with code.
func (m *Metrics) Redirected(code int) {
	if m == nil {
		return
	}
	m.redirectsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Compressed records the encoding a response went out with.
func (m *Metrics) Compressed(encoding, source string) {
	if m == nil {
		return
	}
	if encoding == "" {
		encoding = "identity"
	}
	m.compressions.WithLabelValues(encoding, source).Inc()
}
