package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/modserve/internal/cache"
)

var _ cache.Observer = (*Metrics)(nil)

func TestCounters(t *testing.T) {
	m := New(Options{Namespace: "test"})

	m.ObserveRequest("static", "GET", 200, 5*time.Millisecond)
	m.ObserveRequest("static", "GET", 200, time.Millisecond)
	m.ObserveRequest("", "GET", 404, time.Millisecond)
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.CacheGenerated(true)
	m.CacheEvicted(3)
	m.CacheEvicted(0)
	m.LimiterDecision("queued", 20*time.Millisecond)
	m.LimiterDecision("rejected", 0)
	m.Redirected(301)
	m.Compressed("br", "cached")
	m.Compressed("", "fresh")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("static", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("none", "GET", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheGenerated.WithLabelValues("true")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.limiterOutcomes.WithLabelValues("rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.limiterDelay))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.redirectsTotal.WithLabelValues("301")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compressions.WithLabelValues("identity", "fresh")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("x", "GET", 200, time.Millisecond)
	m.CacheHit()
	m.CacheMiss()
	m.CacheGenerated(false)
	m.CacheEvicted(1)
	m.LimiterDecision("admitted", 0)
	m.Redirected(302)
	m.Compressed("gzip", "fresh")
}

func TestHandlerExposesRegistry(t *testing.T) {
	entries := 7.0
	m := New(Options{CacheEntries: func() float64 { return entries }})
	m.CacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	assert.True(t, strings.Contains(text, `modserve_cache_lookups_total{result="hit"} 1`), text)
	assert.True(t, strings.Contains(text, "modserve_cache_entries 7"), text)
}
