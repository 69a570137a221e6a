package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/modserve/internal/cache"
	"github.com/any-hub/modserve/internal/compress"
	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/server"
	"github.com/any-hub/modserve/internal/upstream"
)

var page = strings.Repeat("<p>modserve renders pages</p>\n", 100)

// testHandler 提供可配置的能力集合并统计生成次数。
type testHandler struct {
	calls       *atomic.Int32
	body        string
	stream      bool
	encoding    string
	compressOK  bool
	cacheTTL    time.Duration
	clientTTL   time.Duration
	etag        string
	auth        []string
	compression string
}

func (h *testHandler) Generate(context.Context, *module.Request) (*module.Response, error) {
	h.calls.Add(1)
	resp := &module.Response{
		Status:       http.StatusOK,
		Header:       http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Connection": {"close"}},
		Compressible: h.compressOK,
		Encoding:     h.encoding,
	}
	if h.stream {
		resp.Stream = io.NopCloser(strings.NewReader(h.body))
		resp.Size = int64(len(h.body))
	} else {
		resp.Body = []byte(h.body)
	}
	return resp, nil
}

func (h *testHandler) CacheKey(*module.Request) (string, bool) { return "k", true }
func (h *testHandler) ETag(*module.Request) string             { return h.etag }
func (h *testHandler) CompressionPriority() string             { return h.compression }
func (h *testHandler) RequiredAuth() []string                  { return h.auth }
func (h *testHandler) ClientCacheDuration() time.Duration      { return h.clientTTL }
func (h *testHandler) RequestCacheDuration() time.Duration     { return h.cacheTTL }

func newHandler(calls *atomic.Int32) *testHandler {
	return &testHandler{calls: calls, body: page, compressOK: true}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newApp(t *testing.T, handler module.Handler, auth Authenticator) *fiber.App {
	t.Helper()
	mod := &module.Module{
		Name:    "page",
		Resolve: func(*module.Request) (module.Handler, error) { return handler, nil },
	}
	return newModuleApp(t, mod, cache.New(cache.Options{Logger: quietLogger()}), auth)
}

func newModuleApp(t *testing.T, mod *module.Module, responses *cache.Cache, auth Authenticator) *fiber.App {
	t.Helper()
	logger := quietLogger()

	negotiator, err := compress.NewNegotiator("gzip:Fast", "br:Best,gzip:Best")
	require.NoError(t, err)
	p, err := New(Options{
		Logger:     logger,
		Cache:      responses,
		Negotiator: negotiator,
		Auth:       auth,
	})
	require.NoError(t, err)

	hosts, err := server.NewHostRegistry()
	require.NoError(t, err)
	require.NoError(t, hosts.Register(mod))
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Router:     server.NewRouter(hosts, server.DefaultMaxHops),
		Responder:  p,
		ListenPort: 8080,
	})
	require.NoError(t, err)
	return app
}

func do(t *testing.T, app *fiber.App, method string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, "http://site.local/index.html", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func gunzip(t *testing.T, data []byte) string {
	t.Helper()
	r, err := gzip.NewReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Logger: logrus.New()})
	assert.Error(t, err)
}

func TestFreshResponseCompressedWithFreshList(t *testing.T) {
	var calls atomic.Int32
	app := newApp(t, newHandler(&calls), nil)

	resp, body := do(t, app, http.MethodGet, map[string]string{"Accept-Encoding": "br, gzip"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", resp.Header.Get("Vary"))
	assert.Equal(t, "BYPASS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Empty(t, resp.Header.Get("Connection"))
	assert.Equal(t, page, gunzip(t, body))
}

func TestNoAcceptEncodingServesIdentity(t *testing.T) {
	var calls atomic.Int32
	app := newApp(t, newHandler(&calls), nil)

	resp, body := do(t, app, http.MethodGet, nil)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, page, string(body))
}

func TestCachedResponseUsesCachedListAndHits(t *testing.T) {
	var calls atomic.Int32
	h := newHandler(&calls)
	h.cacheTTL = time.Minute
	h.clientTTL = 30 * time.Second
	app := newApp(t, h, nil)

	headers := map[string]string{"Accept-Encoding": "gzip"}
	first, body := do(t, app, http.MethodGet, headers)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	assert.Equal(t, "gzip", first.Header.Get("Content-Encoding"))
	assert.Equal(t, "public, max-age=30", first.Header.Get("Cache-Control"))
	assert.Equal(t, page, gunzip(t, body))

	second, _ := do(t, app, http.MethodGet, headers)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	assert.Equal(t, int32(1), calls.Load())

	// 不同的编码协商结果对应不同的缓存条目。
	third, body := do(t, app, http.MethodGet, nil)
	assert.Equal(t, "MISS", third.Header.Get("X-Cache"))
	assert.Equal(t, page, string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandlerPriorityOverridesServerList(t *testing.T) {
	var calls atomic.Int32
	h := newHandler(&calls)
	h.compression = "deflate:Fast"
	app := newApp(t, h, nil)

	resp, _ := do(t, app, http.MethodGet, map[string]string{"Accept-Encoding": "gzip, deflate"})
	assert.Equal(t, "deflate", resp.Header.Get("Content-Encoding"))
}

func TestPrecompressedBodyPassesThrough(t *testing.T) {
	var calls atomic.Int32
	h := newHandler(&calls)
	h.body = "already-brotli"
	h.encoding = "br"
	h.compressOK = false
	app := newApp(t, h, nil)

	resp, body := do(t, app, http.MethodGet, map[string]string{"Accept-Encoding": "br"})
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "already-brotli", string(body))
}

func TestStreamIsCompressedOnTheFly(t *testing.T) {
	var calls atomic.Int32
	h := newHandler(&calls)
	h.stream = true
	app := newApp(t, h, nil)

	resp, body := do(t, app, http.MethodGet, map[string]string{"Accept-Encoding": "gzip"})
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, page, gunzip(t, body))
}

func TestHeadSkipsBody(t *testing.T) {
	var calls atomic.Int32
	app := newApp(t, newHandler(&calls), nil)

	resp, body := do(t, app, http.MethodHead, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestETagConditionalRequest(t *testing.T) {
	var calls atomic.Int32
	h := newHandler(&calls)
	h.etag = `W/"abc"`
	app := newApp(t, h, nil)

	resp, _ := do(t, app, http.MethodGet, nil)
	assert.Equal(t, `W/"abc"`, resp.Header.Get("ETag"))

	resp, body := do(t, app, http.MethodGet, map[string]string{"If-None-Match": `"abc"`})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAuthGate(t *testing.T) {
	var calls atomic.Int32
	h := newHandler(&calls)
	h.auth = []string{"admin"}

	resp, _ := do(t, newApp(t, h, nil), http.MethodGet, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth := AuthenticatorFunc(func(_ context.Context, req *module.Request, required []string) (string, error) {
		if req.Header.Get("Authorization") == "Bearer "+required[0] {
			return "ops", nil
		}
		return "", ErrDenied
	})
	app := newApp(t, h, auth)
	resp, _ = do(t, app, http.MethodGet, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, app, http.MethodGet, map[string]string{"Authorization": "Bearer admin"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())

	failing := AuthenticatorFunc(func(context.Context, *module.Request, []string) (string, error) {
		return "", errors.New("directory down")
	})
	resp, _ = do(t, newApp(t, h, failing), http.MethodGet, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"a", W/"b"`, `W/"b"`))
	assert.True(t, etagMatches("*", `"x"`))
	assert.False(t, etagMatches("", `"x"`))
	assert.False(t, etagMatches(`"y"`, `"x"`))
}

func newOriginModule(t *testing.T, handler http.HandlerFunc, maxBody int64) *module.Module {
	t.Helper()
	origin := httptest.NewServer(handler)
	t.Cleanup(origin.Close)
	mod, err := upstream.NewModule(upstream.Options{
		Name:                 "origin",
		Target:               origin.URL,
		Client:               upstream.NewClient(5 * time.Second),
		MaxBodySize:          maxBody,
		RequestCacheDuration: time.Minute,
		Logger:               quietLogger(),
	})
	require.NoError(t, err)
	return mod
}

func TestHeadDoesNotPoisonCachedGet(t *testing.T) {
	var methods []string
	var mu sync.Mutex
	mod := newOriginModule(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}, 1<<20)
	app := newModuleApp(t, mod, cache.New(cache.Options{Logger: quietLogger()}), nil)

	resp, body := do(t, app, http.MethodHead, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	resp, body = do(t, app, http.MethodGet, nil)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, page, string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodGet}, methods)
}

func TestLargeUpstreamBodyStreamsPastCache(t *testing.T) {
	large := strings.Repeat("x", 3<<20)
	var hits atomic.Int32
	mod := newOriginModule(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, large[i<<20:(i+1)<<20])
			w.(http.Flusher).Flush()
		}
	}, 1<<20)
	responses := cache.New(cache.Options{Logger: quietLogger(), MaxEntrySize: 1 << 20})
	app := newModuleApp(t, mod, responses, nil)

	for i := 0; i < 2; i++ {
		resp, body := do(t, app, http.MethodGet, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "BYPASS", resp.Header.Get("X-Cache"))
		assert.Empty(t, resp.Header.Get("Content-Length"))
		assert.Contains(t, resp.TransferEncoding, "chunked")
		assert.Equal(t, len(large), len(body))
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 0, responses.Stats().Entries)
}
