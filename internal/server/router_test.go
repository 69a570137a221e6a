package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/ratelimit"
	"github.com/any-hub/modserve/internal/redirect"
)

type namedHandler string

func (h namedHandler) Generate(context.Context, *module.Request) (*module.Response, error) {
	return &module.Response{Status: http.StatusOK, Body: []byte(h)}, nil
}

func fixedModule(name string, prefix string, handler module.Handler) *module.Module {
	return &module.Module{
		Name:     name,
		Prefixes: []string{prefix},
		Resolve:  func(*module.Request) (module.Handler, error) { return handler, nil },
	}
}

func newRouter(t *testing.T, mods ...*module.Module) *Router {
	t.Helper()
	hosts, err := NewHostRegistry("site.local")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, m := range mods {
		mustRegister(t, hosts, m)
	}
	return NewRouter(hosts, 3)
}

func TestRouteFirstNonNilHandlerWins(t *testing.T) {
	router := newRouter(t,
		fixedModule("empty", "/", nil),
		fixedModule("first", "/a", namedHandler("first")),
		fixedModule("second", "/a", namedHandler("second")),
	)
	match, err := router.Route(context.Background(), &module.Request{Host: "site.local", Path: "/a/b"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if match.Module.Name != "first" || match.Handler != namedHandler("first") {
		t.Fatalf("unexpected match %s", match.Module.Name)
	}
}

func TestRouteAsyncResolverIsAuthoritative(t *testing.T) {
	both := &module.Module{
		Name:         "both",
		Resolve:      func(*module.Request) (module.Handler, error) { return namedHandler("sync"), nil },
		ResolveAsync: func(context.Context, *module.Request) (module.Handler, error) { return nil, nil },
	}
	router := newRouter(t, both)
	if _, err := router.Route(context.Background(), &module.Request{Host: "site.local", Path: "/"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRouteNotFoundAndErrors(t *testing.T) {
	boom := errors.New("resolver exploded")
	router := newRouter(t,
		fixedModule("a", "/a", namedHandler("a")),
		&module.Module{
			Name:     "failing",
			Prefixes: []string{"/fail"},
			Resolve:  func(*module.Request) (module.Handler, error) { return nil, boom },
		},
	)
	if _, err := router.Route(context.Background(), &module.Request{Host: "site.local", Path: "/b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := router.Route(context.Background(), &module.Request{Host: "site.local", Path: "/fail"}); !errors.Is(err, boom) {
		t.Fatalf("expected resolver error to propagate, got %v", err)
	}
}

func TestRouteFollowsRedirectedSentinel(t *testing.T) {
	var seen *module.Request
	target := &module.Module{
		Name:     "target",
		Prefixes: []string{"/new"},
		Resolve: func(req *module.Request) (module.Handler, error) {
			seen = req
			return namedHandler("target"), nil
		},
	}
	router := newRouter(t,
		fixedModule("mover", "/old", &module.Redirected{Path: "/new/place", RawQuery: "x=1"}),
		target,
	)
	req := &module.Request{
		Method: http.MethodPost,
		Host:   "site.local",
		Path:   "/old/place",
		Header: http.Header{"X-Token": {"abc"}},
		Body:   []byte("payload"),
	}
	match, err := router.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if match.Module.Name != "target" || match.Hops != 1 {
		t.Fatalf("unexpected match %s hops=%d", match.Module.Name, match.Hops)
	}
	if seen.Path != "/new/place" || seen.Query.Get("x") != "1" {
		t.Fatalf("unexpected retargeted request %+v", seen)
	}
	if string(seen.Body) != "payload" || seen.Header.Get("X-Token") != "abc" || seen.Method != http.MethodPost {
		t.Fatalf("headers/body were not forwarded")
	}
}

func TestRouteStopsRedirectLoops(t *testing.T) {
	router := newRouter(t, fixedModule("loop", "/", &module.Redirected{Path: "/again"}))
	_, err := router.Route(context.Background(), &module.Request{Host: "site.local", Path: "/"})
	var respErr *module.ResponseError
	if !errors.As(err, &respErr) || respErr.Code != http.StatusLoopDetected {
		t.Fatalf("expected loop detected error, got %v", err)
	}
}

type testApp struct {
	*fiber.App
	storage *responderRecorder
}

func newTestApp(t *testing.T, opts AppOptions, mods ...*module.Module) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &responderRecorder{}
	opts.Logger = logger
	opts.Router = newRouter(t, mods...)
	opts.Responder = recorder
	opts.ListenPort = 5000
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	app.Get("/-/ping", func(c fiber.Ctx) error { return c.SendString("pong") })

	return &testApp{App: app, storage: recorder}
}

type responderRecorder struct {
	lastMatch *Match
}

func (p *responderRecorder) Serve(c fiber.Ctx, match *Match) error {
	p.lastMatch = match
	resp, err := match.Handler.Generate(c.Context(), match.Request)
	if err != nil {
		return err
	}
	return c.Status(resp.Status).Send(resp.Body)
}

func doRequest(t *testing.T, app *testApp, method, target string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestAppRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, AppOptions{}, fixedModule("docs", "/docs", namedHandler("docs body")))

	resp, body := doRequest(t, app, http.MethodGet, "http://site.local/docs/index.html?lang=en")
	if resp.StatusCode != fiber.StatusOK || body != "docs body" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if app.storage.lastMatch.Module.Name != "docs" {
		t.Fatalf("expected docs module, got %s", app.storage.lastMatch.Module.Name)
	}
	req := app.storage.lastMatch.Request
	if req.Host != "site.local" || req.Port != 80 || req.Query.Get("lang") != "en" {
		t.Fatalf("unexpected request conversion %+v", req)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" || req.Header.Get("X-Request-ID") != reqID {
		t.Fatalf("expected X-Request-ID header to be set and forwarded")
	}
}

func TestAppReturns404WhenNothingMatches(t *testing.T) {
	app := newTestApp(t, AppOptions{}, fixedModule("docs", "/docs", namedHandler("docs")))

	resp, body := doRequest(t, app, http.MethodGet, "http://unknown.local/other")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	if body != "Not Found" {
		t.Fatalf("expected default message, got %q", body)
	}
}

func TestAppErrorBoundary(t *testing.T) {
	app := newTestApp(t, AppOptions{},
		&module.Module{
			Name:     "teapot",
			Prefixes: []string{"/teapot"},
			Resolve: func(*module.Request) (module.Handler, error) {
				return nil, module.NewResponseError(http.StatusTeapot, "short and stout")
			},
		},
		&module.Module{
			Name:     "broken",
			Prefixes: []string{"/broken"},
			Resolve: func(*module.Request) (module.Handler, error) {
				return nil, errors.New("database password is hunter2")
			},
		},
		&module.Module{
			Name:     "panics",
			Prefixes: []string{"/panic"},
			Resolve:  func(*module.Request) (module.Handler, error) { panic("kaboom") },
		},
	)

	resp, body := doRequest(t, app, http.MethodGet, "http://site.local/teapot")
	if resp.StatusCode != http.StatusTeapot || body != "short and stout" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, body = doRequest(t, app, http.MethodGet, "http://site.local/broken")
	if resp.StatusCode != http.StatusInternalServerError || body != "Internal Server Error" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, _ = doRequest(t, app, http.MethodGet, "http://site.local/panic")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected panic to become 500, got %d", resp.StatusCode)
	}
}

func TestAppRateLimitRejects(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxConcurrent: 1, MaxQueue: 0})
	if _, err := limiter.Admit(context.Background()); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	app := newTestApp(t, AppOptions{Limiter: limiter}, fixedModule("docs", "/", namedHandler("ok")))

	resp, body := doRequest(t, app, http.MethodGet, "http://site.local/")
	if resp.StatusCode != fiber.StatusTooManyRequests || body != "Too Many Requests" {
		t.Fatalf("expected 429, got %d %q", resp.StatusCode, body)
	}

	resp, _ = doRequest(t, app, http.MethodGet, "http://site.local/-/ping")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("diagnostics should bypass the limiter, got %d", resp.StatusCode)
	}

	limiter.Release()
	resp, _ = doRequest(t, app, http.MethodGet, "http://site.local/")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 after release, got %d", resp.StatusCode)
	}
	if stats := limiter.Stats(); stats.InFlight != 0 {
		t.Fatalf("slot leaked: %+v", stats)
	}
}

func TestAppAppliesRedirectRules(t *testing.T) {
	engine := redirect.NewEngine(false, redirect.Rule{From: "http://*:80/", To: "https://*:443/", Code: 301})
	app := newTestApp(t, AppOptions{Redirects: engine}, fixedModule("docs", "/", namedHandler("ok")))

	resp, _ := doRequest(t, app, http.MethodGet, "http://site.local/path?q=1")
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://site.local:443/path?q=1" {
		t.Fatalf("unexpected location %s", loc)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	router := NewRouter(&HostRegistry{}, 0)
	responder := ResponderFunc(func(fiber.Ctx, *Match) error { return nil })
	cases := []AppOptions{
		{Router: router, Responder: responder, ListenPort: 1},
		{Logger: logger, Responder: responder, ListenPort: 1},
		{Logger: logger, Router: router, ListenPort: 1},
		{Logger: logger, Router: router, Responder: responder},
	}
	for i, opts := range cases {
		if _, err := NewApp(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

// slotProbeReader 记录正文被读取时限流器仍占用的槽位数。
type slotProbeReader struct {
	limiter  *ratelimit.Limiter
	inFlight atomic.Int64
	read     bool
	closed   func()
}

func (r *slotProbeReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, io.EOF
	}
	r.read = true
	r.inFlight.Store(int64(r.limiter.Stats().InFlight))
	return copy(p, "streamed"), nil
}

func (r *slotProbeReader) Close() error {
	r.closed()
	return nil
}

func TestStreamedBodyHoldsLimiterSlot(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	limiter := ratelimit.New(ratelimit.Config{MaxConcurrent: 2})
	reader := &slotProbeReader{limiter: limiter}

	responder := ResponderFunc(func(c fiber.Ctx, _ *Match) error {
		release := HoldSlot(c)
		reader.closed = release
		c.Response().SetBodyStream(reader, -1)
		return nil
	})
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Router:     newRouter(t, fixedModule("stream", "/", namedHandler("unused"))),
		Responder:  responder,
		ListenPort: 5000,
		Limiter:    limiter,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, body := doRequest(t, &testApp{App: app}, http.MethodGet, "http://site.local/")
	if resp.StatusCode != fiber.StatusOK || body != "streamed" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if got := reader.inFlight.Load(); got != 1 {
		t.Fatalf("slot should stay held while the body streams, in flight = %d", got)
	}
	// 正文写完后连接侧才关闭流，稍等片刻。
	deadline := time.Now().Add(time.Second)
	for limiter.Stats().InFlight != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stats := limiter.Stats(); stats.InFlight != 0 {
		t.Fatalf("slot leaked after stream closed: %+v", stats)
	}
}

func TestHoldSlotWithoutLimiterIsNoop(t *testing.T) {
	responder := ResponderFunc(func(c fiber.Ctx, _ *Match) error {
		HoldSlot(c)()
		return c.SendString("ok")
	})
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Router:     newRouter(t, fixedModule("plain", "/", namedHandler("unused"))),
		Responder:  responder,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	resp, body := doRequest(t, &testApp{App: app}, http.MethodGet, "http://site.local/")
	if resp.StatusCode != fiber.StatusOK || body != "ok" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}
