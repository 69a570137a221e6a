package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/metrics"
	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/ratelimit"
	"github.com/any-hub/modserve/internal/redirect"
)

// Responder 负责把路由结果写成 HTTP 响应，测试中可以注入假的实现。
type Responder interface {
	Serve(fiber.Ctx, *Match) error
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(fiber.Ctx, *Match) error

// Serve makes ResponderFunc satisfy Responder.
func (f ResponderFunc) Serve(c fiber.Ctx, match *Match) error {
	return f(c, match)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Router     *Router
	Responder  Responder
	ListenPort int
	// Limiter 为空时不做限流。
	Limiter *ratelimit.Limiter
	// Redirects 为空时跳过重定向规则。
	Redirects *redirect.Engine
	Metrics   *metrics.Metrics
}

const (
	contextKeyRequestID = "_modserve_request_id"
	contextKeyModule    = "_modserve_module"
	contextKeyStarted   = "_modserve_started"
	contextKeySlot      = "_modserve_slot"
)

// NewApp builds a Fiber application with rate limiting, redirection rules,
// module routing and a structured error boundary.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	if opts.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	if opts.Limiter != nil {
		app.Use(rateLimitMiddleware(opts.Limiter, opts.Metrics, opts.Logger))
	}
	if opts.Redirects != nil {
		app.Use(redirectMiddleware(opts.Redirects, opts.Metrics))
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		req := RequestFromCtx(c)
		match, err := opts.Router.Route(c.Context(), req)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return module.NewResponseError(fiber.StatusNotFound, "")
			}
			return err
		}
		c.Locals(contextKeyModule, match.Module.Name)
		return opts.Responder.Serve(c, match)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并记录开始时间。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Locals(contextKeyStarted, time.Now())
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// rateLimitMiddleware 在其它处理之前做准入控制；诊断接口不受限流影响。
func rateLimitMiddleware(limiter *ratelimit.Limiter, m *metrics.Metrics, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		decision, err := limiter.Admit(c.Context())
		m.LimiterDecision(decision.Outcome.String(), decision.Delay)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "rate_limit",
				"request_id": RequestID(c),
				"path":       string(c.Request().URI().Path()),
			}).WithError(err).Warn("request_rejected")
			if errors.Is(err, ratelimit.ErrRejected) {
				return module.NewResponseError(fiber.StatusTooManyRequests, "")
			}
			return err
		}
		slot := &limiterSlot{release: limiter.Release}
		c.Locals(contextKeySlot, slot)
		defer func() {
			if !slot.held.Load() {
				slot.Release()
			}
		}()
		if err := c.Next(); err != nil {
			slot.Release()
			return err
		}
		return nil
	}
}

// limiterSlot 是一次准入占用的槽位，最多归还一次。
type limiterSlot struct {
	once    sync.Once
	held    atomic.Bool
	release func()
}

func (s *limiterSlot) Release() {
	s.once.Do(s.release)
}

// HoldSlot 让限流槽位在 Handler 返回后继续占用，直到调用返回的函数为止，
// 用于正文以流方式在 Handler 返回之后才写出的响应。未启用限流时返回空操作。
func HoldSlot(c fiber.Ctx) func() {
	slot, ok := c.Locals(contextKeySlot).(*limiterSlot)
	if !ok {
		return func() {}
	}
	slot.held.Store(true)
	return slot.Release
}

// redirectMiddleware 按规则把请求重定向到新地址。
func redirectMiddleware(engine *redirect.Engine, m *metrics.Metrics) fiber.Handler {
	return func(c fiber.Ctx) error {
		uri := c.Request().URI()
		path := string(uri.Path())
		if isDiagnosticsPath(path) {
			return c.Next()
		}
		scheme := strings.ToLower(string(uri.Scheme()))
		host, port := normalizeHost(getHostHeader(c))
		if port == 0 {
			port = defaultPort(scheme)
		}
		if query := uri.QueryString(); len(query) > 0 {
			path += "?" + string(query)
		}
		target, code, ok := engine.Match(scheme, host, port, path)
		if !ok {
			return c.Next()
		}
		m.Redirected(code)
		c.Set(fiber.HeaderLocation, target)
		return c.SendStatus(code)
	}
}

// errorHandler 是统一的错误边界：ResponseError/fiber.Error 使用自身状态码，
// 其余错误一律转换为 500。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := ""

		var respErr *module.ResponseError
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &respErr):
			code = respErr.Code
			message = respErr.Message
		case errors.As(err, &fiberErr):
			code = fiberErr.Code
			message = fiberErr.Message
		case errors.Is(err, ErrNotFound):
			code = fiber.StatusNotFound
		case errors.Is(err, ratelimit.ErrRejected):
			code = fiber.StatusTooManyRequests
		}
		if message == "" || code == fiber.StatusInternalServerError {
			message = http.StatusText(code)
		}

		fields := logrus.Fields{
			"action":     "error_boundary",
			"request_id": RequestID(c),
			"status":     code,
			"path":       string(c.Request().URI().Path()),
		}
		if name := ModuleName(c); name != "" {
			fields["module"] = name
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithFields(fields).WithError(err).Error("request_failed")
		} else {
			logger.WithFields(fields).Debug("request_refused")
		}

		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(code).SendString(message)
	}
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ModuleName returns the name of the module that served the request, if any.
func ModuleName(c fiber.Ctx) string {
	if value, ok := c.Locals(contextKeyModule).(string); ok {
		return value
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

// RequestStarted returns when the request entered the pipeline.
func RequestStarted(c fiber.Ctx) time.Time {
	if value, ok := c.Locals(contextKeyStarted).(time.Time); ok {
		return value
	}
	return time.Now()
}
