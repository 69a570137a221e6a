package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/modserve/internal/cache"
	"github.com/any-hub/modserve/internal/metrics"
	"github.com/any-hub/modserve/internal/ratelimit"
	"github.com/any-hub/modserve/internal/redirect"
)

// StatsSources 汇总 /-/stats 所需的组件，任一为空时对应字段省略。
type StatsSources struct {
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Redirects *redirect.Engine
}

// RegisterStatsRoute 暴露 /-/stats，返回缓存、限流与重定向规则的运行时计数。
func RegisterStatsRoute(app *fiber.App, sources StatsSources) {
	if app == nil {
		return
	}
	app.Get("/-/stats", func(c fiber.Ctx) error {
		payload := fiber.Map{}
		if sources.Cache != nil {
			s := sources.Cache.Stats()
			payload["cache"] = fiber.Map{
				"entries":     s.Entries,
				"bytes":       s.Bytes,
				"in_flight":   s.InFlight,
				"hits":        s.Hits,
				"misses":      s.Misses,
				"generations": s.Generations,
				"evictions":   s.Evictions,
			}
		}
		if sources.Limiter != nil {
			s := sources.Limiter.Stats()
			payload["rate_limit"] = fiber.Map{
				"in_flight": s.InFlight,
				"queued":    s.Queued,
				"admitted":  s.Admitted,
				"delayed":   s.Delayed,
				"rejected":  s.Rejected,
			}
		}
		if sources.Redirects != nil {
			payload["redirect_rules"] = sources.Redirects.Len()
		}
		return c.JSON(payload)
	})
}

// RegisterMetricsRoute 以 Prometheus 文本格式暴露 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, m *metrics.Metrics) {
	if app == nil || m == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))
}
