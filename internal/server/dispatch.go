package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/any-hub/modserve/internal/module"
)

// ErrNotFound 表示没有模块处理该请求，是正常的否定结果。
var ErrNotFound = errors.New("no module matched")

// DefaultMaxHops 限制 Redirected 重新路由的次数。
const DefaultMaxHops = 8

// Match 是一次成功路由的结果。
type Match struct {
	Module  *module.Module
	Handler module.Handler
	// Request 是最终生效的请求（经过 Redirected 改写后）。
	Request *module.Request
	Hops    int
}

// Router 按 Host + 路径前缀分发请求到模块。
type Router struct {
	hosts   *HostRegistry
	maxHops int
}

// NewRouter 创建路由器；maxHops <= 0 时使用 DefaultMaxHops。
func NewRouter(hosts *HostRegistry, maxHops int) *Router {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Router{hosts: hosts, maxHops: maxHops}
}

// Route 依注册顺序尝试候选模块，第一个返回非空 Handler 的模块胜出。
// 模块解析出错时原样返回，由上层错误边界处理。
func (r *Router) Route(ctx context.Context, req *module.Request) (*Match, error) {
	current := req
	for hop := 0; ; hop++ {
		mod, handler, err := r.resolve(ctx, current)
		if err != nil {
			return nil, err
		}
		if handler == nil {
			return nil, ErrNotFound
		}
		redirected, ok := handler.(*module.Redirected)
		if !ok {
			return &Match{Module: mod, Handler: handler, Request: current, Hops: hop}, nil
		}
		if hop+1 > r.maxHops {
			return nil, module.NewResponseError(http.StatusLoopDetected, fmt.Sprintf("module %s exceeded %d internal redirects", mod.Name, r.maxHops))
		}
		// 视同客户端重新发起请求，已读取的 Header/Body 原样带上
		current = redirected.Retarget(current)
	}
}

func (r *Router) resolve(ctx context.Context, req *module.Request) (*module.Module, module.Handler, error) {
	for _, mod := range r.hosts.Candidates(req.Host, req.Path) {
		handler, err := mod.HandlerFor(ctx, req)
		if err != nil {
			return mod, nil, err
		}
		if handler != nil {
			return mod, handler, nil
		}
	}
	return nil, nil, nil
}
