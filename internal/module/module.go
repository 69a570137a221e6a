package module

import (
	"context"
	"errors"
	"strings"
)

// ResolveFunc is the synchronous resolver: it must not block on I/O.
type ResolveFunc func(req *Request) (Handler, error)

// AsyncResolveFunc may suspend (backend calls, file I/O) and must honour ctx.
type AsyncResolveFunc func(ctx context.Context, req *Request) (Handler, error)

// Endpoint 描述模块对外暴露的一个端点，供诊断接口枚举。
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Module 是注册到路由器的可插拔单元。注册后不可变，内部私有状态除外。
type Module struct {
	Name        string
	Description string
	// Hosts 为空时模块对所有 Host 生效（等价于 "*"）。
	Hosts []string
	// Prefixes 为空表示不限制路径前缀。
	Prefixes []string
	// Resolve 与 ResolveAsync 同时存在时 ResolveAsync 具有决定权，注册时即固定。
	Resolve      ResolveFunc
	ResolveAsync AsyncResolveFunc
	Endpoints    func() []Endpoint
}

// IsAsync reports whether the async resolver is authoritative for this module.
func (m *Module) IsAsync() bool {
	return m != nil && m.ResolveAsync != nil
}

// Validate 确保名称与至少一个解析函数存在。
func (m *Module) Validate() error {
	if m == nil {
		return errors.New("module is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("module name required")
	}
	if m.Resolve == nil && m.ResolveAsync == nil {
		return errors.New("module resolver required")
	}
	for _, prefix := range m.Prefixes {
		if !strings.HasPrefix(prefix, "/") {
			return errors.New("module prefix must start with /: " + prefix)
		}
	}
	return nil
}

// HandlerFor 调用模块的权威解析函数。
func (m *Module) HandlerFor(ctx context.Context, req *Request) (Handler, error) {
	if m.ResolveAsync != nil {
		return m.ResolveAsync(ctx, req)
	}
	return m.Resolve(req)
}

// ListEndpoints returns the module endpoints, or nil when it declares none.
func (m *Module) ListEndpoints() []Endpoint {
	if m == nil || m.Endpoints == nil {
		return nil
	}
	return m.Endpoints()
}
