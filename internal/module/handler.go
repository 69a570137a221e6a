package module

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Request 是与传输层无关的请求描述，模块只通过它读取请求信息。
type Request struct {
	Method     string
	Scheme     string
	Host       string
	Port       int
	Path       string
	RawQuery   string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Clone 复制请求，供重定向哨兵改写目标时使用，Header/Body 共享底层数据。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cloned := *r
	return &cloned
}

// LocalURL 返回 host + path 组成的本地 URL，作为响应缓存的一级键。
func (r *Request) LocalURL() string {
	if r == nil {
		return ""
	}
	return r.Host + r.Path
}

// Response 是 Handler 产出的响应；Body 与 Stream 二选一。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Stream 用于超出缓存上限的大文件，流式输出且永不进入响应缓存。
	Stream io.ReadCloser
	Size   int64
	// Compressible 为 false 时（二进制或已压缩内容）跳过即时压缩。
	Compressible bool
	// Encoding 非空表示 Body 已按该编码压缩（例如预压缩文件）。
	Encoding string
}

// Handler 描述一次请求的响应生成方式，每个匹配请求产出一个实例。
type Handler interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Generate makes HandlerFunc satisfy Handler.
func (f HandlerFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// CacheKeyer is implemented by handlers whose output may be cached.
// ok=false means the response must not be cached.
type CacheKeyer interface {
	CacheKey(req *Request) (key string, ok bool)
}

// ETagger is implemented by handlers that can validate conditional requests.
type ETagger interface {
	ETag(req *Request) string
}

// CompressionPrioritizer overrides the server compression priority list.
type CompressionPrioritizer interface {
	CompressionPriority() string
}

// AuthRequirer lists the auth tokens a caller must satisfy.
type AuthRequirer interface {
	RequiredAuth() []string
}

// CacheDurationer reports client-side and server-side cache lifetimes.
type CacheDurationer interface {
	ClientCacheDuration() time.Duration
	RequestCacheDuration() time.Duration
}

// Capabilities 将 Handler 的可选接口折叠为显式值，缺失的能力使用零值而不是魔法常量。
type Capabilities struct {
	CacheKey             string
	Cacheable            bool
	ETag                 string
	CompressionPriority  string
	RequiredAuth         []string
	ClientCacheDuration  time.Duration
	RequestCacheDuration time.Duration
}

// CapabilitiesOf 读取 Handler 在当前请求下声明的能力。
func CapabilitiesOf(h Handler, req *Request) Capabilities {
	var caps Capabilities
	if h == nil {
		return caps
	}
	if keyer, ok := h.(CacheKeyer); ok {
		caps.CacheKey, caps.Cacheable = keyer.CacheKey(req)
	}
	if tagger, ok := h.(ETagger); ok {
		caps.ETag = tagger.ETag(req)
	}
	if prio, ok := h.(CompressionPrioritizer); ok {
		caps.CompressionPriority = prio.CompressionPriority()
	}
	if auth, ok := h.(AuthRequirer); ok {
		caps.RequiredAuth = append([]string(nil), auth.RequiredAuth()...)
	}
	if durations, ok := h.(CacheDurationer); ok {
		caps.ClientCacheDuration = durations.ClientCacheDuration()
		caps.RequestCacheDuration = durations.RequestCacheDuration()
	}
	if caps.RequestCacheDuration <= 0 {
		caps.Cacheable = false
	}
	return caps
}

// Redirected is the sentinel handler an async resolver returns when the request
// must be processed again against a new target, as if the client had resent it.
type Redirected struct {
	Host     string
	Path     string
	RawQuery string
}

// Generate is never called by the router; it reports a misuse if reached.
func (r *Redirected) Generate(context.Context, *Request) (*Response, error) {
	return nil, NewResponseError(http.StatusLoopDetected, "redirected handler was not re-routed")
}

// Retarget 返回应用重定向后的请求副本，已读取的 Header/Body 原样转发。
func (r *Redirected) Retarget(req *Request) *Request {
	next := req.Clone()
	if r.Host != "" {
		next.Host = r.Host
	}
	if r.Path != "" {
		next.Path = r.Path
	}
	if r.RawQuery != "" {
		next.RawQuery = r.RawQuery
		if parsed, err := url.ParseQuery(r.RawQuery); err == nil {
			next.Query = parsed
		}
	}
	return next
}
