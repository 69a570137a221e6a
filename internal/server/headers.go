package server

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modserve/internal/module"
)

// hopByHopHeaders 定义 RFC 7230 中只对单跳连接有效的头部，模块响应中出现时不写回客户端。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header is connection-scoped.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}

// RequestFromCtx 将 Fiber 请求转换为模块使用的 Request，Header/Body 均为拷贝。
func RequestFromCtx(c fiber.Ctx) *module.Request {
	uri := c.Request().URI()
	scheme := strings.ToLower(string(uri.Scheme()))
	if scheme == "" {
		scheme = "http"
	}
	host, port := normalizeHost(getHostHeader(c))
	if port == 0 {
		port = defaultPort(scheme)
	}

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	if id := RequestID(c); id != "" {
		header.Set("X-Request-ID", id)
	}

	rawQuery := string(uri.QueryString())
	query, _ := url.ParseQuery(rawQuery)

	path := string(uri.Path())
	if path == "" {
		path = "/"
	}

	return &module.Request{
		Method:     c.Method(),
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		Path:       path,
		RawQuery:   rawQuery,
		Query:      query,
		Header:     header,
		Body:       append([]byte(nil), c.Body()...),
		RemoteAddr: c.IP(),
	}
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
