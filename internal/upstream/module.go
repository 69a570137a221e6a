package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/compress"
	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/server"
)

// Options 描述一个上游转发模块。
type Options struct {
	Name    string
	Hosts   []string
	WebPath string
	Target  string
	// Username/Password 同时提供时以 Basic 认证访问上游。
	Username string
	Password string
	Client   *http.Client
	// MaxBodySize 以内的响应整体读入内存并可进入缓存，更大的响应流式输出。
	MaxBodySize          int64
	RequestCacheDuration time.Duration
	ClientCacheDuration  time.Duration
	Logger               *logrus.Logger
}

// NewModule 构建上游转发模块，使用异步解析（Handler 生成阶段会等待上游响应）。
func NewModule(opts Options) (*module.Module, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("upstream module name required")
	}
	target, err := parseTarget(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", opts.Name, err)
	}
	webPath := "/" + strings.Trim(opts.WebPath, "/")
	if opts.Client == nil {
		opts.Client = NewClient(DefaultTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	credential := ""
	if opts.Username != "" && opts.Password != "" {
		credential = "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.Username+":"+opts.Password))
	}

	return &module.Module{
		Name:        opts.Name,
		Description: "proxy to " + target.String(),
		Hosts:       append([]string(nil), opts.Hosts...),
		Prefixes:    []string{webPath},
		ResolveAsync: func(ctx context.Context, req *module.Request) (module.Handler, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rel, ok := relativePath(webPath, req.Path)
			if !ok {
				return nil, nil
			}
			return &proxyHandler{
				opts:       &opts,
				target:     resolveURL(target, rel, req.RawQuery),
				credential: credential,
			}, nil
		},
		Endpoints: func() []module.Endpoint {
			return []module.Endpoint{{
				Method:      "*",
				Path:        strings.TrimSuffix(webPath, "/") + "/*",
				Description: "forwarded to " + target.String(),
			}}
		},
	}, nil
}

// proxyHandler 为单个请求执行一次上游调用。
type proxyHandler struct {
	opts       *Options
	target     *url.URL
	credential string
}

func (h *proxyHandler) Generate(ctx context.Context, req *module.Request) (*module.Response, error) {
	started := time.Now()
	upstreamReq, err := h.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := h.opts.Client.Do(upstreamReq)
	if err != nil {
		h.logResult(req, 0, started, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, module.NewResponseError(http.StatusBadGateway, "")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		resp.Body.Close()
		h.logResult(req, resp.StatusCode, started, nil)
		return nil, module.NewResponseError(http.StatusBadGateway, "")
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	out := &module.Response{
		Status:       resp.StatusCode,
		Header:       header,
		Encoding:     resp.Header.Get("Content-Encoding"),
		Compressible: compress.CompressibleType(resp.Header.Get("Content-Type")),
	}
	if out.Encoding != "" {
		out.Compressible = false
	}

	if h.streamed(resp) {
		out.Stream = resp.Body
		out.Size = resp.ContentLength
		h.logResult(req, resp.StatusCode, started, nil)
		return out, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	h.logResult(req, resp.StatusCode, started, err)
	if err != nil {
		return nil, module.NewResponseError(http.StatusBadGateway, "")
	}
	out.Body = body
	out.Size = int64(len(body))
	return out, nil
}

// streamed 长度未知或超过 MaxBodySize 的响应不读入内存。
func (h *proxyHandler) streamed(resp *http.Response) bool {
	if h.opts.MaxBodySize <= 0 {
		return false
	}
	return resp.ContentLength < 0 || resp.ContentLength > h.opts.MaxBodySize
}

func (h *proxyHandler) buildRequest(ctx context.Context, req *module.Request) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, h.target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(upstreamReq.Header, req.Header)
	// 压缩由本服务统一协商，上游返回明文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Authorization")
	upstreamReq.Host = h.target.Host
	upstreamReq.Header.Set("X-Forwarded-Host", req.Host)
	if ip := clientIP(req.RemoteAddr); ip != "" {
		if prior := upstreamReq.Header.Get("X-Forwarded-For"); prior != "" {
			upstreamReq.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			upstreamReq.Header.Set("X-Forwarded-For", ip)
		}
	}
	if req.Scheme != "" {
		upstreamReq.Header.Set("X-Forwarded-Proto", req.Scheme)
	}
	if req.Port > 0 {
		upstreamReq.Header.Set("X-Forwarded-Port", strconv.Itoa(req.Port))
	}
	if h.credential != "" {
		upstreamReq.Header.Set("Authorization", h.credential)
	}
	return upstreamReq, nil
}

func (h *proxyHandler) logResult(req *module.Request, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "upstream",
		"module":     h.opts.Name,
		"upstream":   h.target.String(),
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
		"request_id": req.Header.Get("X-Request-ID"),
	}
	if err != nil {
		h.opts.Logger.WithFields(fields).WithError(err).Warn("upstream_failed")
		return
	}
	if status >= http.StatusInternalServerError {
		h.opts.Logger.WithFields(fields).Warn("upstream_error_status")
		return
	}
	h.opts.Logger.WithFields(fields).Debug("upstream_complete")
}

// CacheKey 仅缓存 GET/HEAD，两者共用条目（缓存生成总是以 GET 请求上游）；
// 查询串与 Accept 决定上游可能返回的不同表示。
func (h *proxyHandler) CacheKey(req *module.Request) (string, bool) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return "", false
	}
	return h.target.String() + "|" + req.Header.Get("Accept"), true
}

func (h *proxyHandler) ClientCacheDuration() time.Duration {
	return h.opts.ClientCacheDuration
}

func (h *proxyHandler) RequestCacheDuration() time.Duration {
	return h.opts.RequestCacheDuration
}

func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("missing target url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("only http/https targets are supported: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("target has no host: %s", raw)
	}
	return parsed, nil
}

func relativePath(webPath, requestPath string) (string, bool) {
	web := strings.TrimSuffix(webPath, "/")
	clean := path.Clean("/" + requestPath)
	switch {
	case web == "":
		return clean, true
	case clean == web:
		return "/", true
	case strings.HasPrefix(clean, web+"/"):
		return strings.TrimPrefix(clean, web), true
	}
	return "", false
}

func resolveURL(base *url.URL, rel, rawQuery string) *url.URL {
	out := *base
	out.Path = strings.TrimSuffix(base.Path, "/") + rel
	out.RawPath = ""
	out.RawQuery = rawQuery
	return &out
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
