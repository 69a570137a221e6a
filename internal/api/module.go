package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/audit"
	"github.com/any-hub/modserve/internal/module"
)

// Func implements one API call.
type Func func(ctx context.Context, req *module.Request) (any, error)

// Endpoint is one callable API under the module prefix.
type Endpoint struct {
	Name        string
	Method      string
	Description string
	Func        Func
	// CacheKey overrides the default key (method + sorted query) when set.
	CacheKey             func(req *module.Request) (string, bool)
	RequiredAuth         []string
	Compression          string
	ClientCacheDuration  time.Duration
	RequestCacheDuration time.Duration
}

// Options configure an API module.
type Options struct {
	Name        string
	Prefix      string
	Hosts       []string
	Endpoints   []Endpoint
	Serializers []Serializer
	Logger      *logrus.Logger
}

// NewModule builds a module that maps `<prefix>/<endpoint name>` to endpoints.
func NewModule(opts Options) (*module.Module, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("api module name required")
	}
	prefix := "/" + strings.Trim(opts.Prefix, "/")
	if prefix == "/" {
		return nil, errors.New("api module prefix required")
	}
	if len(opts.Serializers) == 0 {
		opts.Serializers = []Serializer{JSONSerializer{}, YAMLSerializer{}}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	byPath := make(map[string]*Endpoint, len(opts.Endpoints))
	for i := range opts.Endpoints {
		ep := &opts.Endpoints[i]
		name := strings.Trim(ep.Name, "/")
		if name == "" || ep.Func == nil {
			return nil, fmt.Errorf("api endpoint %d: name and func required", i)
		}
		if ep.Method == "" {
			ep.Method = http.MethodGet
		}
		ep.Method = strings.ToUpper(ep.Method)
		path := prefix + "/" + name
		if _, exists := byPath[path]; exists {
			return nil, fmt.Errorf("api endpoint %s registered twice", path)
		}
		byPath[path] = ep
	}

	moduleName := opts.Name
	resolve := func(_ context.Context, req *module.Request) (module.Handler, error) {
		ep, ok := byPath[strings.TrimSuffix(req.Path, "/")]
		if !ok {
			return nil, nil
		}
		if req.Method != ep.Method && !(req.Method == http.MethodHead && ep.Method == http.MethodGet) {
			return nil, module.NewResponseError(http.StatusMethodNotAllowed, "")
		}
		return &callHandler{
			module:     moduleName,
			endpoint:   ep,
			serializer: pickSerializer(opts.Serializers, req.Header.Get("Accept")),
			logger:     logger,
		}, nil
	}

	endpoints := make([]module.Endpoint, 0, len(opts.Endpoints))
	for _, ep := range opts.Endpoints {
		endpoints = append(endpoints, module.Endpoint{
			Method:      ep.Method,
			Path:        prefix + "/" + strings.Trim(ep.Name, "/"),
			Description: ep.Description,
		})
	}

	return &module.Module{
		Name:         opts.Name,
		Description:  "api " + prefix,
		Hosts:        opts.Hosts,
		Prefixes:     []string{prefix},
		ResolveAsync: resolve,
		Endpoints:    func() []module.Endpoint { return append([]module.Endpoint(nil), endpoints...) },
	}, nil
}

type callHandler struct {
	module     string
	endpoint   *Endpoint
	serializer Serializer
	logger     *logrus.Logger
}

func (h *callHandler) Generate(ctx context.Context, req *module.Request) (*module.Response, error) {
	call := audit.Call{ID: req.Header.Get("X-Request-ID"), Request: req, API: h.endpoint.Name}
	audit.Begin(h.logger, h.module, call, req.Query)

	out, err := h.endpoint.Func(ctx, req)
	if err != nil {
		audit.Exception(h.logger, h.module, call, err)
		return nil, err
	}
	audit.End(h.logger, h.module, call, out)

	body, err := h.serializer.Serialize(out)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", h.serializer.ContentType()+"; charset=utf-8")
	return &module.Response{
		Status:       http.StatusOK,
		Header:       header,
		Body:         body,
		Size:         int64(len(body)),
		Compressible: true,
	}, nil
}

func (h *callHandler) CacheKey(req *module.Request) (string, bool) {
	if h.endpoint.CacheKey != nil {
		key, ok := h.endpoint.CacheKey(req)
		if !ok {
			return "", false
		}
		return key + "|" + h.serializer.ContentType(), true
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return "", false
	}
	return req.Query.Encode() + "|" + h.serializer.ContentType(), true
}

func (h *callHandler) RequiredAuth() []string {
	return h.endpoint.RequiredAuth
}

func (h *callHandler) CompressionPriority() string {
	return h.endpoint.Compression
}

func (h *callHandler) ClientCacheDuration() time.Duration {
	return h.endpoint.ClientCacheDuration
}

func (h *callHandler) RequestCacheDuration() time.Duration {
	return h.endpoint.RequestCacheDuration
}

// StatusEndpoint reports the service name, version and uptime.
func StatusEndpoint(name, version string, started time.Time) Endpoint {
	return Endpoint{
		Name:        "status",
		Method:      http.MethodGet,
		Description: "service status",
		Func: func(context.Context, *module.Request) (any, error) {
			return map[string]any{
				"name":    name,
				"version": version,
				"uptime":  time.Since(started).Round(time.Second).String(),
			}, nil
		},
	}
}

// Purger drops cached responses stored under a local URL.
type Purger interface {
	Purge(localURL string) int
}

// PurgeEndpoint 按 ?url=<host><path> 清除响应缓存，调用方需满足 required 鉴权。
func PurgeEndpoint(purger Purger, required ...string) Endpoint {
	return Endpoint{
		Name:         "purge",
		Method:       http.MethodPost,
		Description:  "drop cached responses for a local url",
		RequiredAuth: required,
		Func: func(_ context.Context, req *module.Request) (any, error) {
			target := strings.TrimSpace(req.Query.Get("url"))
			if target == "" {
				return nil, module.NewResponseError(http.StatusBadRequest, "url query parameter required")
			}
			return map[string]any{"url": target, "removed": purger.Purge(target)}, nil
		},
	}
}
