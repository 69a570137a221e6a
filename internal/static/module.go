package static

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/compress"
	"github.com/any-hub/modserve/internal/module"
)

// ModuleOptions 汇总构造文件模块所需的依赖。
type ModuleOptions struct {
	Mapping  *Mapping
	Resolver *Resolver
	// Priority 用于挑选可接受的预压缩兄弟文件，通常为缓存内容的压缩列表。
	Priority compress.Priority
	Hosts    []string
	Logger   *logrus.Logger
}

// NewModule 构建文件模块：前缀为 WebPath，使用异步解析（需要访问文件系统）。
func NewModule(opts ModuleOptions) (*module.Module, error) {
	if err := opts.Mapping.Validate(); err != nil {
		return nil, fmt.Errorf("static mapping %s: %w", opts.Mapping.Name, err)
	}
	if opts.Resolver == nil {
		return nil, errors.New("static resolver required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	m := opts.Mapping
	priority := opts.Priority
	if m.Compression != "" {
		if override, err := compress.ParsePriority(m.Compression); err == nil {
			priority = override
		}
	}

	name := m.Name
	if name == "" {
		name = "static:" + m.WebPath
	}

	return &module.Module{
		Name:        name,
		Description: "static files from " + strings.Join(m.DiscFolders, ", "),
		Hosts:       append([]string(nil), opts.Hosts...),
		Prefixes:    []string{m.WebPath},
		ResolveAsync: func(ctx context.Context, req *module.Request) (module.Handler, error) {
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return nil, nil
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			acceptable := compress.Acceptable(priority, req.Header.Get("Accept-Encoding"))
			res, err := opts.Resolver.Resolve(m, req.Path, acceptable)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return &fileHandler{mapping: m, resolver: opts.Resolver, res: res}, nil
		},
		Endpoints: func() []module.Endpoint {
			return []module.Endpoint{{
				Method:      http.MethodGet,
				Path:        strings.TrimSuffix(m.WebPath, "/") + "/*",
				Description: "files from " + strings.Join(m.DiscFolders, ", "),
			}}
		},
	}, nil
}

// fileHandler 为单个已解析文件生成响应。
type fileHandler struct {
	mapping  *Mapping
	resolver *Resolver
	res      Resolution
}

func (h *fileHandler) oversized() bool {
	return h.mapping.MaxCacheSize > 0 && h.res.Size > h.mapping.MaxCacheSize
}

func (h *fileHandler) Generate(_ context.Context, _ *module.Request) (*module.Response, error) {
	header := http.Header{}
	header.Set("Content-Type", h.res.ContentType)
	header.Set("Last-Modified", h.res.ModTime.UTC().Format(http.TimeFormat))

	resp := &module.Response{
		Status:       http.StatusOK,
		Header:       header,
		Size:         h.res.Size,
		Compressible: !h.res.Precompressed && compress.CompressibleType(h.res.ContentType),
	}
	if h.res.Precompressed {
		resp.Encoding = h.res.Encoding
	}

	if h.oversized() {
		f, err := os.Open(h.res.DiscPath)
		if err != nil {
			return nil, h.openError(err)
		}
		resp.Stream = f
	} else {
		body, err := os.ReadFile(h.res.DiscPath)
		if err != nil {
			return nil, h.openError(err)
		}
		resp.Body = body
		resp.Size = int64(len(body))
	}

	if h.mapping.UpdateAccessTime {
		h.resolver.Touch(h.res)
	}
	return resp, nil
}

func (h *fileHandler) openError(err error) error {
	// 解析与读取之间文件可能被删除或改权限，对外统一为 404。
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		h.resolver.logStatError(h.res.DiscPath, err)
		return module.NewResponseError(http.StatusNotFound, "")
	}
	return err
}

func (h *fileHandler) CacheKey(*module.Request) (string, bool) {
	return h.res.DiscPath + "|" + strconv.FormatInt(h.res.Size, 10) + "|" +
		strconv.FormatInt(h.res.ModTime.UnixNano(), 10) + "|" + h.res.Encoding, true
}

func (h *fileHandler) ETag(*module.Request) string {
	tag := strconv.FormatInt(h.res.Size, 16) + "-" + strconv.FormatInt(h.res.ModTime.UnixNano(), 16)
	if h.res.Encoding != "" {
		tag += "-" + h.res.Encoding
	}
	return `W/"` + tag + `"`
}

func (h *fileHandler) CompressionPriority() string {
	return h.mapping.Compression
}

func (h *fileHandler) ClientCacheDuration() time.Duration {
	return h.mapping.ClientCacheDuration
}

func (h *fileHandler) RequestCacheDuration() time.Duration {
	if h.oversized() {
		return 0
	}
	return h.mapping.RequestCacheDuration
}
