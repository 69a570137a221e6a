package static

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/utils/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/compress"
)

// ErrNotFound 表示没有候选目录能提供该文件（含无权限场景）。
var ErrNotFound = errors.New("static file not found")

// Resolution 是一次成功解析的结果。
type Resolution struct {
	// DiscPath 是实际要读取的文件（可能是预压缩兄弟文件）。
	DiscPath string
	// Original 是未压缩原文件路径，用于推断 Content-Type。
	Original      string
	Encoding      string
	Precompressed bool
	Size          int64
	ModTime       time.Time
	ContentType   string
}

type statResult struct {
	info    fs.FileInfo
	err     error
	expires time.Time
}

// Resolver 负责把请求路径解析为磁盘文件，并维护短时 stat 缓存。
type Resolver struct {
	logger  *logrus.Logger
	statTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	stats map[string]statResult
}

// NewResolver 创建解析器；statTTL<=0 时关闭 stat 缓存。
func NewResolver(logger *logrus.Logger, statTTL time.Duration) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		logger:  logger,
		statTTL: statTTL,
		now:     time.Now,
		stats:   make(map[string]statResult),
	}
}

// Resolve walks the mapping's disc folders in registration order. acceptable
// lists the codecs the client accepts in server priority order; when the
// mapping allows it, a precompressed sibling that is at least as fresh as the
// original (or whose original is absent) wins over the original.
func (r *Resolver) Resolve(m *Mapping, requestPath string, acceptable []string) (Resolution, error) {
	rel, ok := m.Relative(requestPath)
	if !ok {
		return Resolution{}, ErrNotFound
	}

	for _, folder := range m.DiscFolders {
		res, err := r.resolveIn(m, folder, rel, acceptable)
		if err == nil {
			return res, nil
		}
	}
	return Resolution{}, ErrNotFound
}

func (r *Resolver) resolveIn(m *Mapping, folder, rel string, acceptable []string) (Resolution, error) {
	original, err := joinWithin(folder, rel)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "static_resolve",
			"folder": folder,
			"path":   rel,
		}).Warn("path escapes disc folder")
		return Resolution{}, ErrNotFound
	}

	info, statErr := r.stat(original)
	if statErr == nil && info.IsDir() {
		if m.IndexFile == "" {
			return Resolution{}, ErrNotFound
		}
		original = filepath.Join(original, m.IndexFile)
		info, statErr = r.stat(original)
		if statErr == nil && info.IsDir() {
			return Resolution{}, ErrNotFound
		}
	}
	if statErr != nil {
		r.logStatError(original, statErr)
		info = nil
	}

	contentType := contentTypeFor(original)
	if m.Precompressed {
		for _, codec := range acceptable {
			suffix := compress.Suffix(codec)
			if suffix == "" {
				continue
			}
			sibling := original + suffix
			cinfo, err := r.stat(sibling)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					r.logStatError(sibling, err)
				}
				continue
			}
			if cinfo.IsDir() {
				continue
			}
			if info != nil && cinfo.ModTime().Before(info.ModTime()) {
				continue
			}
			return Resolution{
				DiscPath:      sibling,
				Original:      original,
				Encoding:      codec,
				Precompressed: true,
				Size:          cinfo.Size(),
				ModTime:       cinfo.ModTime(),
				ContentType:   contentType,
			}, nil
		}
	}

	if info == nil {
		return Resolution{}, ErrNotFound
	}
	return Resolution{
		DiscPath:    original,
		Original:    original,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentType,
	}, nil
}

func (r *Resolver) stat(name string) (fs.FileInfo, error) {
	if r.statTTL <= 0 {
		return os.Stat(name)
	}
	now := r.now()
	r.mu.Lock()
	cached, ok := r.stats[name]
	r.mu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.info, cached.err
	}

	info, err := os.Stat(name)
	r.mu.Lock()
	r.stats[name] = statResult{info: info, err: err, expires: now.Add(r.statTTL)}
	r.mu.Unlock()
	return info, err
}

// Forget drops stat cache entries that expired; it runs alongside the response cache sweep.
func (r *Resolver) Forget() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, res := range r.stats {
		if !now.Before(res.expires) {
			delete(r.stats, name)
			removed++
		}
	}
	return removed
}

func (r *Resolver) logStatError(name string, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case errors.Is(err, fs.ErrPermission):
		r.logger.WithFields(logrus.Fields{
			"action": "static_resolve",
			"file":   name,
		}).Warn("permission denied")
	default:
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action": "static_resolve",
			"file":   name,
		}).Warn("stat failed")
	}
}

// Touch 更新文件访问时间，保留修改时间不变。
func (r *Resolver) Touch(res Resolution) {
	now := r.now()
	if err := os.Chtimes(res.DiscPath, now, res.ModTime); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action": "static_touch",
			"file":   res.DiscPath,
		}).Debug("update access time failed")
	}
}

// joinWithin joins rel under folder and rejects results outside folder.
func joinWithin(folder, rel string) (string, error) {
	cleanRel := path.Clean("/" + rel)
	base := filepath.Clean(folder)
	full := filepath.Join(base, filepath.FromSlash(cleanRel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", errors.New("invalid static path")
	}
	return full, nil
}

func contentTypeFor(name string) string {
	if mime := utils.GetMIME(filepath.Ext(name)); mime != "" {
		return mime
	}
	return "application/octet-stream"
}
