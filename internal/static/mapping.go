package static

import (
	"errors"
	"path"
	"strings"
	"time"
)

// Mapping 描述一个 Web 目录与其候选磁盘目录（按注册顺序尝试）。
type Mapping struct {
	Name        string
	WebPath     string
	DiscFolders []string
	// Precompressed 启用 .br/.gz/.zst 预压缩文件回退。
	Precompressed bool
	// UpdateAccessTime 成功读取后更新文件 atime，会带来额外写入，需显式开启。
	UpdateAccessTime bool
	// MaxCacheSize 以字节为单位，超出的文件流式输出且不进入响应缓存。
	MaxCacheSize         int64
	IndexFile            string
	ClientCacheDuration  time.Duration
	RequestCacheDuration time.Duration
	// Compression 覆盖全局压缩优先级，空值表示沿用全局设置。
	Compression string
}

// Validate 检查映射的基本形态。
func (m *Mapping) Validate() error {
	if m == nil {
		return errors.New("mapping is nil")
	}
	if !strings.HasPrefix(m.WebPath, "/") {
		return errors.New("web path must start with /")
	}
	if len(m.DiscFolders) == 0 {
		return errors.New("at least one disc folder is required")
	}
	return nil
}

// Relative 返回请求路径相对 WebPath 的部分；不在该映射下时 ok=false。
func (m *Mapping) Relative(requestPath string) (string, bool) {
	web := strings.TrimSuffix(m.WebPath, "/")
	clean := path.Clean("/" + requestPath)
	if web == "" {
		return clean, true
	}
	if clean == web {
		return "/", true
	}
	if !strings.HasPrefix(clean, web+"/") {
		return "", false
	}
	return strings.TrimPrefix(clean, web), true
}
