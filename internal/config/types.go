package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有模块共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// 两份压缩优先级：即时生成的内容偏向速度，进入缓存的内容偏向压缩率。
	CompressionFresh  string `mapstructure:"CompressionFresh"`
	CompressionCached string `mapstructure:"CompressionCached"`

	MaxCacheEntrySize  int64    `mapstructure:"MaxCacheEntrySize"`
	MaxCacheEntries    int      `mapstructure:"MaxCacheEntries"`
	CacheSweepInterval Duration `mapstructure:"CacheSweepInterval"`
	StatCacheTTL       Duration `mapstructure:"StatCacheTTL"`

	RedirectFile          string `mapstructure:"RedirectFile"`
	RedirectCaseSensitive bool   `mapstructure:"RedirectCaseSensitive"`
	RedirectMaxHops       int    `mapstructure:"RedirectMaxHops"`

	MetricsEnabled bool   `mapstructure:"MetricsEnabled"`
	ApiEnabled     bool   `mapstructure:"ApiEnabled"`
	ApiPrefix      string `mapstructure:"ApiPrefix"`
	ApiPretty      bool   `mapstructure:"ApiPretty"`
}

// RateLimitConfig 对应 [RateLimit] 段。
type RateLimitConfig struct {
	Enabled           bool     `mapstructure:"Enabled"`
	MaxConcurrent     int      `mapstructure:"MaxConcurrent"`
	MaxQueue          int      `mapstructure:"MaxQueue"`
	MaxDelay          Duration `mapstructure:"MaxDelay"`
	RequestsPerSecond float64  `mapstructure:"RequestsPerSecond"`
	Burst             int      `mapstructure:"Burst"`
}

// HostConfig 声明一个站点域名。
type HostConfig struct {
	Name   string `mapstructure:"Name"`
	Domain string `mapstructure:"Domain"`
}

// FolderConfig 把一个 Web 路径映射到若干磁盘目录。
type FolderConfig struct {
	Name                 string   `mapstructure:"Name"`
	Host                 string   `mapstructure:"Host"`
	WebPath              string   `mapstructure:"WebPath"`
	DiscPaths            []string `mapstructure:"DiscPaths"`
	Precompressed        *bool    `mapstructure:"Precompressed"`
	UpdateAccessTime     bool     `mapstructure:"UpdateAccessTime"`
	MaxCacheSize         int64    `mapstructure:"MaxCacheSize"`
	ClientCacheDuration  Duration `mapstructure:"ClientCacheDuration"`
	RequestCacheDuration Duration `mapstructure:"RequestCacheDuration"`
	Compression          string   `mapstructure:"Compression"`
	IndexFile            string   `mapstructure:"IndexFile"`
}

// TokenConfig 是 API 鉴权使用的静态令牌，Name 即 Handler 声明的鉴权要求。
type TokenConfig struct {
	Name   string `mapstructure:"Name"`
	Secret string `mapstructure:"Secret"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	RateLimit RateLimitConfig  `mapstructure:"RateLimit"`
	Hosts     []HostConfig     `mapstructure:"Host"`
	Folders   []FolderConfig   `mapstructure:"Folder"`
	Upstreams []UpstreamConfig `mapstructure:"Upstream"`
	Tokens    []TokenConfig    `mapstructure:"Token"`
}

// UsesPrecompressed 返回预压缩回退是否开启，未配置时默认开启。
func (f FolderConfig) UsesPrecompressed() bool {
	return f.Precompressed == nil || *f.Precompressed
}

// Domains 返回所有已声明的域名，顺序与配置一致。
func (c *Config) Domains() []string {
	out := make([]string, 0, len(c.Hosts))
	for _, host := range c.Hosts {
		out = append(out, host.Domain)
	}
	return out
}

// DomainFor 把 Folder.Host（Host 名称、域名或 "*"）解析为域名。
func (c *Config) DomainFor(host string) string {
	host = strings.TrimSpace(host)
	if host == "" || host == "*" {
		return "*"
	}
	for _, h := range c.Hosts {
		if strings.EqualFold(h.Name, host) {
			return h.Domain
		}
	}
	return host
}

// TokenMap 返回 Name -> Secret 的映射。
func (c *Config) TokenMap() map[string]string {
	if len(c.Tokens) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Tokens))
	for _, token := range c.Tokens {
		out[token.Name] = token.Secret
	}
	return out
}

// FolderSummaries 返回 name@host:webpath 形式的摘要，供启动日志使用。
func FolderSummaries(folders []FolderConfig) []string {
	if len(folders) == 0 {
		return nil
	}
	result := make([]string, len(folders))
	for i, folder := range folders {
		result[i] = fmt.Sprintf("%s@%s:%s", folder.Name, folder.Host, folder.WebPath)
	}
	return result
}

// UpstreamConfig 把一个 Web 路径转发到上游源站。
type UpstreamConfig struct {
	Name                 string   `mapstructure:"Name"`
	Host                 string   `mapstructure:"Host"`
	WebPath              string   `mapstructure:"WebPath"`
	Target               string   `mapstructure:"Target"`
	Username             string   `mapstructure:"Username"`
	Password             string   `mapstructure:"Password"`
	Timeout              Duration `mapstructure:"Timeout"`
	MaxBodySize          int64    `mapstructure:"MaxBodySize"`
	ClientCacheDuration  Duration `mapstructure:"ClientCacheDuration"`
	RequestCacheDuration Duration `mapstructure:"RequestCacheDuration"`
}

// HasCredentials 表示当前上游是否配置了完整的凭证。
func (u UpstreamConfig) HasCredentials() bool {
	return u.Username != "" && u.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (u UpstreamConfig) AuthMode() string {
	if u.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有上游的鉴权模式摘要，例如 backend:credentialed。
func CredentialModes(upstreams []UpstreamConfig) []string {
	if len(upstreams) == 0 {
		return nil
	}
	result := make([]string, len(upstreams))
	for i, u := range upstreams {
		result[i] = fmt.Sprintf("%s:%s", u.Name, u.AuthMode())
	}
	return result
}
