package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort        = 8080
	defaultCompressionFresh  = "br:Fast, gzip:Fast, deflate:Fast"
	defaultCompressionCached = "br:Best, gzip:Best, zstd:Best, deflate:Best"
	defaultMaxCacheEntrySize = 1 << 20
	defaultMaxCacheEntries   = 10000
	defaultApiPrefix         = "/_api"
	defaultRedirectMaxHops   = 8
	defaultIndexFile         = "index.html"
	defaultUpstreamTimeout   = 30 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyRateLimitDefaults(&cfg.RateLimit)
	for i := range cfg.Folders {
		applyFolderDefaults(&cfg.Folders[i], cfg.Global)
	}
	for i := range cfg.Upstreams {
		applyUpstreamDefaults(&cfg.Upstreams[i], cfg.Global)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	if cfg.Global.RedirectFile != "" && !filepath.IsAbs(cfg.Global.RedirectFile) {
		cfg.Global.RedirectFile = filepath.Join(base, cfg.Global.RedirectFile)
	}
	for i := range cfg.Folders {
		for j, disc := range cfg.Folders[i].DiscPaths {
			if filepath.IsAbs(disc) {
				continue
			}
			cfg.Folders[i].DiscPaths[j] = filepath.Join(base, disc)
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CompressionFresh", defaultCompressionFresh)
	v.SetDefault("CompressionCached", defaultCompressionCached)
	v.SetDefault("MaxCacheEntrySize", defaultMaxCacheEntrySize)
	v.SetDefault("MaxCacheEntries", defaultMaxCacheEntries)
	v.SetDefault("CacheSweepInterval", "30s")
	v.SetDefault("StatCacheTTL", "1s")
	v.SetDefault("RedirectFile", "")
	v.SetDefault("RedirectCaseSensitive", false)
	v.SetDefault("RedirectMaxHops", defaultRedirectMaxHops)
	v.SetDefault("MetricsEnabled", true)
	v.SetDefault("ApiEnabled", true)
	v.SetDefault("ApiPrefix", defaultApiPrefix)
	v.SetDefault("ApiPretty", false)
	v.SetDefault("RateLimit.Enabled", false)
	v.SetDefault("RateLimit.MaxConcurrent", 128)
	v.SetDefault("RateLimit.MaxQueue", 1024)
	v.SetDefault("RateLimit.MaxDelay", "5s")
	v.SetDefault("RateLimit.RequestsPerSecond", 0)
	v.SetDefault("RateLimit.Burst", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.CompressionFresh) == "" {
		g.CompressionFresh = defaultCompressionFresh
	}
	if strings.TrimSpace(g.CompressionCached) == "" {
		g.CompressionCached = defaultCompressionCached
	}
	if g.RedirectMaxHops == 0 {
		g.RedirectMaxHops = defaultRedirectMaxHops
	}
	if g.ApiPrefix == "" {
		g.ApiPrefix = defaultApiPrefix
	}
	g.ApiPrefix = "/" + strings.Trim(g.ApiPrefix, "/")
}

func applyRateLimitDefaults(r *RateLimitConfig) {
	if r.Burst == 0 && r.RequestsPerSecond > 0 {
		r.Burst = r.MaxConcurrent
	}
}

func applyFolderDefaults(f *FolderConfig, g GlobalConfig) {
	f.Host = strings.TrimSpace(f.Host)
	if f.Host == "" {
		f.Host = "*"
	}
	if f.WebPath == "" {
		f.WebPath = "/"
	}
	if f.IndexFile == "" {
		f.IndexFile = defaultIndexFile
	}
	if f.MaxCacheSize == 0 {
		f.MaxCacheSize = g.MaxCacheEntrySize
	}
	if f.ClientCacheDuration == 0 {
		f.ClientCacheDuration = Duration(time.Hour)
	}
	if f.RequestCacheDuration == 0 {
		f.RequestCacheDuration = Duration(5 * time.Minute)
	}
	if f.Name == "" {
		f.Name = "static:" + f.WebPath
	}
}

func applyUpstreamDefaults(u *UpstreamConfig, g GlobalConfig) {
	u.Host = strings.TrimSpace(u.Host)
	if u.Host == "" {
		u.Host = "*"
	}
	if u.WebPath == "" {
		u.WebPath = "/"
	}
	if u.Timeout == 0 {
		u.Timeout = Duration(defaultUpstreamTimeout)
	}
	if u.MaxBodySize == 0 {
		u.MaxBodySize = g.MaxCacheEntrySize
	}
	if u.Name == "" {
		u.Name = "upstream:" + u.WebPath
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
