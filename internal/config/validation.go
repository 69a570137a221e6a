package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/compress"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
// 压缩优先级在这里解析，请求期间不会再出现配置错误。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if err := validatePriority("Global.CompressionFresh", g.CompressionFresh); err != nil {
		return err
	}
	if err := validatePriority("Global.CompressionCached", g.CompressionCached); err != nil {
		return err
	}
	if g.MaxCacheEntrySize < 0 {
		return newFieldError("Global.MaxCacheEntrySize", "不能为负数")
	}
	if g.MaxCacheEntries < 0 {
		return newFieldError("Global.MaxCacheEntries", "不能为负数")
	}
	if g.CacheSweepInterval.DurationValue() < 0 {
		return newFieldError("Global.CacheSweepInterval", "不能为负数")
	}
	if g.StatCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.StatCacheTTL", "不能为负数")
	}
	if g.RedirectMaxHops < 0 {
		return newFieldError("Global.RedirectMaxHops", "不能为负数")
	}
	if g.ApiEnabled && (g.ApiPrefix == "" || g.ApiPrefix == "/" || strings.HasPrefix(g.ApiPrefix, "/-/")) {
		return newFieldError("Global.ApiPrefix", "不能为空、根路径或诊断路径")
	}

	r := c.RateLimit
	if r.Enabled {
		if r.MaxConcurrent < 0 {
			return newFieldError("RateLimit.MaxConcurrent", "不能为负数")
		}
		if r.MaxQueue < 0 {
			return newFieldError("RateLimit.MaxQueue", "不能为负数")
		}
		if r.MaxDelay.DurationValue() < 0 {
			return newFieldError("RateLimit.MaxDelay", "不能为负数")
		}
		if r.RequestsPerSecond < 0 {
			return newFieldError("RateLimit.RequestsPerSecond", "不能为负数")
		}
		if r.Burst < 0 {
			return newFieldError("RateLimit.Burst", "不能为负数")
		}
	}

	hostNames := map[string]struct{}{}
	domains := map[string]struct{}{}
	for i := range c.Hosts {
		host := &c.Hosts[i]
		if host.Name == "" {
			return newFieldError("Host[].Name", "不能为空")
		}
		key := strings.ToLower(host.Name)
		if _, exists := hostNames[key]; exists {
			return newFieldError(sectionField("Host", host.Name, "Name"), "重复")
		}
		hostNames[key] = struct{}{}
		if err := validateDomain(host.Domain); err != nil {
			return fmt.Errorf("%s: %w", sectionField("Host", host.Name, "Domain"), err)
		}
		host.Domain = strings.ToLower(host.Domain)
		if _, exists := domains[host.Domain]; exists {
			return newFieldError(sectionField("Host", host.Name, "Domain"), "重复")
		}
		domains[host.Domain] = struct{}{}
	}

	folderNames := map[string]struct{}{}
	for i := range c.Folders {
		folder := &c.Folders[i]
		if _, exists := folderNames[folder.Name]; exists {
			return newFieldError(sectionField("Folder", folder.Name, "Name"), "重复")
		}
		folderNames[folder.Name] = struct{}{}

		if !strings.HasPrefix(folder.WebPath, "/") {
			return newFieldError(sectionField("Folder", folder.Name, "WebPath"), "必须以 / 开头")
		}
		if len(folder.DiscPaths) == 0 {
			return newFieldError(sectionField("Folder", folder.Name, "DiscPaths"), "至少需要一个目录")
		}
		for _, disc := range folder.DiscPaths {
			if strings.TrimSpace(disc) == "" {
				return newFieldError(sectionField("Folder", folder.Name, "DiscPaths"), "不能包含空路径")
			}
		}
		if domain := c.DomainFor(folder.Host); domain != "*" {
			if _, ok := domains[strings.ToLower(domain)]; !ok {
				return newFieldError(sectionField("Folder", folder.Name, "Host"), "未声明的 Host: "+folder.Host)
			}
		}
		if folder.MaxCacheSize < 0 {
			return newFieldError(sectionField("Folder", folder.Name, "MaxCacheSize"), "不能为负数")
		}
		if folder.ClientCacheDuration < 0 || folder.RequestCacheDuration < 0 {
			return newFieldError(sectionField("Folder", folder.Name, "CacheDuration"), "不能为负数")
		}
		if folder.Compression != "" {
			if err := validatePriority(sectionField("Folder", folder.Name, "Compression"), folder.Compression); err != nil {
				return err
			}
		}
		if strings.ContainsAny(folder.IndexFile, `/\`) {
			return newFieldError(sectionField("Folder", folder.Name, "IndexFile"), "只能是文件名")
		}
	}

	for i := range c.Upstreams {
		up := &c.Upstreams[i]
		if _, exists := folderNames[up.Name]; exists {
			return newFieldError(sectionField("Upstream", up.Name, "Name"), "重复")
		}
		folderNames[up.Name] = struct{}{}
		if !strings.HasPrefix(up.WebPath, "/") {
			return newFieldError(sectionField("Upstream", up.Name, "WebPath"), "必须以 / 开头")
		}
		if err := validateUpstream(up.Target); err != nil {
			return fmt.Errorf("%s: %w", sectionField("Upstream", up.Name, "Target"), err)
		}
		if domain := c.DomainFor(up.Host); domain != "*" {
			if _, ok := domains[strings.ToLower(domain)]; !ok {
				return newFieldError(sectionField("Upstream", up.Name, "Host"), "未声明的 Host: "+up.Host)
			}
		}
		if (up.Username == "") != (up.Password == "") {
			return newFieldError(sectionField("Upstream", up.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if up.Timeout < 0 || up.ClientCacheDuration < 0 || up.RequestCacheDuration < 0 {
			return newFieldError(sectionField("Upstream", up.Name, "Duration"), "不能为负数")
		}
	}

	tokenNames := map[string]struct{}{}
	for _, token := range c.Tokens {
		if token.Name == "" {
			return newFieldError("Token[].Name", "不能为空")
		}
		if _, exists := tokenNames[token.Name]; exists {
			return newFieldError(sectionField("Token", token.Name, "Name"), "重复")
		}
		tokenNames[token.Name] = struct{}{}
		if token.Secret == "" {
			return newFieldError(sectionField("Token", token.Name, "Secret"), "不能为空")
		}
	}

	return nil
}

func validatePriority(field, raw string) error {
	if _, err := compress.ParsePriority(raw); err != nil {
		return newFieldError(field, err.Error())
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	if domain == "*" {
		return errors.New("Domain 不能为通配符")
	}
	return nil
}
