package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// 缓存存储名称会直接作为目录名或数据库键，只允许安全字符。
var cacheNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StoreBackend {
	case StoreBackendFS, StoreBackendSQLite:
	default:
		return newFieldError("Global.StoreBackend", "仅支持 fs/sqlite")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.CacheVersion == "" {
		return newFieldError("Global.CacheVersion", "不能为空")
	}
	name := c.CacheName()
	if !cacheNamePattern.MatchString(name) || name == "." || name == ".." {
		return newFieldError("Global.CacheVersion", "缓存名称仅允许字母、数字、点、下划线与连字符")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PeriodicSyncInterval.DurationValue() < 0 {
		return newFieldError("Global.PeriodicSyncInterval", "不能为负数")
	}

	if err := validateAssets("Manifest.Core", c.Manifest.Core); err != nil {
		return err
	}
	if err := validateAssets("Manifest.Optional", c.Manifest.Optional); err != nil {
		return err
	}
	return nil
}

// validateAssets 要求资源为同源路径，拒绝携带协议或 Host 的绝对 URL。
func validateAssets(field string, assets []string) error {
	for i, raw := range assets {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return newFieldError(listField(field, i), "不能为空")
		}
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return newFieldError(listField(field, i), err.Error())
		}
		if parsed.Scheme != "" || parsed.Host != "" {
			return newFieldError(listField(field, i), "仅允许同源路径")
		}
		if !strings.HasPrefix(parsed.Path, "/") {
			return newFieldError(listField(field, i), "必须以 / 开头")
		}
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
