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

// 存储后端取值。
const (
	StoreBackendFS     = "fs"
	StoreBackendSQLite = "sqlite"
)

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存存储与网络超时。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	StoreBackend         string   `mapstructure:"StoreBackend"`
	Upstream             string   `mapstructure:"Upstream"`
	RootPath             string   `mapstructure:"RootPath"`
	CachePrefix          string   `mapstructure:"CachePrefix"`
	CacheVersion         string   `mapstructure:"CacheVersion"`
	NetworkTimeout       Duration `mapstructure:"NetworkTimeout"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	PeriodicSyncInterval Duration `mapstructure:"PeriodicSyncInterval"`
	SkipWaiting          bool     `mapstructure:"SkipWaiting"`
	OtelEndpoint         string   `mapstructure:"OtelEndpoint"`
}

// ManifestConfig 声明核心资源与可选资源，两者均为相对 Upstream 的 URL 路径。
type ManifestConfig struct {
	Core     []string `mapstructure:"Core"`
	Optional []string `mapstructure:"Optional"`
}

// NotificationConfig 提供推送通知缺省值，payload 缺字段时回退到这里。
type NotificationConfig struct {
	Tag   string `mapstructure:"Tag"`
	Title string `mapstructure:"Title"`
	Body  string `mapstructure:"Body"`
	Icon  string `mapstructure:"Icon"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Manifest     ManifestConfig     `mapstructure:"Manifest"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// CacheName 返回当前版本对应的缓存存储名称，例如 offline-hub-cache-v2.0.0。
func (c *Config) CacheName() string {
	return CacheNameFor(c.Global.CachePrefix, c.Global.CacheVersion)
}

// CacheNameFor 拼接前缀与版本号。
func CacheNameFor(prefix, version string) string {
	prefix = strings.TrimSpace(prefix)
	version = strings.TrimSpace(version)
	if prefix == "" {
		return version
	}
	return prefix + "-" + version
}

// GenerationChanged 判断两份配置是否需要部署新的 worker 代（版本号或资源清单变化）。
func GenerationChanged(prev, next *Config) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	if prev.CacheName() != next.CacheName() {
		return true
	}
	return !equalStrings(prev.Manifest.Core, next.Manifest.Core) ||
		!equalStrings(prev.Manifest.Optional, next.Manifest.Optional)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
