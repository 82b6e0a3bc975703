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
	defaultRootPath       = "/"
	defaultCachePrefix    = "offline-hub-cache"
	defaultNetworkTimeout = 5 * time.Second
	defaultNotifyTag      = "app-update"
	defaultNotifyTitle    = "Update available"
	defaultNotifyBody     = "New content is available."
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

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyManifestDefaults(&cfg.Manifest, cfg.Global.RootPath)
	applyNotificationDefaults(&cfg.Notification, cfg.Global.RootPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", StoreBackendFS)
	v.SetDefault("RootPath", defaultRootPath)
	v.SetDefault("CachePrefix", defaultCachePrefix)
	v.SetDefault("NetworkTimeout", "5s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("PeriodicSyncInterval", "12h")
	v.SetDefault("SkipWaiting", false)
	v.SetDefault("OtelEndpoint", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = StoreBackendFS
	}
	g.RootPath = normalizeRootPath(g.RootPath)
	g.CacheVersion = strings.TrimSpace(g.CacheVersion)
	if strings.TrimSpace(g.CachePrefix) == "" {
		g.CachePrefix = defaultCachePrefix
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(defaultNetworkTimeout)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.PeriodicSyncInterval.DurationValue() < 0 {
		g.PeriodicSyncInterval = Duration(0)
	}
}

// applyManifestDefaults 在未声明核心资源时至少缓存 RootPath 本身。
func applyManifestDefaults(m *ManifestConfig, root string) {
	if len(m.Core) == 0 {
		m.Core = []string{root}
	}
}

func applyNotificationDefaults(n *NotificationConfig, root string) {
	if strings.TrimSpace(n.Tag) == "" {
		n.Tag = defaultNotifyTag
	}
	if strings.TrimSpace(n.Title) == "" {
		n.Title = defaultNotifyTitle
	}
	if strings.TrimSpace(n.Body) == "" {
		n.Body = defaultNotifyBody
	}
	if strings.TrimSpace(n.Icon) == "" {
		n.Icon = root + "icons/icon-192.png"
	}
}

// normalizeRootPath 保证 RootPath 以 / 开头并以 / 结尾，方便前缀匹配。
func normalizeRootPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultRootPath
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw
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
