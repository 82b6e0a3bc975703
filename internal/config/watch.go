package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReloadFunc 在配置文件变更并重新校验后被调用；err 非空表示新文件无效，旧配置继续生效。
type ReloadFunc func(cfg *Config, err error)

// Watch 监听配置文件变更（viper.WatchConfig），每次写入/重命名都会重新解析一次完整配置。
func Watch(path string, fn ReloadFunc) error {
	if path == "" {
		path = "config.toml"
	}
	if fn == nil {
		return fmt.Errorf("reload callback required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) && !e.Has(fsnotify.Rename) {
			return
		}
		cfg, err := decode(v)
		fn(cfg, err)
	})
	v.WatchConfig()
	return nil
}
