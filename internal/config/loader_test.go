package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
Upstream = "http://127.0.0.1:8080"
CacheVersion = "v1"
NetworkTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
Upstream = "http://127.0.0.1:8080"
CacheVersion = "v1"
NetworkTimeout = 3
PeriodicSyncInterval = 0
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.NetworkTimeout.DurationValue(); got != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", got)
	}
	if got := loaded.Global.PeriodicSyncInterval.DurationValue(); got != 0 {
		t.Fatalf("PeriodicSyncInterval=0 应关闭周期同步, got %s", got)
	}
	if len(loaded.Manifest.Core) != 1 || loaded.Manifest.Core[0] != "/" {
		t.Fatalf("未声明 Core 时应默认缓存 RootPath, got %v", loaded.Manifest.Core)
	}
}
