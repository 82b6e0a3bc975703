package main

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// deployFunc 部署一份新配置对应的 worker 代，通常是 Worker.DeployConfig。
type deployFunc func(ctx context.Context, cfg *config.Config) (*worker.Generation, error)

// reloader 在配置文件变化时判断是否需要部署新的一代；无效配置被忽略，旧配置继续生效。
type reloader struct {
	ctx    context.Context
	deploy deployFunc
	logger *logrus.Logger

	mu      sync.Mutex
	current *config.Config
}

func newReloader(ctx context.Context, cfg *config.Config, deploy deployFunc, logger *logrus.Logger) *reloader {
	return &reloader{ctx: ctx, current: cfg, deploy: deploy, logger: logger}
}

// apply 是 config.Watch 的回调，返回是否部署了新的一代。
func (r *reloader) apply(next *config.Config, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.logger.WithField("action", "config_reload").WithError(err).Warn("新配置无效，保留当前配置")
		return false
	}
	if !config.GenerationChanged(r.current, next) {
		r.logger.WithField("action", "config_reload").Debug("缓存版本与资源清单未变化")
		return false
	}
	if restartRequired(r.current, next) {
		r.logger.WithField("action", "config_reload").Warn("监听端口、存储或源站变更需要重启后生效")
	}

	gen, err := r.deploy(r.ctx, next)
	fields := logging.LifecycleFields("config_reload", next.Global.CacheVersion)
	fields["cache_name"] = next.CacheName()
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("部署新版本失败")
		return false
	}
	r.current = next
	fields["state"] = "deployed"
	if gen != nil && gen.SkipWaiting {
		fields["skip_waiting"] = true
	}
	r.logger.WithFields(fields).Info("配置变更已部署")
	return true
}

// restartRequired 判断变更是否涉及只在启动时读取的字段。
func restartRequired(prev, next *config.Config) bool {
	p, n := prev.Global, next.Global
	return p.ListenPort != n.ListenPort ||
		p.StoragePath != n.StoragePath ||
		p.StoreBackend != n.StoreBackend ||
		p.Upstream != n.Upstream
}
