package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/network"
)

// InstallReport 记录 install 阶段每个核心资源的结果。
type InstallReport struct {
	Cached []string          `json:"cached"`
	Failed map[string]string `json:"failed,omitempty"`
}

// DeployConfig 根据配置构造新的一代并部署。
func (w *Worker) DeployConfig(ctx context.Context, cfg *config.Config) (*Generation, error) {
	gen, err := NewGeneration(cfg)
	if err != nil {
		return nil, err
	}
	return gen, w.Deploy(ctx, gen)
}

// Deploy 安装 gen，然后按等待规则决定是否立即激活。旧代在此期间继续服务。
func (w *Worker) Deploy(ctx context.Context, gen *Generation) error {
	w.deployMu.Lock()
	defer w.deployMu.Unlock()

	w.mu.Lock()
	gen.state = StateInstalling
	w.installing = gen
	d := w.dispatcher
	w.mu.Unlock()

	var (
		report InstallReport
		err    error
	)
	if d != nil {
		report, err = d.DispatchInstall(ctx, gen)
	} else {
		report, err = w.Install(ctx, gen)
	}

	w.mu.Lock()
	w.installing = nil
	if err != nil {
		gen.state = StateRedundant
		w.mu.Unlock()
		return fmt.Errorf("install %s: %w", gen.Version, err)
	}
	gen.state = StateInstalled
	gen.installedAt = time.Now().UTC()
	gen.report = report
	if prev := w.waiting; prev != nil && prev != gen {
		prev.state = StateRedundant
	}
	w.waiting = gen
	w.mu.Unlock()

	_, err = w.maybeActivate(ctx, false)
	return err
}

// Install 打开 gen 的存储并并发缓存全部核心资源。
// 单个资源失败只记录日志，不影响其他资源，也不会让阶段失败。
func (w *Worker) Install(ctx context.Context, gen *Generation) (InstallReport, error) {
	started := time.Now()
	if err := w.ensureStore(ctx, gen); err != nil {
		return InstallReport{}, err
	}

	results := w.cacheAssets(ctx, gen, gen.Manifest.Core(), "install")
	report := InstallReport{Failed: map[string]string{}}
	for _, r := range results {
		if r.err != nil {
			report.Failed[r.url] = r.err.Error()
			continue
		}
		report.Cached = append(report.Cached, r.url)
	}
	sort.Strings(report.Cached)
	if len(report.Failed) == 0 {
		report.Failed = nil
	}

	fields := logging.LifecycleFields("install", gen.Version)
	fields["cached"] = len(report.Cached)
	fields["failed"] = len(report.Failed)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("install complete")
	return report, nil
}

// Activate 严格按顺序执行：枚举存储、删除非当前存储、切换 current 并接管客户端、广播版本号。
// 没有回滚，旧版本数据删除后不可恢复。
func (w *Worker) Activate(ctx context.Context, gen *Generation) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.mu.Lock()
	if gen == nil || w.waiting != gen {
		// 已被其他调用方激活或被更新的一代替换
		w.mu.Unlock()
		return nil
	}
	gen.state = StateActivating
	keep := []string{gen.StoreName}
	if w.installing != nil {
		// 正在安装的下一代保留自己的存储
		keep = append(keep, w.installing.StoreName)
	}
	w.mu.Unlock()

	deleted, err := cache.DeleteAllExcept(ctx, w.storage, keep...)
	if err != nil {
		w.logger.WithFields(logging.LifecycleFields("activate", gen.Version)).
			WithError(err).Warn("stale store cleanup incomplete")
	}

	w.mu.Lock()
	if old := w.current; old != nil && old != gen {
		old.state = StateRedundant
	}
	w.current = gen
	w.waiting = nil
	gen.state = StateActivated
	gen.activatedAt = time.Now().UTC()
	w.mu.Unlock()

	claimed := w.clients.Claim(gen.Version)
	delivered, bErr := w.clients.Broadcast(map[string]string{"type": "SW_VERSION", "version": gen.Version})
	if bErr != nil {
		w.logger.WithFields(logging.LifecycleFields("activate", gen.Version)).
			WithError(bErr).Warn("version broadcast failed")
	}

	fields := logging.LifecycleFields("activate", gen.Version)
	fields["deleted_stores"] = deleted
	fields["claimed_clients"] = claimed
	fields["delivered"] = delivered
	w.logger.WithFields(fields).Info("generation activated")
	return nil
}

// SkipWaiting 强制激活等待中的代，返回是否发生了激活。
func (w *Worker) SkipWaiting(ctx context.Context) (bool, error) {
	return w.maybeActivate(ctx, true)
}

// ClientDisconnected 在最后一个旧版本客户端断开时激活等待中的代。
// 作为 clients.Registry.OnDisconnect 回调注册。
func (w *Worker) ClientDisconnected(snap clients.Snapshot) {
	w.mu.Lock()
	cur, waiting := w.current, w.waiting
	w.mu.Unlock()
	if waiting == nil || cur == nil || snap.Controller != cur.Version {
		return
	}
	if w.clients.CountControlledBy(cur.Version) > 0 {
		return
	}
	w.spawn(func() {
		if _, err := w.maybeActivate(context.Background(), false); err != nil {
			w.logger.WithFields(logging.LifecycleFields("activate", waiting.Version)).
				WithError(err).Warn("activation after disconnect failed")
		}
	})
}

// maybeActivate 应用等待规则：没有当前代、配置了 SkipWaiting、版本号未变或旧版本已无客户端时立即激活。
func (w *Worker) maybeActivate(ctx context.Context, force bool) (bool, error) {
	w.mu.Lock()
	gen, cur, d := w.waiting, w.current, w.dispatcher
	w.mu.Unlock()
	if gen == nil {
		return false, nil
	}

	if !force && cur != nil && !gen.SkipWaiting && cur.Version != gen.Version {
		if n := w.clients.CountControlledBy(cur.Version); n > 0 {
			fields := logging.LifecycleFields("waiting", gen.Version)
			fields["current_version"] = cur.Version
			fields["controlled_clients"] = n
			w.logger.WithFields(fields).Info("generation waiting for old clients")
			return false, nil
		}
	}

	var err error
	if d != nil {
		err = d.DispatchActivate(ctx, gen)
	} else {
		err = w.Activate(ctx, gen)
	}
	if err != nil {
		return false, err
	}
	return w.Current() == gen, nil
}

// ensureStore 在 lifecycle 读锁下创建 gen 的存储。
func (w *Worker) ensureStore(ctx context.Context, gen *Generation) error {
	w.lifecycle.RLock()
	defer w.lifecycle.RUnlock()
	if _, err := w.storage.Open(ctx, gen.StoreName); err != nil {
		return fmt.Errorf("open store %s: %w", gen.StoreName, err)
	}
	return nil
}

type assetResult struct {
	url string
	err error
}

// cacheAssets 并发回源并写入 gen 的存储，只接受 200 响应；结果顺序与 urls 一致。
func (w *Worker) cacheAssets(ctx context.Context, gen *Generation, urls []string, action string) []assetResult {
	results := make([]assetResult, len(urls))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			err := w.cacheAsset(ctx, gen, u)
			results[i] = assetResult{url: u, err: err}

			fields := logging.AssetFields(action, gen.Version, u)
			if err != nil {
				fields["error"] = err.Error()
				w.logger.WithFields(fields).Warn("asset not cached")
			} else {
				w.logger.WithFields(fields).Debug("asset cached")
			}
			// 单个资源失败不取消其他资源
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w *Worker) cacheAsset(ctx context.Context, gen *Generation, rawURL string) error {
	key, err := cache.NewKey("GET", rawURL)
	if err != nil {
		return err
	}
	resp, err := w.net.FetchWithTimeout(ctx, network.Request{Method: key.Method, URL: key.URL}, w.timeout)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return w.put(ctx, gen, key, resp)
}
