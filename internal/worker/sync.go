package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/logging"
)

// 同步任务标签。旧客户端使用的别名在 NormalizeSyncTag 中映射。
const (
	TagRefreshCore     = "refresh-core"
	TagRefreshOptional = "refresh-optional"
)

var syncAliases = map[string]string{
	TagRefreshCore:     TagRefreshCore,
	"sync-updates":     TagRefreshCore,
	TagRefreshOptional: TagRefreshOptional,
	"lazy-cache":       TagRefreshOptional,
}

// ErrUnknownSyncTag 表示标签不对应任何同步任务。
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// SyncReport 记录一次同步的结果。没有激活代时 Skipped 为 true。
type SyncReport struct {
	Tag       string            `json:"tag"`
	Version   string            `json:"version,omitempty"`
	Skipped   bool              `json:"skipped,omitempty"`
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// NormalizeSyncTag 返回规范标签。
func NormalizeSyncTag(tag string) (string, error) {
	if canonical, ok := syncAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
}

// Sync 对当前代执行一次同步：逐个回源并覆盖 200 响应，失败只记录日志，从不删除条目。
func (w *Worker) Sync(ctx context.Context, tag string) (SyncReport, error) {
	canonical, err := NormalizeSyncTag(tag)
	if err != nil {
		return SyncReport{}, err
	}

	gen := w.Current()
	if gen == nil {
		w.logger.WithFields(logging.LifecycleFields("sync", "")).
			WithField("tag", canonical).Info("no active generation, sync skipped")
		return SyncReport{Tag: canonical, Skipped: true}, nil
	}

	started := time.Now()
	urls := gen.Manifest.Core()
	if canonical == TagRefreshOptional {
		urls = gen.Manifest.Optional()
	}

	report := SyncReport{Tag: canonical, Version: gen.Version, Refreshed: []string{}}
	for _, r := range w.cacheAssets(ctx, gen, urls, "sync") {
		if r.err != nil {
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[r.url] = r.err.Error()
			continue
		}
		report.Refreshed = append(report.Refreshed, r.url)
	}
	sort.Strings(report.Refreshed)

	fields := logging.LifecycleFields("sync", gen.Version)
	fields["tag"] = canonical
	fields["refreshed"] = len(report.Refreshed)
	fields["failed"] = len(report.Failed)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("sync complete")
	return report, nil
}
