package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/network"
	"github.com/offline-hub/offline-hub/internal/telemetry"
)

// ErrUpstream 表示透传请求无法到达源站。
var ErrUpstream = errors.New("upstream unavailable")

// 响应来源。
const (
	SourceNetwork  = "network"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// OfflinePage 是 document 请求在缓存与网络都失败时返回的页面。
const OfflinePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>Offline</h1><p>You are offline and this page has not been cached yet.</p></body>
</html>
`

// FetchResult 是一次拦截的结果：Response 为完整响应，Stream 为透传的原始上游响应（调用方负责关闭）。
type FetchResult struct {
	Response *cache.Response
	Stream   *http.Response
	Plan     Plan
	Source   string
	CacheHit bool
	Version  string
}

// HandleFetch 为请求选择策略并给出响应。尚未激活、非 GET 或超出 RootPath 的请求直接透传。
// 拦截路径上的网络失败总是通过策略兜底转换为响应，不会作为 error 返回。
func (w *Worker) HandleFetch(ctx context.Context, req *PendingRequest) (*FetchResult, error) {
	started := time.Now()
	gen := w.Current()
	if gen == nil || req.Method != http.MethodGet || !gen.Manifest.InScope(req.URL) {
		return w.passthrough(ctx, req)
	}

	key, err := cache.NewKey(req.Method, req.URL)
	if err != nil {
		return w.passthrough(ctx, req)
	}
	plan := SelectStrategy(req.Method, req.Destination, gen.Manifest.IsCore(req.URL))

	var result *FetchResult
	switch plan.Strategy {
	case StrategyNetworkFirst:
		result = w.networkFirst(ctx, gen, req, key, plan)
	case StrategyStaleWhileRevalidate:
		result = w.staleWhileRevalidate(ctx, gen, req, key, plan)
	case StrategyCacheFirst:
		result = w.cacheFirst(ctx, gen, req, key, plan)
	default:
		return w.passthrough(ctx, req)
	}
	result.Plan = plan
	result.Version = gen.Version

	fields := logging.RequestFields(gen.Version, string(req.Destination), string(plan.Strategy), result.CacheHit)
	for k, v := range telemetry.TraceFields(ctx) {
		fields[k] = v
	}
	fields["action"] = "fetch"
	fields["url"] = key.URL
	fields["source"] = result.Source
	fields["status"] = result.Response.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("fetch_complete")
	return result, nil
}

func (w *Worker) passthrough(ctx context.Context, req *PendingRequest) (*FetchResult, error) {
	resp, err := w.net.Forward(ctx, network.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   req.Body,
	})
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"action": "passthrough",
			"method": req.Method,
			"url":    req.URL,
			"error":  err.Error(),
		}).Warn("passthrough_failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &FetchResult{
		Stream:  resp,
		Plan:    Plan{Strategy: StrategyPassthrough, Fallback: FallbackNone},
		Source:  SourceNetwork,
		Version: w.ControllerVersion(),
	}, nil
}

// networkFirst 让网络请求与 NetworkTimeout 赛跑，超时与网络错误同等对待。
func (w *Worker) networkFirst(ctx context.Context, gen *Generation, req *PendingRequest, key cache.Key, plan Plan) *FetchResult {
	resp, err := w.fetch(ctx, req, key)
	if err == nil {
		if plan.Store && resp.OK() {
			w.store(ctx, gen, key, resp)
		}
		return &FetchResult{Response: resp, Source: SourceNetwork}
	}
	w.logNetworkFailure(gen, req, key, err)

	if plan.Fallback == FallbackOfflinePage {
		if cached := w.lookup(ctx, gen, key); cached != nil {
			return &FetchResult{Response: cached, Source: SourceCache, CacheHit: true}
		}
		for _, shell := range gen.Manifest.AppShell() {
			shellKey, kErr := cache.NewKey(http.MethodGet, shell)
			if kErr != nil {
				continue
			}
			if cached := w.lookup(ctx, gen, shellKey); cached != nil {
				return &FetchResult{Response: cached, Source: SourceCache, CacheHit: true}
			}
		}
	}
	return &FetchResult{Response: fallbackResponse(plan.Fallback), Source: SourceFallback}
}

// staleWhileRevalidate 命中时立即返回缓存，并在后台刷新条目。
func (w *Worker) staleWhileRevalidate(ctx context.Context, gen *Generation, req *PendingRequest, key cache.Key, plan Plan) *FetchResult {
	if cached := w.lookup(ctx, gen, key); cached != nil {
		w.revalidate(ctx, gen, req, key)
		return &FetchResult{Response: cached, Source: SourceCache, CacheHit: true}
	}
	return w.fetchAndStore(ctx, gen, req, key, plan)
}

// cacheFirst 命中时直接返回，未命中时回源；失败时按 plan.Fallback 兜底。
func (w *Worker) cacheFirst(ctx context.Context, gen *Generation, req *PendingRequest, key cache.Key, plan Plan) *FetchResult {
	if cached := w.lookup(ctx, gen, key); cached != nil {
		return &FetchResult{Response: cached, Source: SourceCache, CacheHit: true}
	}
	return w.fetchAndStore(ctx, gen, req, key, plan)
}

func (w *Worker) fetchAndStore(ctx context.Context, gen *Generation, req *PendingRequest, key cache.Key, plan Plan) *FetchResult {
	resp, err := w.fetch(ctx, req, key)
	if err == nil {
		if plan.Store && resp.OK() {
			w.store(ctx, gen, key, resp)
		}
		return &FetchResult{Response: resp, Source: SourceNetwork}
	}
	w.logNetworkFailure(gen, req, key, err)

	if plan.Fallback == FallbackAlternateKey {
		if alt := w.alternate(ctx, gen, key); alt != nil {
			return &FetchResult{Response: alt, Source: SourceCache, CacheHit: true}
		}
		return &FetchResult{Response: fallbackResponse(FallbackNetworkError), Source: SourceFallback}
	}
	return &FetchResult{Response: fallbackResponse(plan.Fallback), Source: SourceFallback}
}

// revalidate 启动不受请求生命周期约束的后台刷新，结果只体现在之后的缓存内容与日志中。
func (w *Worker) revalidate(ctx context.Context, gen *Generation, req *PendingRequest, key cache.Key) {
	bgCtx := context.WithoutCancel(ctx)
	header := req.Header.Clone()
	w.spawn(func() {
		fields := logging.AssetFields("revalidate", gen.Version, key.URL)
		resp, err := w.net.FetchWithTimeout(bgCtx, network.Request{Method: key.Method, URL: key.URL, Header: header}, w.timeout)
		if err != nil {
			fields["error"] = err.Error()
			w.logger.WithFields(fields).Warn("revalidate_failed")
			return
		}
		if !resp.OK() {
			fields["status"] = resp.Status
			w.logger.WithFields(fields).Debug("revalidate_skipped")
			return
		}
		if err := w.put(bgCtx, gen, key, resp); err != nil {
			fields["error"] = err.Error()
			w.logger.WithFields(fields).Warn("revalidate_store_failed")
			return
		}
		w.logger.WithFields(fields).Debug("revalidate_complete")
	})
}

func (w *Worker) fetch(ctx context.Context, req *PendingRequest, key cache.Key) (*cache.Response, error) {
	return w.net.FetchWithTimeout(ctx, network.Request{
		Method: key.Method,
		URL:    key.URL,
		Header: req.Header,
	}, w.timeout)
}

// lookup 返回缓存副本；未命中或读取失败均返回 nil，读取失败会记录日志。
func (w *Worker) lookup(ctx context.Context, gen *Generation, key cache.Key) *cache.Response {
	resp, err := w.match(ctx, gen, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logging.AssetFields("cache_match", gen.Version, key.URL)).
				WithError(err).Warn("cache_match_failed")
		}
		return nil
	}
	return resp
}

// alternate 查找路径相同、查询串不同的缓存条目（字体常带版本参数）。
func (w *Worker) alternate(ctx context.Context, gen *Generation, key cache.Key) *cache.Response {
	keys, err := w.keys(ctx, gen)
	if err != nil {
		return nil
	}
	target := key.Path()
	for _, candidate := range keys {
		if candidate.URL == key.URL || candidate.Path() != target {
			continue
		}
		if resp := w.lookup(ctx, gen, candidate); resp != nil {
			return resp
		}
	}
	return nil
}

func (w *Worker) store(ctx context.Context, gen *Generation, key cache.Key, resp *cache.Response) {
	if err := w.put(ctx, gen, key, resp.Clone()); err != nil {
		w.logger.WithFields(logging.AssetFields("cache_put", gen.Version, key.URL)).
			WithError(err).Warn("cache_put_failed")
	}
}

func (w *Worker) logNetworkFailure(gen *Generation, req *PendingRequest, key cache.Key, err error) {
	fields := logging.RequestFields(gen.Version, string(req.Destination), "", false)
	fields["action"] = "fetch"
	fields["url"] = key.URL
	fields["timeout"] = errors.Is(err, network.ErrTimeout)
	fields["error"] = err.Error()
	w.logger.WithFields(fields).Warn("network_failed")
}

// fallbackResponse 构造兜底响应。network-error 没有浏览器中的对应物，映射为空响应体的 504。
func fallbackResponse(f Fallback) *cache.Response {
	now := time.Now().UTC()
	switch f {
	case FallbackOfflinePage:
		return &cache.Response{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
			Body:     []byte(OfflinePage),
			StoredAt: now,
		}
	case FallbackNotFound:
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte{}, StoredAt: now}
	case FallbackServiceUnavailable:
		return &cache.Response{
			Status:   http.StatusServiceUnavailable,
			Header:   http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:     []byte("Offline"),
			StoredAt: now,
		}
	default:
		return &cache.Response{Status: http.StatusGatewayTimeout, Header: http.Header{}, Body: []byte{}, StoredAt: now}
	}
}
