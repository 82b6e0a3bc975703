package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/network"
)

// errGenerationRetired 表示目标代已不再是 current/waiting/installing，写入被丢弃。
var errGenerationRetired = errors.New("generation retired")

// Network 是 worker 依赖的回源能力，由 network.Fetcher 实现。
type Network interface {
	FetchWithTimeout(ctx context.Context, req network.Request, d time.Duration) (*cache.Response, error)
	Forward(ctx context.Context, req network.Request) (*http.Response, error)
}

// Clients 是 worker 依赖的客户端能力，由 clients.Registry 实现。
type Clients interface {
	Claim(version string) int
	Broadcast(msg any) (int, error)
	CountControlledBy(version string) int
	Len() int
}

// Options 汇总 worker 的运行参数。
type Options struct {
	Storage        cache.Storage
	Network        Network
	Clients        Clients
	Logger         *logrus.Logger
	NetworkTimeout time.Duration
	// InstallConcurrency 限制 install/sync 阶段并发回源数量，<=0 时使用默认值。
	InstallConcurrency int
}

const (
	defaultNetworkTimeout     = 5 * time.Second
	defaultInstallConcurrency = 8
)

// Worker 持有全部代的生命周期状态，并对外提供 fetch/message/sync 处理。
//
// lifecycle 读锁只包住单次 Open+Put（或 Match），激活与 CLEAR_CACHE 持有写锁，
// 因此整库删除总是 happen-before 之后的任何读写，过期代也无法重建自己的存储。
type Worker struct {
	storage     cache.Storage
	net         Network
	clients     Clients
	logger      *logrus.Logger
	timeout     time.Duration
	concurrency int

	lifecycle sync.RWMutex

	mu         sync.Mutex
	current    *Generation
	waiting    *Generation
	installing *Generation
	dispatcher *Dispatcher

	deployMu sync.Mutex
	bg       sync.WaitGroup
}

// New 校验依赖并构造 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("network required")
	}
	if opts.Clients == nil {
		return nil, errors.New("clients required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = defaultNetworkTimeout
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	return &Worker{
		storage:     opts.Storage,
		net:         opts.Network,
		clients:     opts.Clients,
		logger:      opts.Logger,
		timeout:     opts.NetworkTimeout,
		concurrency: opts.InstallConcurrency,
	}, nil
}

// UseDispatcher 让生命周期事件经由 dispatcher 派发（带 panic 恢复）。
func (w *Worker) UseDispatcher(d *Dispatcher) {
	w.mu.Lock()
	w.dispatcher = d
	w.mu.Unlock()
}

// Current 返回当前生效的代，尚未激活任何代时为 nil。
func (w *Worker) Current() *Generation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Waiting 返回已安装、等待激活的代。
func (w *Worker) Waiting() *Generation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}

// ControllerVersion 返回新连接客户端应归属的版本。
func (w *Worker) ControllerVersion() string {
	if cur := w.Current(); cur != nil {
		return cur.Version
	}
	return ""
}

// Status 汇总各代状态、存储列表与客户端数量。
type Status struct {
	Current    *GenerationStatus `json:"current"`
	Waiting    *GenerationStatus `json:"waiting"`
	Installing *GenerationStatus `json:"installing"`
	Stores     []string          `json:"stores"`
	Clients    int               `json:"clients"`
}

// Status 返回运行状态快照。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	w.mu.Lock()
	st := Status{
		Current:    w.current.status(),
		Waiting:    w.waiting.status(),
		Installing: w.installing.status(),
	}
	w.mu.Unlock()

	names, err := w.storage.Names(ctx)
	if err != nil {
		return st, fmt.Errorf("list stores: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	st.Stores = names
	st.Clients = w.clients.Len()
	return st, nil
}

// Wait 等待全部后台任务（后台刷新、断开触发的激活）结束，用于退出前排空。
func (w *Worker) Wait() {
	w.bg.Wait()
}

// live 判断 gen 是否仍可写入。调用方需持有 w.mu。
func (w *Worker) live(gen *Generation) bool {
	return gen != nil && (gen == w.current || gen == w.waiting || gen == w.installing)
}

// put 在 lifecycle 读锁内打开存储并写入，过期代的写入被丢弃。
func (w *Worker) put(ctx context.Context, gen *Generation, key cache.Key, resp *cache.Response) error {
	w.lifecycle.RLock()
	defer w.lifecycle.RUnlock()

	w.mu.Lock()
	ok := w.live(gen)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errGenerationRetired, gen.Version)
	}

	store, err := w.storage.Open(ctx, gen.StoreName)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, resp)
}

// match 读取 gen 存储中的条目；存储不存在时视为未命中，不会创建存储。
func (w *Worker) match(ctx context.Context, gen *Generation, key cache.Key) (*cache.Response, error) {
	w.lifecycle.RLock()
	defer w.lifecycle.RUnlock()

	store, err := w.openExisting(ctx, gen)
	if err != nil {
		return nil, err
	}
	return store.Match(ctx, key)
}

// keys 列出 gen 存储的全部键。
func (w *Worker) keys(ctx context.Context, gen *Generation) ([]cache.Key, error) {
	w.lifecycle.RLock()
	defer w.lifecycle.RUnlock()

	store, err := w.openExisting(ctx, gen)
	if err != nil {
		return nil, err
	}
	return store.Keys(ctx)
}

// openExisting 要求调用方持有 lifecycle 读锁。
func (w *Worker) openExisting(ctx context.Context, gen *Generation) (cache.Cache, error) {
	if gen == nil {
		return nil, cache.ErrNotFound
	}
	ok, err := w.storage.Has(ctx, gen.StoreName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrNotFound
	}
	return w.storage.Open(ctx, gen.StoreName)
}

// spawn 启动不受请求约束的后台任务，只在退出时通过 Wait 排空。
func (w *Worker) spawn(fn func()) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.WithField("action", "background_task").Errorf("panic: %v", r)
			}
		}()
		fn()
	}()
}
