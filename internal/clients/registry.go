package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TypeWindow 是唯一支持的客户端类型。
const TypeWindow = "window"

// DefaultOutboxSize 为每个客户端缓冲的消息数量。
const DefaultOutboxSize = 32

var (
	// ErrClientNotFound 表示客户端 id 不存在或已断开。
	ErrClientNotFound = errors.New("client not found")
	// ErrOutboxFull 表示客户端消费过慢，消息被丢弃。
	ErrOutboxFull = errors.New("client outbox full")
)

// Client 是一条已连接的前台会话。outbox 只在 Registry 锁内写入与关闭。
type Client struct {
	id          string
	url         string
	kind        string
	controller  string
	focused     bool
	connectedAt time.Time
	outbox      chan []byte
}

// ID 返回客户端 id。
func (c *Client) ID() string { return c.id }

// Messages 返回消息通道，客户端断开后通道关闭。
func (c *Client) Messages() <-chan []byte { return c.outbox }

// Snapshot 是 MatchAll 返回的只读视图。
type Snapshot struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Type        string    `json:"type"`
	Controller  string    `json:"controller,omitempty"`
	Focused     bool      `json:"focused"`
	ConnectedAt time.Time `json:"connected_at"`
}

// MatchOptions 过滤 MatchAll 结果。
type MatchOptions struct {
	// IncludeUncontrolled 为 false 时只返回已被某个版本接管的客户端。
	IncludeUncontrolled bool
	Type                string
}

// Registry 记录全部已连接客户端；连接/断开/消息投递均可并发调用。
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	size    int
	logger  *logrus.Logger

	hookMu       sync.RWMutex
	onDisconnect []func(Snapshot)
}

// NewRegistry 创建注册表，outboxSize<=0 时使用 DefaultOutboxSize。
func NewRegistry(logger *logrus.Logger, outboxSize int) *Registry {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		clients: make(map[string]*Client),
		size:    outboxSize,
		logger:  logger,
	}
}

// Connect 注册新客户端；controller 为当前接管它的版本，尚无激活版本时为空。
func (r *Registry) Connect(url, controller string) *Client {
	c := &Client{
		id:          uuid.NewString(),
		url:         url,
		kind:        TypeWindow,
		controller:  controller,
		connectedAt: time.Now().UTC(),
		outbox:      make(chan []byte, r.size),
	}
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"action":     "client_connect",
		"client_id":  c.id,
		"url":        url,
		"controller": controller,
	}).Info("client connected")
	return c
}

// Disconnect 注销客户端并关闭其消息通道，随后触发 OnDisconnect 回调。
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		close(c.outbox)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	snap := c.snapshot()
	r.logger.WithFields(logrus.Fields{
		"action":     "client_disconnect",
		"client_id":  id,
		"controller": snap.Controller,
	}).Info("client disconnected")

	r.hookMu.RLock()
	hooks := append([]func(Snapshot){}, r.onDisconnect...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}
	return true
}

// OnDisconnect 注册断开回调，回调在 Disconnect 的调用方 goroutine 中执行。
func (r *Registry) OnDisconnect(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	r.hookMu.Lock()
	r.onDisconnect = append(r.onDisconnect, fn)
	r.hookMu.Unlock()
}

// MatchAll 返回按连接时间排序的快照。
func (r *Registry) MatchAll(opts MatchOptions) []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.clients))
	for _, c := range r.clients {
		if !opts.IncludeUncontrolled && c.controller == "" {
			continue
		}
		if opts.Type != "" && opts.Type != c.kind {
			continue
		}
		out = append(out, c.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len 返回已连接客户端数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CountControlledBy 统计由指定版本接管的客户端数量。
func (r *Registry) CountControlledBy(version string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, c := range r.clients {
		if c.controller == version {
			count++
		}
	}
	return count
}

// Claim 让 version 接管全部已连接客户端，返回被接管的数量。
func (r *Registry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.controller = version
	}
	return len(r.clients)
}

// Broadcast 向全部客户端投递同一消息，永不阻塞；缓冲区已满的客户端会丢失这条消息。
func (r *Registry) Broadcast(msg any) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, c := range r.clients {
		if r.trySend(c, payload) {
			delivered++
		}
	}
	return delivered, nil
}

// Post 向单个客户端投递消息。
func (r *Registry) Post(id string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if !r.trySend(c, payload) {
		return fmt.Errorf("%w: %s", ErrOutboxFull, id)
	}
	return nil
}

// Focus 将客户端标记为前台窗口（同时取消其他客户端的焦点），并通知其获取焦点。
func (r *Registry) Focus(id string) (Snapshot, error) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	for _, other := range r.clients {
		other.focused = false
	}
	c.focused = true
	snap := c.snapshot()
	r.mu.Unlock()

	if err := r.Post(id, map[string]string{"type": "FOCUS"}); err != nil {
		r.logger.WithError(err).WithField("client_id", id).Warn("focus_notify_failed")
	}
	return snap, nil
}

// Close 断开全部客户端，用于进程退出时结束 SSE 流。
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id)
	}
}

// trySend 要求调用方持有 r.mu（读锁即可）。
func (r *Registry) trySend(c *Client, payload []byte) bool {
	select {
	case c.outbox <- payload:
		return true
	default:
		r.logger.WithFields(logrus.Fields{
			"action":    "client_message",
			"client_id": c.id,
		}).Warn("client outbox full, message dropped")
		return false
	}
}

func (c *Client) snapshot() Snapshot {
	return Snapshot{
		ID:          c.id,
		URL:         c.url,
		Type:        c.kind,
		Controller:  c.controller,
		Focused:     c.focused,
		ConnectedAt: c.connectedAt,
	}
}
