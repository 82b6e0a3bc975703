package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/config"
)

// ErrInvalidPayload 表示推送内容不是 JSON 对象。
var ErrInvalidPayload = errors.New("invalid push payload")

// 点击通知后的处理结果。
const (
	ActionFocus = "focus"
	ActionOpen  = "open"
)

var defaultVibrate = []int{100, 50, 100}

// Notification 是当前展示中的一条通知。
type Notification struct {
	Tag     string    `json:"tag"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon,omitempty"`
	Badge   string    `json:"badge,omitempty"`
	Vibrate []int     `json:"vibrate,omitempty"`
	ShownAt time.Time `json:"shown_at"`
}

// Payload 是推送消息体，字段缺省时使用配置中的默认值。
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ClickResult 描述点击通知后的去向：聚焦已有窗口或打开新窗口。
type ClickResult struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id,omitempty"`
	URL      string `json:"url"`
}

// Messenger 是通知模块依赖的客户端能力，由 clients.Registry 实现。
type Messenger interface {
	Broadcast(msg any) (int, error)
	MatchAll(opts clients.MatchOptions) []clients.Snapshot
	Focus(id string) (clients.Snapshot, error)
}

// Center 管理通知展示与点击路由。同一 tag 只保留最新一条。
type Center struct {
	defaults config.NotificationConfig
	root     string
	clients  Messenger
	logger   *logrus.Logger

	mu     sync.Mutex
	active map[string]Notification
}

// NewCenter 构造通知中心，root 为应用根路径（点击时用于匹配已有窗口）。
func NewCenter(defaults config.NotificationConfig, root string, m Messenger, logger *logrus.Logger) *Center {
	if logger == nil {
		logger = logrus.New()
	}
	if root == "" {
		root = "/"
	}
	return &Center{
		defaults: defaults,
		root:     root,
		clients:  m,
		logger:   logger,
		active:   make(map[string]Notification),
	}
}

// HandlePush 解析推送内容并展示通知；空 payload 等价于 {}。
func (c *Center) HandlePush(ctx context.Context, raw []byte) (Notification, error) {
	var payload Payload
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return c.Show(ctx, payload), nil
}

// Show 使用固定 tag 展示通知，后一次推送替换前一次。
func (c *Center) Show(ctx context.Context, payload Payload) Notification {
	n := Notification{
		Tag:     c.defaults.Tag,
		Title:   firstNonEmpty(payload.Title, c.defaults.Title),
		Body:    firstNonEmpty(payload.Body, c.defaults.Body),
		Icon:    c.defaults.Icon,
		Badge:   c.defaults.Icon,
		Vibrate: append([]int(nil), defaultVibrate...),
		ShownAt: time.Now().UTC(),
	}

	c.mu.Lock()
	_, replaced := c.active[n.Tag]
	c.active[n.Tag] = n
	c.mu.Unlock()

	fields := logrus.Fields{"action": "push", "tag": n.Tag, "replaced": replaced}
	if c.clients != nil {
		delivered, err := c.clients.Broadcast(map[string]any{"type": "NOTIFICATION", "notification": n})
		if err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("notification_broadcast_failed")
		}
		fields["delivered"] = delivered
	}
	c.logger.WithFields(fields).Info("notification shown")
	return n
}

// HandleClick 关闭通知，并聚焦第一个位于 root 下的窗口；没有时返回 open 指令由前台打开新窗口。
func (c *Center) HandleClick(ctx context.Context, tag string) (ClickResult, error) {
	c.Close(tag)

	if c.clients != nil {
		for _, snap := range c.clients.MatchAll(clients.MatchOptions{IncludeUncontrolled: true, Type: clients.TypeWindow}) {
			if !underRoot(snap.URL, c.root) {
				continue
			}
			focused, err := c.clients.Focus(snap.ID)
			if err != nil {
				// 客户端可能刚断开，继续尝试下一个
				c.logger.WithError(err).WithField("client_id", snap.ID).Warn("notification_focus_failed")
				continue
			}
			c.logger.WithFields(logrus.Fields{"action": "notificationclick", "tag": tag, "client_id": focused.ID}).
				Info("focused existing client")
			return ClickResult{Action: ActionFocus, ClientID: focused.ID, URL: focused.URL}, nil
		}
	}

	c.logger.WithFields(logrus.Fields{"action": "notificationclick", "tag": tag}).Info("no client to focus, opening root")
	return ClickResult{Action: ActionOpen, URL: c.root}, nil
}

// Close 关闭指定 tag 的通知，不存在时返回 false。
func (c *Center) Close(tag string) bool {
	c.mu.Lock()
	_, ok := c.active[tag]
	delete(c.active, tag)
	c.mu.Unlock()
	return ok
}

// Active 返回按 tag 排序的展示中通知。
func (c *Center) Active() []Notification {
	c.mu.Lock()
	out := make([]Notification, 0, len(c.active))
	for _, n := range c.active {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func underRoot(raw, root string) bool {
	if root == "/" {
		return true
	}
	p := raw
	if parsed, err := url.Parse(raw); err == nil {
		p = parsed.Path
	}
	if p == "" {
		p = "/"
	}
	return strings.HasPrefix(p, root) || p == strings.TrimSuffix(root, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
