package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/notify"
)

// 事件名称。
const (
	EventInstall           = "install"
	EventActivate          = "activate"
	EventFetch             = "fetch"
	EventMessage           = "message"
	EventPush              = "push"
	EventNotificationClick = "notificationclick"
	EventSync              = "sync"
	EventPeriodicSync      = "periodicsync"
)

// Events 按固定顺序列出全部事件。
var Events = []string{
	EventInstall,
	EventActivate,
	EventFetch,
	EventMessage,
	EventPush,
	EventNotificationClick,
	EventSync,
	EventPeriodicSync,
}

var (
	// ErrNoHandler 表示事件没有绑定处理函数。
	ErrNoHandler = errors.New("no handler bound")
	// ErrHandlerPanic 表示处理函数 panic，已被恢复。
	ErrHandlerPanic = errors.New("handler panic")
)

// Handlers 描述每个事件的处理函数，未设置的事件视为未绑定。
type Handlers struct {
	Install           func(ctx context.Context, gen *Generation) (InstallReport, error)
	Activate          func(ctx context.Context, gen *Generation) error
	Fetch             func(ctx context.Context, req *PendingRequest) (*FetchResult, error)
	Message           func(ctx context.Context, raw []byte) (MessageResult, error)
	Push              func(ctx context.Context, payload []byte) (notify.Notification, error)
	NotificationClick func(ctx context.Context, tag string) (notify.ClickResult, error)
	Sync              func(ctx context.Context, tag string) (SyncReport, error)
	PeriodicSync      func(ctx context.Context, tag string) (SyncReport, error)
}

// Handlers 返回 worker 自身负责的事件绑定；push/notificationclick 由调用方补充。
func (w *Worker) Handlers() Handlers {
	return Handlers{
		Install:      w.Install,
		Activate:     w.Activate,
		Fetch:        w.HandleFetch,
		Message:      w.HandleMessage,
		Sync:         w.Sync,
		PeriodicSync: w.Sync,
	}
}

// Dispatcher 在进程启动时构造一次，持有全部事件绑定，之后只读。
type Dispatcher struct {
	handlers Handlers
	logger   *logrus.Logger
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(h Handlers, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{handlers: h, logger: logger}
}

// Status 返回每个事件的绑定状态：bound 或 missing。
func (d *Dispatcher) Status() map[string]string {
	out := make(map[string]string, len(Events))
	for _, event := range Events {
		if d.bound(event) {
			out[event] = "bound"
		} else {
			out[event] = "missing"
		}
	}
	return out
}

func (d *Dispatcher) bound(event string) bool {
	h := d.handlers
	switch event {
	case EventInstall:
		return h.Install != nil
	case EventActivate:
		return h.Activate != nil
	case EventFetch:
		return h.Fetch != nil
	case EventMessage:
		return h.Message != nil
	case EventPush:
		return h.Push != nil
	case EventNotificationClick:
		return h.NotificationClick != nil
	case EventSync:
		return h.Sync != nil
	case EventPeriodicSync:
		return h.PeriodicSync != nil
	default:
		return false
	}
}

// DispatchInstall 派发 install 事件，返回安装报告。
func (d *Dispatcher) DispatchInstall(ctx context.Context, gen *Generation) (report InstallReport, err error) {
	if d.handlers.Install == nil {
		return report, d.missing(EventInstall)
	}
	defer d.recoverPanic(EventInstall, &err)
	return d.handlers.Install(ctx, gen)
}

// DispatchActivate 派发 activate 事件。
func (d *Dispatcher) DispatchActivate(ctx context.Context, gen *Generation) (err error) {
	if d.handlers.Activate == nil {
		return d.missing(EventActivate)
	}
	defer d.recoverPanic(EventActivate, &err)
	return d.handlers.Activate(ctx, gen)
}

// DispatchFetch 派发 fetch 事件，返回拦截结果。
func (d *Dispatcher) DispatchFetch(ctx context.Context, req *PendingRequest) (result *FetchResult, err error) {
	if d.handlers.Fetch == nil {
		return nil, d.missing(EventFetch)
	}
	defer d.recoverPanic(EventFetch, &err)
	return d.handlers.Fetch(ctx, req)
}

// DispatchMessage 派发客户端发来的命令。
func (d *Dispatcher) DispatchMessage(ctx context.Context, raw []byte) (result MessageResult, err error) {
	if d.handlers.Message == nil {
		return result, d.missing(EventMessage)
	}
	defer d.recoverPanic(EventMessage, &err)
	return d.handlers.Message(ctx, raw)
}

// DispatchPush 派发推送负载，返回展示的通知。
func (d *Dispatcher) DispatchPush(ctx context.Context, payload []byte) (n notify.Notification, err error) {
	if d.handlers.Push == nil {
		return n, d.missing(EventPush)
	}
	defer d.recoverPanic(EventPush, &err)
	return d.handlers.Push(ctx, payload)
}

// DispatchNotificationClick 派发通知点击。
func (d *Dispatcher) DispatchNotificationClick(ctx context.Context, tag string) (result notify.ClickResult, err error) {
	if d.handlers.NotificationClick == nil {
		return result, d.missing(EventNotificationClick)
	}
	defer d.recoverPanic(EventNotificationClick, &err)
	return d.handlers.NotificationClick(ctx, tag)
}

// DispatchSync 派发一次性后台同步。
func (d *Dispatcher) DispatchSync(ctx context.Context, tag string) (report SyncReport, err error) {
	if d.handlers.Sync == nil {
		return report, d.missing(EventSync)
	}
	defer d.recoverPanic(EventSync, &err)
	return d.handlers.Sync(ctx, tag)
}

// DispatchPeriodicSync 派发周期同步，由 Scheduler 定时调用。
func (d *Dispatcher) DispatchPeriodicSync(ctx context.Context, tag string) (report SyncReport, err error) {
	if d.handlers.PeriodicSync == nil {
		return report, d.missing(EventPeriodicSync)
	}
	defer d.recoverPanic(EventPeriodicSync, &err)
	return d.handlers.PeriodicSync(ctx, tag)
}

func (d *Dispatcher) missing(event string) error {
	d.logger.WithFields(logrus.Fields{"action": event, "error": "handler_missing"}).
		Error("event handler unavailable")
	return fmt.Errorf("%w: %s", ErrNoHandler, event)
}

// recoverPanic 必须直接 defer 调用，把 panic 转为 ErrHandlerPanic。
func (d *Dispatcher) recoverPanic(event string, err *error) {
	if r := recover(); r != nil {
		d.logger.WithFields(logrus.Fields{"action": event, "error": "handler_panic"}).
			Errorf("panic: %v", r)
		*err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, event, r)
	}
}
