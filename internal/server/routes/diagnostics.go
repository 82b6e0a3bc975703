package routes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/notify"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// WorkerStatus 是诊断接口依赖的 worker 能力，由 worker.Worker 实现。
type WorkerStatus interface {
	Status(ctx context.Context) (worker.Status, error)
	ControllerVersion() string
}

// Deps 汇总 /-/ 路由需要的组件。
type Deps struct {
	Logger        *logrus.Logger
	Worker        WorkerStatus
	Dispatcher    *worker.Dispatcher
	Clients       *clients.Registry
	Notifications *notify.Center
	// Heartbeat 是 SSE 心跳间隔，<=0 时使用 defaultHeartbeat。
	Heartbeat time.Duration
}

// RegisterDiagnosticsRoutes 暴露 /-/ 下的状态、客户端通道与事件触发接口。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Worker == nil || deps.Dispatcher == nil || deps.Clients == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = defaultHeartbeat
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		st, err := deps.Worker.Status(c.Context())
		if err != nil {
			deps.Logger.WithField("action", "status").WithError(err).Warn("status_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_failed"})
		}
		return c.JSON(st)
	})

	app.Get("/-/handlers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"handlers": deps.Dispatcher.Status()})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"clients": deps.Clients.MatchAll(clients.MatchOptions{IncludeUncontrolled: true}),
		})
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		return serveEvents(c, deps)
	})

	app.Post("/-/messages", func(c fiber.Ctx) error {
		result, err := deps.Dispatcher.DispatchMessage(c.Context(), c.Body())
		if err != nil {
			return writeDispatchError(c, deps.Logger, worker.EventMessage, err)
		}
		return c.JSON(result)
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		n, err := deps.Dispatcher.DispatchPush(c.Context(), c.Body())
		if err != nil {
			return writeDispatchError(c, deps.Logger, worker.EventPush, err)
		}
		return c.JSON(n)
	})

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		active := []notify.Notification{}
		if deps.Notifications != nil {
			active = deps.Notifications.Active()
		}
		return c.JSON(fiber.Map{"notifications": active})
	})

	app.Post("/-/notifications/:tag/click", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag_required"})
		}
		result, err := deps.Dispatcher.DispatchNotificationClick(c.Context(), tag)
		if err != nil {
			return writeDispatchError(c, deps.Logger, worker.EventNotificationClick, err)
		}
		return c.JSON(result)
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		report, err := deps.Dispatcher.DispatchSync(c.Context(), c.Params("tag"))
		if err != nil {
			return writeDispatchError(c, deps.Logger, worker.EventSync, err)
		}
		return c.JSON(report)
	})

	app.Post("/-/periodic-sync/:tag", func(c fiber.Ctx) error {
		report, err := deps.Dispatcher.DispatchPeriodicSync(c.Context(), c.Params("tag"))
		if err != nil {
			return writeDispatchError(c, deps.Logger, worker.EventPeriodicSync, err)
		}
		return c.JSON(report)
	})
}

// writeDispatchError 把派发错误映射为状态码与稳定的错误码。
func writeDispatchError(c fiber.Ctx, logger *logrus.Logger, event string, err error) error {
	status, code := dispatchErrorCode(err)
	logger.WithFields(logrus.Fields{
		"action":     event,
		"request_id": server.RequestID(c),
		"status":     status,
		"error":      code,
	}).WithError(err).Warn("event_failed")
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func dispatchErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, worker.ErrUnknownCommand):
		return fiber.StatusBadRequest, "unknown_command"
	case errors.Is(err, worker.ErrUnknownSyncTag):
		return fiber.StatusBadRequest, "unknown_sync_tag"
	case errors.Is(err, notify.ErrInvalidPayload):
		return fiber.StatusBadRequest, "invalid_payload"
	case errors.Is(err, worker.ErrHandlerPanic):
		return fiber.StatusInternalServerError, "handler_panic"
	case errors.Is(err, worker.ErrNoHandler):
		return fiber.StatusInternalServerError, "handler_missing"
	default:
		return fiber.StatusInternalServerError, "event_failed"
	}
}
