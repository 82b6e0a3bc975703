package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FetchHandler describes the component that answers intercepted requests.
// It allows injecting fake handlers during tests.
type FetchHandler interface {
	Handle(fiber.Ctx) error
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(fiber.Ctx) error

// Handle makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Fetch  FetchHandler
}

const contextKeyRequestID = "_offlinehub_request_id"

// DiagnosticsPrefix 下的路径由诊断路由处理，不会进入拦截流程。
const DiagnosticsPrefix = "/-/"

// NewApp builds a Fiber application with request-id middleware, panic
// recovery, and the catch-all interceptor route. Diagnostic routes are
// registered afterwards by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("fetch handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Fetch.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, DiagnosticsPrefix)
}
