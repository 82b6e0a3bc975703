package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/network"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// 写回给调用方的诊断响应头。
const (
	HeaderStrategy = "X-Offline-Hub-Strategy"
	HeaderCacheHit = "X-Offline-Hub-Cache-Hit"
	HeaderVersion  = "X-Offline-Hub-Version"
	HeaderSource   = "X-Offline-Hub-Source"
)

// Interceptor 把 Fiber 请求转换为 fetch 事件，并把结果写回客户端。
type Interceptor struct {
	dispatcher *worker.Dispatcher
	logger     *logrus.Logger
}

// NewInterceptor 创建 Interceptor，dispatcher 不能为空。
func NewInterceptor(dispatcher *worker.Dispatcher, logger *logrus.Logger) (*Interceptor, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Interceptor{dispatcher: dispatcher, logger: logger}, nil
}

// Handle 实现 FetchHandler。
func (i *Interceptor) Handle(c fiber.Ctx) error {
	requestID := RequestID(c)
	started := time.Now()

	req := worker.NewPendingRequest(c.Method(), string(c.Request().URI().RequestURI()), fiberHeadersAsHTTP(c), copyBody(c.Body()))
	result, err := i.dispatcher.DispatchFetch(c.Context(), req)
	if err != nil {
		return i.writeError(c, req, requestID, started, err)
	}
	if result.Stream != nil {
		return i.writeStream(c, result, requestID)
	}
	return i.writeResponse(c, result, requestID)
}

func (i *Interceptor) writeResponse(c fiber.Ctx, result *worker.FetchResult, requestID string) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	setResultHeaders(c, result, requestID)
	c.Status(resp.Status)
	return c.Send(resp.Body)
}

// writeStream 透传上游响应体，调用方负责关闭的约定在这里兑现。
func (i *Interceptor) writeStream(c fiber.Ctx, result *worker.FetchResult, requestID string) error {
	resp := result.Stream
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	setResultHeaders(c, result, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		i.logger.WithFields(logrus.Fields{
			"action":     "passthrough",
			"request_id": requestID,
			"url":        c.OriginalURL(),
		}).WithError(err).Warn("passthrough_stream_failed")
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (i *Interceptor) writeError(c fiber.Ctx, req *worker.PendingRequest, requestID string, started time.Time, err error) error {
	status, code := fiber.StatusInternalServerError, "fetch_failed"
	switch {
	case errors.Is(err, worker.ErrUpstream):
		status, code = fiber.StatusBadGateway, "upstream_failed"
	case errors.Is(err, worker.ErrHandlerPanic):
		code = "handler_panic"
	case errors.Is(err, worker.ErrNoHandler):
		code = "handler_missing"
	}

	i.logger.WithFields(logrus.Fields{
		"action":      "fetch",
		"request_id":  requestID,
		"method":      req.Method,
		"url":         req.URL,
		"destination": string(req.Destination),
		"status":      status,
		"elapsed_ms":  time.Since(started).Milliseconds(),
		"error":       code,
	}).WithError(err).Warn("fetch_failed")

	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func setResultHeaders(c fiber.Ctx, result *worker.FetchResult, requestID string) {
	c.Set(HeaderStrategy, string(result.Plan.Strategy))
	c.Set(HeaderCacheHit, strconv.FormatBool(result.CacheHit))
	c.Set(HeaderSource, result.Source)
	if result.Version != "" {
		c.Set(HeaderVersion, result.Version)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// fasthttp 会复用请求缓冲区，body 需要复制后才能交给可能脱离请求生命周期的调用方。
func copyBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return append([]byte(nil), body...)
}
