package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/telemetry"
)

// ErrTimeout 表示请求（含读取响应体）未在截止时间内完成。
var ErrTimeout = errors.New("network fetch timed out")

// Request 是发往源站的一次请求，URL 为同源相对路径（可带查询串），也接受完整 URL 但只取路径部分。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Fetcher 把 worker 发起的请求解析到 Upstream 上执行，单个进程共享一份。
type Fetcher struct {
	client *http.Client
	base   *url.URL
	tracer trace.Tracer
}

// NewFetcher 校验 upstream 并构造 Fetcher；client 为空时使用默认超时的共享客户端。
func NewFetcher(client *http.Client, upstream string) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimSpace(upstream))
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute http(s) url: %q", upstream)
	}
	if client == nil {
		client = NewClient(nil)
	}
	return &Fetcher{
		client: client,
		base:   base,
		tracer: telemetry.Tracer(),
	}, nil
}

// Upstream 返回源站基础地址。
func (f *Fetcher) Upstream() string {
	return f.base.String()
}

// Fetch 执行请求并完整读取响应体。非 2xx 仍作为响应返回，只有传输失败才返回 error。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	return f.fetch(ctx, req, 0)
}

// FetchWithTimeout 与 Fetch 相同，但整个过程（含读取响应体）受 d 约束，超时返回包装 ErrTimeout 的错误。
func (f *Fetcher) FetchWithTimeout(ctx context.Context, req Request, d time.Duration) (*cache.Response, error) {
	if d <= 0 {
		return f.fetch(ctx, req, 0)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return f.fetch(ctx, req, d)
}

func (f *Fetcher) fetch(ctx context.Context, req Request, timeout time.Duration) (*cache.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	method := requestMethod(req.Method)

	ctx, span := f.tracer.Start(ctx, "network.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", target.String()),
			attribute.Int64("fetch.timeout_ms", timeout.Milliseconds()),
		),
	)
	defer span.End()

	httpReq, err := f.buildRequest(ctx, method, target, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		err = classifyError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = classifyError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		URL:      relativeURL(target),
		StoredAt: time.Now().UTC(),
	}, nil
}

// Forward 将未被拦截的请求原样转发，返回未读取的 *http.Response，由调用方负责关闭 Body。
func (f *Fetcher) Forward(ctx context.Context, req Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	method := requestMethod(req.Method)

	ctx, span := f.tracer.Start(ctx, "network.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", target.String()),
		),
	)
	defer span.End()

	httpReq, err := f.buildRequest(ctx, method, target, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (f *Fetcher) buildRequest(ctx context.Context, method string, target *url.URL, req Request) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host
	return httpReq, nil
}

// resolve 只保留请求的路径与查询串，统一挂到 Upstream 上，避免请求被引导到其他源。
func (f *Fetcher) resolve(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", raw, err)
	}
	relative := &url.URL{Path: parsed.Path, RawPath: parsed.RawPath, RawQuery: parsed.RawQuery}
	if !strings.HasPrefix(relative.Path, "/") {
		relative.Path = "/" + relative.Path
		relative.RawPath = ""
	}
	return f.base.ResolveReference(relative), nil
}

func classifyError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func requestMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

func relativeURL(u *url.URL) string {
	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}
