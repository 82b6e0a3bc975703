package telemetry

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// 环境变量优先级高于配置文件中的 OtelEndpoint。
const (
	EnvEndpoint = "OFFLINE_HUB_OTEL_ENDPOINT"
	EnvEnabled  = "OFFLINE_HUB_OTEL_ENABLED"
)

// InstrumentationName 是本进程 tracer 的名称。
const InstrumentationName = "github.com/offline-hub/offline-hub"

// Setup 按需安装全局 TracerProvider。
//
// 端点为空或 OFFLINE_HUB_OTEL_ENABLED=false 时不注册任何 provider，返回的 shutdown 为空操作。
// 调用方应在退出前调用 shutdown 刷新未导出的 span。
func Setup(ctx context.Context, endpoint, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnvEnabled), "false") {
		return noop, nil
	}
	if env := strings.TrimSpace(os.Getenv(EnvEndpoint)); env != "" {
		endpoint = env
	}
	if strings.TrimSpace(endpoint) == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer 返回全局 provider 下的 tracer；未启用时为 no-op。
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// TraceFields 从 ctx 中提取 trace_id/span_id，便于日志与链路关联；无有效 span 时返回空字段。
func TraceFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if ctx == nil {
		return fields
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	return fields
}
