package worker

import "net/http"

// Strategy 描述一次拦截使用的取数方式。
type Strategy string

const (
	StrategyPassthrough          Strategy = "passthrough"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyCacheFirst           Strategy = "cache-first"
)

// Fallback 描述缓存与网络都无法给出结果时的兜底响应。
type Fallback string

const (
	FallbackNone               Fallback = "none"
	FallbackOfflinePage        Fallback = "offline-page"
	FallbackNetworkError       Fallback = "network-error"
	FallbackNotFound           Fallback = "not-found"
	FallbackAlternateKey       Fallback = "alternate-key"
	FallbackServiceUnavailable Fallback = "service-unavailable"
)

// Plan 是策略表中的一行。
type Plan struct {
	Strategy Strategy
	Fallback Fallback
	// Store 为 true 时网络 200 响应会写入缓存。
	Store bool
}

// SelectStrategy 是纯函数：同样的输入永远得到同样的计划。
// document 优先于核心资源判定；其余类型的核心资源按 stale-while-revalidate 处理。
func SelectStrategy(method string, dest Destination, isCore bool) Plan {
	if method != http.MethodGet {
		return Plan{Strategy: StrategyPassthrough, Fallback: FallbackNone}
	}
	switch {
	case dest == DestinationDocument:
		return Plan{Strategy: StrategyNetworkFirst, Fallback: FallbackOfflinePage, Store: true}
	case dest == DestinationScript, dest == DestinationStyle, isCore:
		return Plan{Strategy: StrategyStaleWhileRevalidate, Fallback: FallbackNetworkError, Store: true}
	case dest == DestinationImage:
		return Plan{Strategy: StrategyCacheFirst, Fallback: FallbackNotFound, Store: true}
	case dest == DestinationFont:
		return Plan{Strategy: StrategyCacheFirst, Fallback: FallbackAlternateKey, Store: true}
	default:
		return Plan{Strategy: StrategyNetworkFirst, Fallback: FallbackServiceUnavailable}
	}
}
