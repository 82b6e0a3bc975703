package worker

import (
	"net/http"
	"testing"
)

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name   string
		method string
		dest   Destination
		core   bool
		want   Plan
	}{
		{"post", http.MethodPost, DestinationDocument, true, Plan{Strategy: StrategyPassthrough, Fallback: FallbackNone}},
		{"document", http.MethodGet, DestinationDocument, false, Plan{StrategyNetworkFirst, FallbackOfflinePage, true}},
		{"core document", http.MethodGet, DestinationDocument, true, Plan{StrategyNetworkFirst, FallbackOfflinePage, true}},
		{"script", http.MethodGet, DestinationScript, false, Plan{StrategyStaleWhileRevalidate, FallbackNetworkError, true}},
		{"style", http.MethodGet, DestinationStyle, false, Plan{StrategyStaleWhileRevalidate, FallbackNetworkError, true}},
		{"core image", http.MethodGet, DestinationImage, true, Plan{StrategyStaleWhileRevalidate, FallbackNetworkError, true}},
		{"image", http.MethodGet, DestinationImage, false, Plan{StrategyCacheFirst, FallbackNotFound, true}},
		{"font", http.MethodGet, DestinationFont, false, Plan{StrategyCacheFirst, FallbackAlternateKey, true}},
		{"other", http.MethodGet, DestinationOther, false, Plan{StrategyNetworkFirst, FallbackServiceUnavailable, false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectStrategy(tc.method, tc.dest, tc.core)
			if got != tc.want {
				t.Fatalf("SelectStrategy(%s, %s, %v) = %+v, want %+v", tc.method, tc.dest, tc.core, got, tc.want)
			}
			if again := SelectStrategy(tc.method, tc.dest, tc.core); again != got {
				t.Fatalf("strategy selection must be deterministic")
			}
		})
	}
}
