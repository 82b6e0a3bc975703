package network

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/config"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultHeaderTimeout   = 5 * time.Second
	// 只有一个源站，空闲连接全部留给它。
	originIdleConns = 32
)

// NewClient 返回回源用的 http.Client。
// Client.Timeout 取 UpstreamTimeout，是透传请求的整体上限；
// ResponseHeaderTimeout 取 NetworkTimeout，源站迟迟不回响应头时尽早放弃，让拦截策略走兜底。
func NewClient(cfg *config.Config) *http.Client {
	timeout, headerTimeout := defaultUpstreamTimeout, defaultHeaderTimeout
	if cfg != nil {
		if d := cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		if d := cfg.Global.NetworkTimeout.DurationValue(); d > 0 {
			headerTimeout = d
		}
	}
	if headerTimeout > timeout {
		headerTimeout = timeout
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: newOriginTransport(headerTimeout),
	}
}

func newOriginTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          originIdleConns,
		MaxIdleConnsPerHost:   originIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   headerTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   headerTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// hopByHopHeaders 是 RFC 7230 规定只在单跳有效的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 复制 src 中可以跨跳传递的头部。
// 除固定的 hop-by-hop 字段外，src 的 Connection 头里点名的字段同样丢弃。
func CopyHeaders(dst, src http.Header) {
	connTokens := connectionTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if IsHopByHopHeader(canonical) {
			continue
		}
		if _, listed := connTokens[canonical]; listed {
			continue
		}
		for _, value := range values {
			dst.Add(canonical, value)
		}
	}
}

// IsHopByHopHeader 判断 key 是否为固定的 hop-by-hop 头部。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	tokens := map[string]struct{}{}
	for _, v := range values {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
