package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Storage 管理全部命名缓存存储（每个版本一个），语义对齐浏览器 CacheStorage。
type Storage interface {
	// Open 打开指定名称的存储，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断存储是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个存储；存储不存在时返回 (false, nil)。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回按名称排序的存储列表。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个版本的 request → response 映射。
type Cache interface {
	Name() string

	// Match 返回缓存响应，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 覆盖写入，写入失败时旧条目保持不变；存储已被删除时返回 ErrStoreNotFound。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除单个条目，条目不存在时返回 (false, nil)。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 返回当前存储内的全部键。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreNotFound 表示目标存储已被删除（版本清理或 CLEAR_CACHE）。
	ErrStoreNotFound = errors.New("cache store not found")
	// ErrNotCacheable 表示请求方法不允许进入缓存（仅 GET 可缓存）。
	ErrNotCacheable = errors.New("request method is not cacheable")
	// ErrInvalidName 表示存储名称包含非法字符。
	ErrInvalidName = errors.New("invalid cache store name")
)

// Key 唯一定位一个缓存条目：方法固定为 GET，URL 为规范化后的同源路径 + 查询串。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化请求键，非 GET 请求返回 ErrNotCacheable。
func NewKey(method, rawURL string) (Key, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return Key{}, fmt.Errorf("%w: %s", ErrNotCacheable, method)
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Key{}, err
	}
	return Key{Method: method, URL: normalized}, nil
}

// MustKey 供常量资源列表使用，解析失败时 panic。
func MustKey(rawURL string) Key {
	key, err := NewKey(http.MethodGet, rawURL)
	if err != nil {
		panic(err)
	}
	return key
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Path 返回去掉查询串的路径部分，用于字体等"忽略查询串"的回退匹配。
func (k Key) Path() string {
	if idx := strings.IndexByte(k.URL, '?'); idx >= 0 {
		return k.URL[:idx]
	}
	return k.URL
}

func (k Key) validate() error {
	if k.Method != http.MethodGet {
		return fmt.Errorf("%w: %s", ErrNotCacheable, k.Method)
	}
	if k.URL == "" {
		return errors.New("cache key url required")
	}
	return nil
}

// NormalizeURL 丢弃 scheme/host/fragment，保留路径与按键排序后的查询串。
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	p := parsed.EscapedPath()
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if parsed.RawQuery == "" {
		return p, nil
	}
	query := parsed.Query()
	if len(query) == 0 {
		return p, nil
	}
	return p + "?" + query.Encode(), nil
}

// Response 是缓存中保存的一份完整响应。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝响应，避免调用方修改共享的 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// OK 表示响应可以写入缓存（与 Cache.add 一致，仅接受 200）。
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK
}

// DeleteAllExcept 删除 keep 之外的全部存储，返回被删除的名称；单个删除失败不会中断其余删除。
func DeleteAllExcept(ctx context.Context, s Storage, keep ...string) ([]string, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	kept := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		kept[name] = struct{}{}
	}
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if _, ok := kept[name]; ok {
			continue
		}
		ok, err := s.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}

// Clear 删除全部存储，不区分版本。
func Clear(ctx context.Context, s Storage) ([]string, error) {
	return DeleteAllExcept(ctx, s)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].URL < keys[j].URL
	})
}
