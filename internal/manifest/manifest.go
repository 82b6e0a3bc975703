package manifest

import (
	"fmt"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
)

// Manifest 保存某一代 worker 的核心/可选资源清单，构造后只读。
type Manifest struct {
	root     string
	core     []string
	optional []string
	coreSet  map[string]struct{}
}

// New 基于 RootPath 规范化资源列表：相对路径挂到 root 下，按首次出现顺序去重。
// 同一资源同时出现在两个列表时只保留在 Core 中。
func New(root string, core, optional []string) (*Manifest, error) {
	root = normalizeRoot(root)
	m := &Manifest{
		root:    root,
		coreSet: make(map[string]struct{}, len(core)),
	}

	for idx, raw := range core {
		u, err := resolve(root, raw)
		if err != nil {
			return nil, fmt.Errorf("core[%d]: %w", idx, err)
		}
		if _, dup := m.coreSet[u]; dup {
			continue
		}
		m.coreSet[u] = struct{}{}
		m.core = append(m.core, u)
	}

	seen := make(map[string]struct{}, len(optional))
	for idx, raw := range optional {
		u, err := resolve(root, raw)
		if err != nil {
			return nil, fmt.Errorf("optional[%d]: %w", idx, err)
		}
		if _, dup := m.coreSet[u]; dup {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		m.optional = append(m.optional, u)
	}
	return m, nil
}

// FromConfig 使用配置中的 RootPath 与 [Manifest] 段构造清单。
func FromConfig(cfg *config.Config) (*Manifest, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	return New(cfg.Global.RootPath, cfg.Manifest.Core, cfg.Manifest.Optional)
}

// Root 返回规范化后的应用根路径（首尾均带 "/"）。
func (m *Manifest) Root() string {
	return m.root
}

// Core 返回核心资源副本。
func (m *Manifest) Core() []string {
	return append([]string(nil), m.core...)
}

// Optional 返回可选资源副本。
func (m *Manifest) Optional() []string {
	return append([]string(nil), m.optional...)
}

// All 先核心后可选。
func (m *Manifest) All() []string {
	out := make([]string, 0, len(m.core)+len(m.optional))
	out = append(out, m.core...)
	return append(out, m.optional...)
}

// IsCore 判断请求 URL（可带 scheme/host）规范化后是否属于核心资源。
func (m *Manifest) IsCore(rawURL string) bool {
	if m == nil {
		return false
	}
	u, err := cache.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	_, ok := m.coreSet[u]
	return ok
}

// InScope 判断请求路径是否位于 RootPath 之下。
func (m *Manifest) InScope(rawURL string) bool {
	u, err := cache.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if m.root == "/" {
		return true
	}
	return strings.HasPrefix(u, m.root) || u == strings.TrimSuffix(m.root, "/")
}

// AppShell 返回 document 回退时依次尝试的应用外壳地址。
func (m *Manifest) AppShell() []string {
	return []string{m.root + "index.html", m.root}
}

func resolve(root, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty asset url")
	}
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "//") {
		return "", fmt.Errorf("asset %q must be same-origin", raw)
	}
	if !strings.HasPrefix(raw, "/") {
		raw = root + strings.TrimPrefix(raw, "./")
	}
	return cache.NormalizeURL(raw)
}

func normalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return "/"
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}
