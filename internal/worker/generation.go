package worker

import (
	"errors"
	"time"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/manifest"
)

// State 是 worker 代的生命周期状态。
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Generation 是一代 worker：版本号、存储名称、资源清单。状态字段由 Worker.mu 保护。
type Generation struct {
	Version     string
	StoreName   string
	Manifest    *manifest.Manifest
	SkipWaiting bool

	state       State
	installedAt time.Time
	activatedAt time.Time
	report      InstallReport
}

// NewGeneration 由配置构造新的一代。
func NewGeneration(cfg *config.Config) (*Generation, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	m, err := manifest.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Generation{
		Version:     cfg.Global.CacheVersion,
		StoreName:   cfg.CacheName(),
		Manifest:    m,
		SkipWaiting: cfg.Global.SkipWaiting,
		state:       StateInstalling,
	}, nil
}

// GenerationStatus 是 Generation 的只读视图，供状态接口输出。
type GenerationStatus struct {
	Version     string        `json:"version"`
	StoreName   string        `json:"store"`
	State       string        `json:"state"`
	InstalledAt time.Time     `json:"installed_at,omitempty"`
	ActivatedAt time.Time     `json:"activated_at,omitempty"`
	Install     InstallReport `json:"install"`
}

// 调用方需持有 Worker.mu。
func (g *Generation) status() *GenerationStatus {
	if g == nil {
		return nil
	}
	return &GenerationStatus{
		Version:     g.Version,
		StoreName:   g.StoreName,
		State:       g.state.String(),
		InstalledAt: g.installedAt,
		ActivatedAt: g.activatedAt,
		Install:     g.report,
	}
}
