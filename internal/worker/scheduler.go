package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncFunc 执行一次（周期）同步，通常是 Dispatcher.DispatchPeriodicSync。
type SyncFunc func(ctx context.Context, tag string) (SyncReport, error)

// Scheduler 按固定间隔触发 refresh-optional 周期同步。上一次未结束时跳过本轮。
type Scheduler struct {
	interval time.Duration
	tag      string
	fire     SyncFunc
	logger   *logrus.Logger
	running  atomic.Bool
}

// NewScheduler 创建调度器，interval<=0 时 Run 立即返回。
func NewScheduler(interval time.Duration, fire SyncFunc, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		interval: interval,
		tag:      TagRefreshOptional,
		fire:     fire,
		logger:   logger,
	}
}

// Run 阻塞直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 || s.fire == nil {
		s.logger.WithField("action", "periodicsync").Info("periodic sync disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 立即执行一轮同步，返回是否真正执行。
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.WithField("action", "periodicsync").Warn("previous periodic sync still running, tick skipped")
		return false
	}
	defer s.running.Store(false)

	report, err := s.fire(ctx, s.tag)
	fields := logrus.Fields{"action": "periodicsync", "tag": s.tag}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("periodic sync failed")
		return true
	}
	fields["refreshed"] = len(report.Refreshed)
	fields["failed"] = len(report.Failed)
	s.logger.WithFields(fields).Debug("periodic sync tick")
	return true
}
