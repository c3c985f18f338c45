// Package cron 负责周期性维护任务（清理孤儿产物目录）。
package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCleanupSpec 默认每小时清理一次
const DefaultCleanupSpec = "@every 1h"

const cleanupTimeout = 5 * time.Minute

// OrphanCleaner 删除没有对应分析记录的产物目录，返回删除的目录数
type OrphanCleaner interface {
	CleanupOrphans(ctx context.Context) (int, error)
}

type Service struct {
	cron    *cron.Cron
	cleaner OrphanCleaner
	spec    string
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewService(spec string, cleaner OrphanCleaner, logger *zap.Logger) *Service {
	if spec == "" {
		spec = DefaultCleanupSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		// 上一轮未结束时跳过本轮
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cleaner: cleaner,
		spec:    spec,
		logger:  logger,
	}
}

// Start 注册并启动定时任务
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("cron service already running")
	}
	if s.cleaner == nil {
		return errors.New("cron service has no cleaner")
	}

	if _, err := s.cron.AddFunc(s.spec, s.cleanup); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("cron service started", zap.String("cleanup_spec", s.spec))
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("cron service stopped")
}

// RunNow 立即执行一次清理（用于测试或手动触发）
func (s *Service) RunNow(ctx context.Context) (int, error) {
	if s.cleaner == nil {
		return 0, errors.New("cron service has no cleaner")
	}
	return s.cleaner.CleanupOrphans(ctx)
}

func (s *Service) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	removed, err := s.cleaner.CleanupOrphans(ctx)
	if err != nil {
		s.logger.Error("orphan cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("orphan cleanup finished", zap.Int("removed", removed))
	}
}
