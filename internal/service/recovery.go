package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/model"
)

// InterruptedMessage 重启恢复写入的错误信息
const InterruptedMessage = "interrupted by server restart"

// 心跳默认值，staleAfter 需明显大于 heartbeat
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleAfter        = 90 * time.Second
)

// RecoverInterrupted 把失联的运行态分析标记为失败
//
// collection -> failed，generating -> generation_failed，未完成章节 -> failed。
// 本进程中仍在运行的任务不受影响。force 为 false 时只接管属于本实例、
// 没有归属或心跳超过 staleAfter 的记录，其他实例仍在运行的分析保持原状。
func (s *AnalysisService) RecoverInterrupted(ctx context.Context, force bool) (int, error) {
	stuck, err := s.analysisRepo.ListByStatus(model.StatusCollection, model.StatusGenerating)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.staleAfter)
	recovered := 0
	for _, a := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if s.runner != nil && s.runner.Running(a.ID) {
			continue
		}

		target := model.StatusFailed
		if a.Status == model.StatusGenerating {
			target = model.StatusGenerationFailed
		}
		fields := map[string]interface{}{
			"status":    target,
			"phase":     model.PhaseOf(target),
			"error_log": InterruptedMessage,
		}

		var rows int64
		if force {
			rows, err = s.analysisRepo.CompareAndUpdate(a.ID, 0, []string{a.Status}, fields)
		} else {
			rows, err = s.analysisRepo.ReclaimStale(a.ID, a.Status, s.instanceID, cutoff, fields)
		}
		if err != nil {
			return recovered, err
		}
		if rows == 0 {
			s.logger.Info("analysis still owned by a live instance",
				zap.String("analysis_id", a.ID),
				zap.String("owner", a.Owner))
			continue
		}

		if target == model.StatusGenerationFailed {
			if _, err := s.sectionRepo.FailUnfinished(a.ID, InterruptedMessage); err != nil {
				return recovered, err
			}
		}

		recovered++
		s.logger.Warn("recovered interrupted analysis",
			zap.String("analysis_id", a.ID),
			zap.String("owner", a.Owner),
			zap.String("from", a.Status),
			zap.String("to", target))
	}
	return recovered, nil
}

// keepAlive 任务运行期间按 heartbeat 间隔刷新心跳
func (s *AnalysisService) keepAlive(analysisID, status string, run func(ctx context.Context)) func(ctx context.Context) {
	return func(ctx context.Context) {
		done := make(chan struct{})
		defer close(done)

		go func() {
			ticker := time.NewTicker(s.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.analysisRepo.Heartbeat(analysisID, s.instanceID, s.now(), status); err != nil {
						s.logger.Warn("heartbeat failed", zap.String("analysis_id", analysisID), zap.Error(err))
					}
				}
			}
		}()

		run(ctx)
	}
}

// FindOrphans 列出没有对应分析记录的产物目录
func (s *AnalysisService) FindOrphans(ctx context.Context) ([]string, error) {
	ids, err := s.analysisRepo.ListIDs()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	dirs, err := s.store.ListAnalysisDirs()
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := known[dir]; ok {
			continue
		}
		if s.runner != nil && s.runner.Running(dir) {
			continue
		}
		orphans = append(orphans, dir)
	}
	return orphans, nil
}

// CleanupOrphans 删除孤儿产物目录，返回删除的目录数
func (s *AnalysisService) CleanupOrphans(ctx context.Context) (int, error) {
	orphans, err := s.FindOrphans(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range orphans {
		files, err := s.store.Remove(id)
		if err != nil {
			s.logger.Warn("failed to remove orphan dir", zap.String("dir", id), zap.Error(err))
			continue
		}
		removed++
		s.logger.Info("removed orphan artifact dir", zap.String("dir", id), zap.Int("files", files))
	}
	return removed, nil
}
