package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/model/dto"
)

// 生命周期操作名，用于 StateError 与指标标签
const (
	OpStartCollection = "start_collection"
	OpStartAnalysis   = "start_analysis"
	OpRestartAnalysis = "restart_analysis"
	OpReset           = "reset"
	OpUpdate          = "update"
	OpDelete          = "delete"
)

// errConflict 事务内条件更新未命中，事务回滚后转换为 StateError 或 ErrAnalysisNotFound
var errConflict = errors.New("conditional update matched no rows")

// StartCollection created -> collection/A，并启动采集任务
func (s *AnalysisService) StartCollection(userID int64, analysisID string) (resp *dto.MutationResponse, err error) {
	defer func() { s.metrics.ObserveTransition(OpStartCollection, err) }()

	rows, err := s.analysisRepo.CompareAndUpdate(analysisID, userID, []string{model.StatusCreated}, map[string]interface{}{
		"status":                  model.StatusCollection,
		"phase":                   model.PhaseA,
		"progress":                0,
		"started_at":              s.now(),
		"completed_at":            nil,
		"collection_completed_at": nil,
		"error_log":               nil,
		"owner":                   s.instanceID,
		"heartbeat_at":            s.now(),
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, s.stateError(OpStartCollection, userID, analysisID, "只有 created 状态的分析可以开始采集")
	}

	if err := s.store.Ensure(analysisID); err != nil {
		s.abortLaunch(analysisID, model.StatusCollection, model.StatusFailed, err)
		return nil, err
	}

	// 任务可能很快改写状态，响应在启动前读取
	resp, err = s.mutationResponse(userID, analysisID, nil)
	if err != nil {
		return nil, err
	}

	s.broadcast(analysisID, 0, "Data collection started", model.StatusCollection, model.PhaseA)
	err = s.runner.Launch(analysisID, "collection", s.keepAlive(analysisID, model.StatusCollection, func(ctx context.Context) {
		s.phases.RunCollection(ctx, analysisID)
	}))
	if err != nil {
		s.abortLaunch(analysisID, model.StatusCollection, model.StatusFailed, err)
		return nil, err
	}

	s.logger.Info("collection started", zap.String("analysis_id", analysisID), zap.Int64("user_id", userID))
	return resp, nil
}

// StartAnalysis collection_complete -> generating/B，重建 20 个章节并启动生成任务
func (s *AnalysisService) StartAnalysis(userID int64, analysisID string) (resp *dto.MutationResponse, err error) {
	defer func() { s.metrics.ObserveTransition(OpStartAnalysis, err) }()

	analysis, err := s.getOwned(userID, analysisID)
	if err != nil {
		return nil, err
	}
	if analysis.Status != model.StatusCollectionComplete {
		return nil, &StateError{Op: OpStartAnalysis, Current: analysis.Status, Phase: analysis.Phase,
			Reason: "需要先完成数据采集"}
	}
	// 状态与磁盘可能不一致，以产物为准
	if !s.store.CollectionReady(analysisID) {
		return nil, &StateError{Op: OpStartAnalysis, Current: analysis.Status, Phase: analysis.Phase,
			Reason: "采集产物缺失，请重置后重新采集"}
	}

	err = s.analysisRepo.Transaction(func(tx *gorm.DB) error {
		rows, err := s.analysisRepo.WithTx(tx).CompareAndUpdate(analysisID, userID,
			[]string{model.StatusCollectionComplete}, map[string]interface{}{
				"status":       model.StatusGenerating,
				"phase":        model.PhaseB,
				"progress":     0,
				"completed_at": nil,
				"error_log":    nil,
				"owner":        s.instanceID,
				"heartbeat_at": s.now(),
			})
		if err != nil {
			return err
		}
		if rows == 0 {
			return errConflict
		}

		sections := s.sectionRepo.WithTx(tx)
		if _, err := sections.DeleteByAnalysisID(analysisID); err != nil {
			return err
		}
		return sections.CreateBatch(model.NewPendingSections(analysisID))
	})
	if errors.Is(err, errConflict) {
		return nil, s.stateError(OpStartAnalysis, userID, analysisID, "需要先完成数据采集")
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.store.ClearSections(analysisID); err != nil {
		s.logger.Warn("failed to clear stale section files", zap.String("analysis_id", analysisID), zap.Error(err))
	}

	resp, err = s.mutationResponse(userID, analysisID, nil)
	if err != nil {
		return nil, err
	}

	s.broadcast(analysisID, 0, "Report generation started", model.StatusGenerating, model.PhaseB)
	err = s.runner.Launch(analysisID, "generation", s.keepAlive(analysisID, model.StatusGenerating, func(ctx context.Context) {
		s.phases.RunGeneration(ctx, analysisID)
	}))
	if err != nil {
		s.abortLaunch(analysisID, model.StatusGenerating, model.StatusGenerationFailed, err)
		return nil, err
	}

	s.logger.Info("generation started", zap.String("analysis_id", analysisID), zap.Int64("user_id", userID))
	return resp, nil
}

// RestartAnalysis 丢弃 Phase B 结果回到 collection_complete，保留采集产物，不自动开始生成
func (s *AnalysisService) RestartAnalysis(userID int64, analysisID string) (resp *dto.MutationResponse, err error) {
	defer func() { s.metrics.ObserveTransition(OpRestartAnalysis, err) }()

	analysis, err := s.getOwned(userID, analysisID)
	if err != nil {
		return nil, err
	}
	if !s.store.CollectionReady(analysisID) {
		return nil, &StateError{Op: OpRestartAnalysis, Current: analysis.Status, Phase: analysis.Phase,
			Reason: "采集产物缺失，无法重新生成"}
	}

	s.runner.Cancel(analysisID)

	completedAt := analysis.CollectionCompletedAt
	if completedAt == nil {
		now := s.now()
		completedAt = &now
	}

	var deleted int64
	err = s.analysisRepo.Transaction(func(tx *gorm.DB) error {
		var err error
		if deleted, err = s.sectionRepo.WithTx(tx).DeleteByAnalysisID(analysisID); err != nil {
			return err
		}
		rows, err := s.analysisRepo.WithTx(tx).CompareAndUpdate(analysisID, userID, nil, map[string]interface{}{
			"status":                  model.StatusCollectionComplete,
			"phase":                   model.PhaseA,
			"progress":                100,
			"completed_at":            completedAt,
			"collection_completed_at": completedAt,
			"error_log":               nil,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return errConflict
		}
		return nil
	})
	if errors.Is(err, errConflict) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, err
	}

	files, err := s.store.ClearSections(analysisID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("analysis restarted",
		zap.String("analysis_id", analysisID),
		zap.Int64("sections_deleted", deleted),
		zap.Int("files_deleted", files))
	s.broadcast(analysisID, 100, "Report sections cleared", model.StatusCollectionComplete, model.PhaseA)

	return s.mutationResponse(userID, analysisID, &dto.CleanupResult{SectionsDeleted: deleted, FilesDeleted: files})
}

// Reset 清空全部结果回到 created，保留名称与配置
func (s *AnalysisService) Reset(userID int64, analysisID string) (resp *dto.MutationResponse, err error) {
	defer func() { s.metrics.ObserveTransition(OpReset, err) }()

	if _, err := s.getOwned(userID, analysisID); err != nil {
		return nil, err
	}

	cleanup, err := s.resetTo(userID, analysisID, nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info("analysis reset",
		zap.String("analysis_id", analysisID),
		zap.Int64("sections_deleted", cleanup.SectionsDeleted),
		zap.Int("files_deleted", cleanup.FilesDeleted))
	s.broadcast(analysisID, 0, "Analysis reset", model.StatusCreated, model.PhaseNone)

	return s.mutationResponse(userID, analysisID, cleanup)
}

// Update 全量修改配置并重置
func (s *AnalysisService) Update(userID int64, analysisID string, req *dto.UpdateAnalysisRequest) (resp *dto.UpdateAnalysisResponse, err error) {
	defer func() { s.metrics.ObserveTransition(OpUpdate, err) }()

	if _, err := s.getOwned(userID, analysisID); err != nil {
		return nil, err
	}

	cleanup, err := s.resetTo(userID, analysisID, map[string]interface{}{
		"name":       req.Name,
		"companies":  dto.ToCompanyList(req.Companies),
		"years_back": req.YearsBack,
	})
	if err != nil {
		return nil, err
	}

	detail, err := s.Get(userID, analysisID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("analysis updated", zap.String("analysis_id", analysisID))
	s.broadcast(analysisID, 0, "Analysis configuration updated", model.StatusCreated, model.PhaseNone)

	return &dto.UpdateAnalysisResponse{
		Analysis:        detail,
		SectionsDeleted: cleanup.SectionsDeleted,
		FilesDeleted:    cleanup.FilesDeleted,
	}, nil
}

// Delete 删除分析、全部章节与产物目录
func (s *AnalysisService) Delete(userID int64, analysisID string) (result *dto.CleanupResult, err error) {
	defer func() { s.metrics.ObserveTransition(OpDelete, err) }()

	if _, err := s.getOwned(userID, analysisID); err != nil {
		return nil, err
	}

	s.runner.Cancel(analysisID)

	var deleted int64
	err = s.analysisRepo.Transaction(func(tx *gorm.DB) error {
		var err error
		if deleted, err = s.sectionRepo.WithTx(tx).DeleteByAnalysisID(analysisID); err != nil {
			return err
		}
		rows, err := s.analysisRepo.WithTx(tx).Delete(analysisID, userID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errConflict
		}
		return nil
	})
	if errors.Is(err, errConflict) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, err
	}

	files, err := s.store.Remove(analysisID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("analysis deleted",
		zap.String("analysis_id", analysisID),
		zap.Int64("sections_deleted", deleted),
		zap.Int("files_deleted", files))

	return &dto.CleanupResult{SectionsDeleted: deleted, FilesDeleted: files}, nil
}

// resetTo 取消任务，事务内删除章节并重置生命周期字段（可附带配置字段），提交后重建产物目录
func (s *AnalysisService) resetTo(userID int64, analysisID string, extra map[string]interface{}) (*dto.CleanupResult, error) {
	s.runner.Cancel(analysisID)

	fields := map[string]interface{}{
		"status":                  model.StatusCreated,
		"phase":                   model.PhaseNone,
		"progress":                0,
		"started_at":              nil,
		"completed_at":            nil,
		"collection_completed_at": nil,
		"error_log":               nil,
	}
	for k, v := range extra {
		fields[k] = v
	}

	var deleted int64
	err := s.analysisRepo.Transaction(func(tx *gorm.DB) error {
		var err error
		if deleted, err = s.sectionRepo.WithTx(tx).DeleteByAnalysisID(analysisID); err != nil {
			return err
		}
		rows, err := s.analysisRepo.WithTx(tx).CompareAndUpdate(analysisID, userID, nil, fields)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errConflict
		}
		return nil
	})
	if errors.Is(err, errConflict) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, err
	}

	files, err := s.store.Reset(analysisID)
	if err != nil {
		return nil, err
	}
	return &dto.CleanupResult{SectionsDeleted: deleted, FilesDeleted: files}, nil
}

// abortLaunch 任务未能启动时把刚写入的运行态改为失败态
func (s *AnalysisService) abortLaunch(analysisID, running, failed string, cause error) {
	s.logger.Error("failed to launch task", zap.String("analysis_id", analysisID), zap.Error(cause))
	_, err := s.analysisRepo.CompareAndUpdate(analysisID, 0, []string{running}, map[string]interface{}{
		"status":    failed,
		"phase":     model.PhaseOf(failed),
		"error_log": "failed to schedule task: " + cause.Error(),
	})
	if err != nil {
		s.logger.Error("failed to record launch failure", zap.String("analysis_id", analysisID), zap.Error(err))
	}
	if failed == model.StatusGenerationFailed {
		if _, err := s.sectionRepo.FailUnfinished(analysisID, "task was not scheduled"); err != nil {
			s.logger.Error("failed to fail sections", zap.String("analysis_id", analysisID), zap.Error(err))
		}
	}
}

func (s *AnalysisService) broadcast(analysisID string, progress int, message, status, phase string) {
	if s.notifier == nil {
		return
	}
	s.notifier.BroadcastProgress(analysisID, progress, message, status, phase, nil)
}

func (s *AnalysisService) mutationResponse(userID int64, analysisID string, cleanup *dto.CleanupResult) (*dto.MutationResponse, error) {
	detail, err := s.Get(userID, analysisID)
	if err != nil {
		return nil, err
	}
	return &dto.MutationResponse{
		AnalysisID: analysisID,
		Status:     detail.Status,
		Phase:      detail.Phase,
		Cleanup:    cleanup,
		Analysis:   detail,
	}, nil
}
