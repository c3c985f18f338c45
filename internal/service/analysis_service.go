package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/artifact"
	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/model/dto"
	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
	"github.com/wanfaliang/benchmarking/internal/repository"
	"github.com/wanfaliang/benchmarking/internal/worker"
)

var (
	ErrAnalysisNotFound   = errors.New("分析不存在")
	ErrSectionNotFound    = errors.New("章节不存在")
	ErrSectionNotComplete = errors.New("章节尚未生成完成")
	ErrArtifactNotFound   = errors.New("数据文件不存在")
)

// StateError 状态前置条件不满足，携带重新读取的当前状态
type StateError struct {
	Op      string
	Current string
	Phase   string
	Reason  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("无法执行 %s：%s（当前状态 %s）", e.Op, e.Reason, e.Current)
}

// Phases 两个阶段的后台入口，*worker.Pipeline 满足该接口
type Phases interface {
	RunCollection(ctx context.Context, analysisID string)
	RunGeneration(ctx context.Context, analysisID string)
}

type AnalysisService struct {
	analysisRepo *repository.AnalysisRepository
	sectionRepo  *repository.SectionRepository
	store        *artifact.Store
	runner       *worker.Runner
	phases       Phases
	notifier     worker.Notifier
	logger       *zap.Logger
	metrics      *metrics.Registry
	now          func() time.Time

	// 多实例共享数据库时用于判断运行态分析的归属
	instanceID string
	heartbeat  time.Duration
	staleAfter time.Duration
}

func NewAnalysisService(
	analysisRepo *repository.AnalysisRepository,
	sectionRepo *repository.SectionRepository,
	store *artifact.Store,
	runner *worker.Runner,
	phases Phases,
	notifier worker.Notifier,
	logger *zap.Logger,
	m *metrics.Registry,
) *AnalysisService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisService{
		analysisRepo: analysisRepo,
		sectionRepo:  sectionRepo,
		store:        store,
		runner:       runner,
		phases:       phases,
		notifier:     notifier,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		instanceID:   uuid.NewString(),
		heartbeat:    DefaultHeartbeatInterval,
		staleAfter:   DefaultStaleAfter,
	}
}

// SetInstance 设置实例 ID 与心跳参数，零值保持默认
func (s *AnalysisService) SetInstance(id string, heartbeat, staleAfter time.Duration) {
	if id != "" {
		s.instanceID = id
	}
	if heartbeat > 0 {
		s.heartbeat = heartbeat
	}
	if staleAfter > 0 {
		s.staleAfter = staleAfter
	}
}

// InstanceID 返回本实例写入 owner 列的标识
func (s *AnalysisService) InstanceID() string {
	return s.instanceID
}

// Create 创建分析并准备产物目录
func (s *AnalysisService) Create(userID int64, req *dto.CreateAnalysisRequest) (*dto.AnalysisDetail, error) {
	analysis := &model.Analysis{
		UserID:    userID,
		Name:      req.Name,
		Companies: dto.ToCompanyList(req.Companies),
		YearsBack: req.YearsBack,
		Status:    model.StatusCreated,
		Phase:     model.PhaseNone,
	}

	if err := s.analysisRepo.Create(analysis); err != nil {
		return nil, err
	}

	if err := s.store.Ensure(analysis.ID); err != nil {
		if _, delErr := s.analysisRepo.Delete(analysis.ID, userID); delErr != nil {
			s.logger.Error("failed to roll back analysis", zap.String("analysis_id", analysis.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	s.logger.Info("analysis created",
		zap.String("analysis_id", analysis.ID),
		zap.Int64("user_id", userID),
		zap.Strings("tickers", analysis.Companies.Tickers()))

	return toAnalysisDetail(analysis), nil
}

// List 获取用户的分析列表
func (s *AnalysisService) List(userID int64, page, pageSize int, status string) ([]*dto.AnalysisDetail, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	analyses, total, err := s.analysisRepo.ListByUserID(userID, page, pageSize, status)
	if err != nil {
		return nil, 0, err
	}

	items := make([]*dto.AnalysisDetail, len(analyses))
	for i, a := range analyses {
		items[i] = toAnalysisDetail(a)
	}
	return items, total, nil
}

// Get 获取分析详情
func (s *AnalysisService) Get(userID int64, analysisID string) (*dto.AnalysisDetail, error) {
	analysis, err := s.getOwned(userID, analysisID)
	if err != nil {
		return nil, err
	}
	return toAnalysisDetail(analysis), nil
}

// Status 生命周期轮询：状态、产物、章节统计
func (s *AnalysisService) Status(userID int64, analysisID string) (*dto.LifecycleStatus, error) {
	analysis, err := s.getOwned(userID, analysisID)
	if err != nil {
		return nil, err
	}

	counts, err := s.sectionRepo.CountByStatus(analysisID)
	if err != nil {
		return nil, err
	}

	rawExists := s.store.Exists(analysisID, artifact.RawData)
	snapExists := s.store.Exists(analysisID, artifact.Snapshot)
	ready := rawExists && snapExists

	return &dto.LifecycleStatus{
		AnalysisID:        analysis.ID,
		Status:            analysis.Status,
		Phase:             phasePtr(analysis.Phase),
		Progress:          analysis.Progress,
		Running:           s.runner.Running(analysisID),
		RawDataExists:     rawExists,
		SnapshotExists:    snapExists,
		SectionCounts:     counts,
		CanStartCollect:   analysis.Status == model.StatusCreated,
		CanStartAnalysis:  analysis.Status == model.StatusCollectionComplete && ready,
		CanRestartSection: ready && analysis.Status != model.StatusCollection,
		ErrorLog:          analysis.ErrorLog,
	}, nil
}

// Rename 仅修改名称，任何状态均可
func (s *AnalysisService) Rename(userID int64, analysisID, name string) (*dto.AnalysisDetail, error) {
	rows, err := s.analysisRepo.CompareAndUpdate(analysisID, userID, nil, map[string]interface{}{
		"name": name,
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrAnalysisNotFound
	}
	return s.Get(userID, analysisID)
}

// ListSections 章节列表，按编号排序；Phase B 未开始时为空
func (s *AnalysisService) ListSections(userID int64, analysisID string) (*dto.SectionListResponse, error) {
	if _, err := s.getOwned(userID, analysisID); err != nil {
		return nil, err
	}

	list, err := s.sectionRepo.ListByAnalysisID(analysisID)
	if err != nil {
		return nil, err
	}

	items := make([]*dto.SectionStatus, len(list))
	for i, sec := range list {
		items[i] = toSectionStatus(sec)
	}

	return &dto.SectionListResponse{
		AnalysisID: analysisID,
		Total:      len(items),
		Sections:   items,
	}, nil
}

// GetSectionHTML 读取已完成章节的 HTML
func (s *AnalysisService) GetSectionHTML(userID int64, analysisID string, number int) ([]byte, *model.Section, error) {
	if number < 0 || number >= model.SectionCount {
		return nil, nil, ErrSectionNotFound
	}
	if _, err := s.getOwned(userID, analysisID); err != nil {
		return nil, nil, err
	}

	section, err := s.sectionRepo.GetByNumber(analysisID, number)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSectionNotFound
		}
		return nil, nil, err
	}
	if section.Status != model.SectionComplete {
		return nil, section, ErrSectionNotComplete
	}

	html, err := os.ReadFile(s.store.SectionPath(analysisID, number))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, section, ErrArtifactNotFound
		}
		return nil, section, err
	}
	return html, section, nil
}

// RawDataPath raw_data.xlsx 的路径，不存在时返回 ErrArtifactNotFound
func (s *AnalysisService) RawDataPath(userID int64, analysisID string) (string, error) {
	if _, err := s.getOwned(userID, analysisID); err != nil {
		return "", err
	}
	if !s.store.Exists(analysisID, artifact.RawData) {
		return "", ErrArtifactNotFound
	}
	return s.store.Path(analysisID, artifact.RawData), nil
}

// Owns 用户是否拥有该分析（WebSocket 鉴权使用）
func (s *AnalysisService) Owns(userID int64, analysisID string) (bool, error) {
	_, err := s.getOwned(userID, analysisID)
	if errors.Is(err, ErrAnalysisNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *AnalysisService) getOwned(userID int64, analysisID string) (*model.Analysis, error) {
	analysis, err := s.analysisRepo.GetByIDAndUser(analysisID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAnalysisNotFound
		}
		return nil, err
	}
	return analysis, nil
}

// stateError 重新读取当前状态构造 StateError；记录已不存在时返回 ErrAnalysisNotFound
func (s *AnalysisService) stateError(op string, userID int64, analysisID, reason string) error {
	analysis, err := s.getOwned(userID, analysisID)
	if err != nil {
		return err
	}
	return &StateError{Op: op, Current: analysis.Status, Phase: analysis.Phase, Reason: reason}
}

func toAnalysisDetail(a *model.Analysis) *dto.AnalysisDetail {
	companies := []model.Company(a.Companies)
	if companies == nil {
		companies = []model.Company{}
	}
	return &dto.AnalysisDetail{
		ID:                    a.ID,
		UserID:                a.UserID,
		Name:                  a.Name,
		Companies:             companies,
		YearsBack:             a.YearsBack,
		Status:                a.Status,
		Phase:                 phasePtr(a.Phase),
		Progress:              a.Progress,
		StartedAt:             formatTime(a.StartedAt),
		CompletedAt:           formatTime(a.CompletedAt),
		CollectionCompletedAt: formatTime(a.CollectionCompletedAt),
		ErrorLog:              a.ErrorLog,
		CreatedAt:             a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             a.UpdatedAt.Format(time.RFC3339),
	}
}

func toSectionStatus(sec *model.Section) *dto.SectionStatus {
	return &dto.SectionStatus{
		ID:             sec.ID,
		SectionNumber:  sec.SectionNumber,
		SectionName:    sec.SectionName,
		Status:         sec.Status,
		ErrorMessage:   sec.ErrorMessage,
		StartedAt:      formatTime(sec.StartedAt),
		CompletedAt:    formatTime(sec.CompletedAt),
		ProcessingTime: sec.ProcessingTime(),
		HasHTML:        sec.Status == model.SectionComplete && sec.HTMLPath != nil,
	}
}

func phasePtr(phase string) *string {
	if phase == model.PhaseNone {
		return nil
	}
	return &phase
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
