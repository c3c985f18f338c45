package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/model"
)

type AnalysisRepository struct {
	db *gorm.DB
}

func NewAnalysisRepository(db *gorm.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// WithTx 返回绑定到事务的仓库
func (r *AnalysisRepository) WithTx(tx *gorm.DB) *AnalysisRepository {
	return &AnalysisRepository{db: tx}
}

// Transaction 在事务中执行 fn，fn 返回错误时整体回滚
func (r *AnalysisRepository) Transaction(fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

func (r *AnalysisRepository) Create(analysis *model.Analysis) error {
	return r.db.Create(analysis).Error
}

// GetByID 不校验归属，仅供后台任务使用
func (r *AnalysisRepository) GetByID(id string) (*model.Analysis, error) {
	var analysis model.Analysis
	err := r.db.Where("id = ?", id).First(&analysis).Error
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// GetByIDAndUser 按归属查询，不存在与非本人统一返回 gorm.ErrRecordNotFound
func (r *AnalysisRepository) GetByIDAndUser(id string, userID int64) (*model.Analysis, error) {
	var analysis model.Analysis
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&analysis).Error
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// CompareAndUpdate 条件更新：仅当当前状态属于 from 时写入 fields
//
// userID <= 0 时不限定归属；from 为空时不限定状态。返回受影响行数，
// 0 表示前置条件不满足或记录已不存在。
func (r *AnalysisRepository) CompareAndUpdate(id string, userID int64, from []string, fields map[string]interface{}) (int64, error) {
	query := r.db.Model(&model.Analysis{}).Where("id = ?", id)
	if userID > 0 {
		query = query.Where("user_id = ?", userID)
	}
	if len(from) > 0 {
		query = query.Where("status IN ?", from)
	}

	result := query.Updates(fields)
	return result.RowsAffected, result.Error
}

// Heartbeat 刷新运行中分析的心跳，仅当 owner 与状态都匹配时写入
func (r *AnalysisRepository) Heartbeat(id, owner string, at time.Time, statuses ...string) (int64, error) {
	result := r.db.Model(&model.Analysis{}).
		Where("id = ? AND owner = ? AND status IN ?", id, owner, statuses).
		Update("heartbeat_at", at)
	return result.RowsAffected, result.Error
}

// ReclaimStale 接管失联的运行态分析
//
// 仅当状态仍为 from，且记录属于 owner、没有归属或心跳早于 cutoff 时写入 fields。
func (r *AnalysisRepository) ReclaimStale(id, from, owner string, cutoff time.Time, fields map[string]interface{}) (int64, error) {
	result := r.db.Model(&model.Analysis{}).
		Where("id = ? AND status = ?", id, from).
		Where("(owner = ? OR owner = '' OR owner IS NULL OR heartbeat_at IS NULL OR heartbeat_at < ?)", owner, cutoff).
		Updates(fields)
	return result.RowsAffected, result.Error
}

// Delete 删除分析，返回受影响行数
func (r *AnalysisRepository) Delete(id string, userID int64) (int64, error) {
	result := r.db.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Analysis{})
	return result.RowsAffected, result.Error
}

// ListByUserID 获取用户的分析列表
func (r *AnalysisRepository) ListByUserID(userID int64, page, pageSize int, status string) ([]*model.Analysis, int64, error) {
	var analyses []*model.Analysis
	var total int64

	query := r.db.Model(&model.Analysis{}).Where("user_id = ?", userID)

	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&analyses).Error; err != nil {
		return nil, 0, err
	}

	return analyses, total, nil
}

// ListByStatus 查询处于指定状态的分析（不限用户）
func (r *AnalysisRepository) ListByStatus(statuses ...string) ([]*model.Analysis, error) {
	var analyses []*model.Analysis
	err := r.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&analyses).Error
	return analyses, err
}

// ListIDs 返回全部分析 ID
func (r *AnalysisRepository) ListIDs() ([]string, error) {
	var ids []string
	err := r.db.Model(&model.Analysis{}).Pluck("id", &ids).Error
	return ids, err
}
