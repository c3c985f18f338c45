package repository

import (
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/model"
)

type SectionRepository struct {
	db *gorm.DB
}

func NewSectionRepository(db *gorm.DB) *SectionRepository {
	return &SectionRepository{db: db}
}

// WithTx 返回绑定到事务的仓库
func (r *SectionRepository) WithTx(tx *gorm.DB) *SectionRepository {
	return &SectionRepository{db: tx}
}

// CreateBatch 批量插入章节
func (r *SectionRepository) CreateBatch(sections []*model.Section) error {
	if len(sections) == 0 {
		return nil
	}
	return r.db.Create(&sections).Error
}

// DeleteByAnalysisID 批量删除分析的全部章节，返回删除行数
func (r *SectionRepository) DeleteByAnalysisID(analysisID string) (int64, error) {
	result := r.db.Where("analysis_id = ?", analysisID).Delete(&model.Section{})
	return result.RowsAffected, result.Error
}

// ListByAnalysisID 按章节编号升序返回
func (r *SectionRepository) ListByAnalysisID(analysisID string) ([]*model.Section, error) {
	var sections []*model.Section
	err := r.db.Where("analysis_id = ?", analysisID).Order("section_number ASC").Find(&sections).Error
	return sections, err
}

func (r *SectionRepository) GetByNumber(analysisID string, number int) (*model.Section, error) {
	var section model.Section
	err := r.db.Where("analysis_id = ? AND section_number = ?", analysisID, number).First(&section).Error
	if err != nil {
		return nil, err
	}
	return &section, nil
}

// UpdateByNumber 更新单个章节，返回受影响行数；0 表示章节已被删除
func (r *SectionRepository) UpdateByNumber(analysisID string, number int, fields map[string]interface{}) (int64, error) {
	result := r.db.Model(&model.Section{}).
		Where("analysis_id = ? AND section_number = ?", analysisID, number).
		Updates(fields)
	return result.RowsAffected, result.Error
}

// CountByStatus 统计各状态章节数
func (r *SectionRepository) CountByStatus(analysisID string) (map[string]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	err := r.db.Model(&model.Section{}).
		Select("status, COUNT(*) AS count").
		Where("analysis_id = ?", analysisID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// FailUnfinished 将未完成章节标记为失败
func (r *SectionRepository) FailUnfinished(analysisID, message string) (int64, error) {
	result := r.db.Model(&model.Section{}).
		Where("analysis_id = ? AND status IN ?", analysisID,
			[]string{model.SectionPending, model.SectionProcessing}).
		Updates(map[string]interface{}{
			"status":        model.SectionFailed,
			"error_message": message,
		})
	return result.RowsAffected, result.Error
}
