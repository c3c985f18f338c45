package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 章节状态
const (
	SectionPending    = "pending"
	SectionProcessing = "processing"
	SectionComplete   = "complete"
	SectionFailed     = "failed"
	SectionSkipped    = "skipped"
)

// SectionCount 报告固定章节数
const SectionCount = 20

// SectionNames 章节编号到名称的固定目录
var SectionNames = [SectionCount]string{
	"Cover",
	"Executive Summary",
	"Company Profiles",
	"Revenue Analysis",
	"Profitability",
	"Margin Trends",
	"Balance Sheet Overview",
	"Liquidity",
	"Leverage & Solvency",
	"Cash Flow Analysis",
	"Capital Allocation",
	"Efficiency Ratios",
	"Growth Metrics",
	"Valuation",
	"Stock Performance",
	"Risk & Volatility",
	"Peer Benchmarking",
	"Macroeconomic Context",
	"Key Takeaways",
	"Data Sources & Methodology",
}

type Section struct {
	ID            string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	AnalysisID    string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_analysis_section" json:"analysis_id"`
	SectionNumber int        `gorm:"not null;uniqueIndex:idx_analysis_section" json:"section_number"`
	SectionName   string     `gorm:"size:100;not null" json:"section_name"`
	Status        string     `gorm:"size:20;not null;default:pending;index" json:"status"`
	ErrorMessage  *string    `gorm:"type:text" json:"error_message"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	HTMLPath      *string    `gorm:"size:500" json:"html_path"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Section) TableName() string {
	return "analysis_sections"
}

func (s *Section) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// ProcessingTime 渲染耗时（秒），未完成时返回 nil
func (s *Section) ProcessingTime() *float64 {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return nil
	}
	seconds := s.CompletedAt.Sub(*s.StartedAt).Seconds()
	return &seconds
}

// NewPendingSections 构造一个分析的全部 20 个待处理章节
func NewPendingSections(analysisID string) []*Section {
	sections := make([]*Section, SectionCount)
	for i := 0; i < SectionCount; i++ {
		sections[i] = &Section{
			AnalysisID:    analysisID,
			SectionNumber: i,
			SectionName:   SectionNames[i],
			Status:        SectionPending,
		}
	}
	return sections
}
