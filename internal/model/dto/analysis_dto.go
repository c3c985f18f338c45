package dto

import "github.com/wanfaliang/benchmarking/internal/model"

// CompanyInput 公司输入
type CompanyInput struct {
	Ticker string `json:"ticker" binding:"required,max=16"`
	Name   string `json:"name" binding:"required,max=200"`
}

// CreateAnalysisRequest 创建分析请求
type CreateAnalysisRequest struct {
	Name      string         `json:"name" binding:"required,max=200"`
	Companies []CompanyInput `json:"companies" binding:"required,min=1,max=20,dive"`
	YearsBack int            `json:"years_back" binding:"required,min=1,max=30"`
}

// UpdateAnalysisRequest 全量更新请求（会重置分析）
type UpdateAnalysisRequest struct {
	Name      string         `json:"name" binding:"required,max=200"`
	Companies []CompanyInput `json:"companies" binding:"required,min=1,max=20,dive"`
	YearsBack int            `json:"years_back" binding:"required,min=1,max=30"`
}

// RenameAnalysisRequest 仅修改名称
type RenameAnalysisRequest struct {
	Name string `json:"name" binding:"required,max=200"`
}

// ToCompanyList 转换为模型字段
func ToCompanyList(inputs []CompanyInput) model.CompanyList {
	list := make(model.CompanyList, len(inputs))
	for i, in := range inputs {
		list[i] = model.Company{Ticker: in.Ticker, Name: in.Name}
	}
	return list
}

// AnalysisDetail 分析详情
type AnalysisDetail struct {
	ID                    string          `json:"id"`
	UserID                int64           `json:"user_id"`
	Name                  string          `json:"name"`
	Companies             []model.Company `json:"companies"`
	YearsBack             int             `json:"years_back"`
	Status                string          `json:"status"`
	Phase                 *string         `json:"phase"`
	Progress              int             `json:"progress"`
	StartedAt             *string         `json:"started_at"`
	CompletedAt           *string         `json:"completed_at"`
	CollectionCompletedAt *string         `json:"collection_completed_at"`
	ErrorLog              *string         `json:"error_log"`
	CreatedAt             string          `json:"created_at"`
	UpdatedAt             string          `json:"updated_at"`
}

// CleanupResult 删除/重置类操作的清理统计
type CleanupResult struct {
	SectionsDeleted int64 `json:"sections_deleted"`
	FilesDeleted    int   `json:"files_deleted"`
}

// MutationResponse 状态变更响应
type MutationResponse struct {
	AnalysisID string          `json:"analysis_id"`
	Status     string          `json:"status"`
	Phase      *string         `json:"phase"`
	Cleanup    *CleanupResult  `json:"cleanup,omitempty"`
	Analysis   *AnalysisDetail `json:"analysis,omitempty"`
}

// UpdateAnalysisResponse 全量更新响应
type UpdateAnalysisResponse struct {
	Analysis        *AnalysisDetail `json:"analysis"`
	SectionsDeleted int64           `json:"sections_deleted"`
	FilesDeleted    int             `json:"files_deleted"`
}

// SectionStatus 章节状态
type SectionStatus struct {
	ID             string   `json:"id"`
	SectionNumber  int      `json:"section_number"`
	SectionName    string   `json:"section_name"`
	Status         string   `json:"status"`
	ErrorMessage   *string  `json:"error_message"`
	StartedAt      *string  `json:"started_at"`
	CompletedAt    *string  `json:"completed_at"`
	ProcessingTime *float64 `json:"processing_time"`
	HasHTML        bool     `json:"has_html"`
}

// SectionListResponse 章节列表
type SectionListResponse struct {
	AnalysisID string           `json:"analysis_id"`
	Total      int              `json:"total"`
	Sections   []*SectionStatus `json:"sections"`
}

// LifecycleStatus 生命周期轮询响应
type LifecycleStatus struct {
	AnalysisID        string         `json:"analysis_id"`
	Status            string         `json:"status"`
	Phase             *string        `json:"phase"`
	Progress          int            `json:"progress"`
	Running           bool           `json:"running"`
	RawDataExists     bool           `json:"raw_data_exists"`
	SnapshotExists    bool           `json:"snapshot_exists"`
	SectionCounts     map[string]int `json:"section_counts"`
	CanStartCollect   bool           `json:"can_start_collection"`
	CanStartAnalysis  bool           `json:"can_start_analysis"`
	CanRestartSection bool           `json:"can_restart_analysis"`
	ErrorLog          *string        `json:"error_log"`
}
