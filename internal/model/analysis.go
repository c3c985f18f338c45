package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 分析状态
const (
	StatusCreated            = "created"
	StatusCollection         = "collection"
	StatusCollectionComplete = "collection_complete"
	StatusGenerating         = "generating"
	StatusComplete           = "complete"
	StatusPartialComplete    = "partial_complete"
	StatusGenerationFailed   = "generation_failed"
	StatusFailed             = "failed"
)

// 分析阶段，空字符串表示尚未进入任何阶段
const (
	PhaseNone = ""
	PhaseA    = "A"
	PhaseB    = "B"
)

// validStates 状态与阶段的合法组合
var validStates = map[string]string{
	StatusCreated:            PhaseNone,
	StatusCollection:         PhaseA,
	StatusCollectionComplete: PhaseA,
	StatusFailed:             PhaseA,
	StatusGenerating:         PhaseB,
	StatusComplete:           PhaseB,
	StatusPartialComplete:    PhaseB,
	StatusGenerationFailed:   PhaseB,
}

// ValidState 判断 (status, phase) 是否是状态机中的合法组合
func ValidState(status, phase string) bool {
	want, ok := validStates[status]
	return ok && want == phase
}

// PhaseOf 返回状态对应的阶段
func PhaseOf(status string) string {
	return validStates[status]
}

// AllStatuses 返回全部分析状态
func AllStatuses() []string {
	return []string{
		StatusCreated,
		StatusCollection,
		StatusCollectionComplete,
		StatusFailed,
		StatusGenerating,
		StatusComplete,
		StatusPartialComplete,
		StatusGenerationFailed,
	}
}

// Company 分析对象公司
type Company struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// CompanyList 用于 JSON 数组字段，保持顺序
type CompanyList []Company

func (c CompanyList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *CompanyList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*c = CompanyList{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported companies column type %T", value)
	}
}

// Tickers 返回全部股票代码
func (c CompanyList) Tickers() []string {
	tickers := make([]string, len(c))
	for i, company := range c {
		tickers[i] = company.Ticker
	}
	return tickers
}

type Analysis struct {
	ID                    string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID                int64       `gorm:"not null;index" json:"user_id"`
	Name                  string      `gorm:"size:200;not null" json:"name"`
	Companies             CompanyList `gorm:"type:text;not null" json:"companies"`
	YearsBack             int         `gorm:"not null;default:5" json:"years_back"`
	Status                string      `gorm:"size:30;not null;default:created;index" json:"status"`
	Phase                 string      `gorm:"size:1" json:"phase"`
	Progress              int         `gorm:"not null;default:0" json:"progress"`
	StartedAt             *time.Time  `json:"started_at"`
	CompletedAt           *time.Time  `json:"completed_at"`
	CollectionCompletedAt *time.Time  `json:"collection_completed_at"`
	ErrorLog              *string     `gorm:"type:text" json:"error_log"`
	Owner                 string      `gorm:"size:64" json:"-"` // 运行任务的实例 ID
	HeartbeatAt           *time.Time  `json:"-"`
	CreatedAt             time.Time   `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`

	Sections []Section `gorm:"foreignKey:AnalysisID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Analysis) TableName() string {
	return "analyses"
}

func (a *Analysis) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusCreated
	}
	return nil
}
