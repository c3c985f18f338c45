package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/model"
)

var fixtureSeq int64

// TestUser 创建测试用户
func TestUser(t *testing.T, db *gorm.DB, opts ...func(*model.User)) *model.User {
	t.Helper()

	n := atomic.AddInt64(&fixtureSeq, 1)
	user := &model.User{
		Username:     fmt.Sprintf("testuser_%d", n),
		Email:        fmt.Sprintf("test_%d@example.com", n),
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuvwxyz123456", // bcrypt hash placeholder
		IsActive:     true,
	}

	for _, opt := range opts {
		opt(user)
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return user
}

// WithUsername 设置用户名
func WithUsername(username string) func(*model.User) {
	return func(u *model.User) {
		u.Username = username
	}
}

// WithEmail 设置邮箱
func WithEmail(email string) func(*model.User) {
	return func(u *model.User) {
		u.Email = email
	}
}

// WithPasswordHash 设置密码哈希
func WithPasswordHash(hash string) func(*model.User) {
	return func(u *model.User) {
		u.PasswordHash = hash
	}
}

// TestAnalysis 创建测试分析，默认处于 created 状态
func TestAnalysis(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.Analysis)) *model.Analysis {
	t.Helper()

	analysis := &model.Analysis{
		UserID:    userID,
		Name:      fmt.Sprintf("Test Analysis %d", atomic.AddInt64(&fixtureSeq, 1)),
		Companies: model.CompanyList{{Ticker: "AAPL", Name: "Apple Inc."}},
		YearsBack: 5,
		Status:    model.StatusCreated,
		Phase:     model.PhaseNone,
	}

	for _, opt := range opts {
		opt(analysis)
	}

	if err := db.Create(analysis).Error; err != nil {
		t.Fatalf("Failed to create test analysis: %v", err)
	}

	return analysis
}

// WithName 设置分析名称
func WithName(name string) func(*model.Analysis) {
	return func(a *model.Analysis) {
		a.Name = name
	}
}

// WithCompanies 设置公司列表
func WithCompanies(companies ...model.Company) func(*model.Analysis) {
	return func(a *model.Analysis) {
		a.Companies = companies
	}
}

// WithStatus 设置状态，阶段随状态自动推导
func WithStatus(status string) func(*model.Analysis) {
	return func(a *model.Analysis) {
		a.Status = status
		a.Phase = model.PhaseOf(status)
		switch status {
		case model.StatusCollectionComplete:
			now := time.Now()
			a.Progress = 100
			a.CompletedAt = &now
			a.CollectionCompletedAt = &now
		case model.StatusComplete, model.StatusPartialComplete:
			now := time.Now()
			a.Progress = 100
			a.CompletedAt = &now
			a.CollectionCompletedAt = &now
		case model.StatusGenerationFailed:
			now := time.Now()
			a.CollectionCompletedAt = &now
		}
	}
}

// WithOwner 设置运行实例与心跳时间
func WithOwner(owner string, heartbeat time.Time) func(*model.Analysis) {
	return func(a *model.Analysis) {
		a.Owner = owner
		a.HeartbeatAt = &heartbeat
	}
}

// WithProgress 设置进度
func WithProgress(progress int) func(*model.Analysis) {
	return func(a *model.Analysis) {
		a.Progress = progress
	}
}

// TestSections 为分析创建全部 20 个章节，状态统一为 status
func TestSections(t *testing.T, db *gorm.DB, analysisID, status string) []*model.Section {
	t.Helper()

	sections := model.NewPendingSections(analysisID)
	for _, s := range sections {
		s.Status = status
	}

	if err := db.Create(&sections).Error; err != nil {
		t.Fatalf("Failed to create test sections: %v", err)
	}

	return sections
}
