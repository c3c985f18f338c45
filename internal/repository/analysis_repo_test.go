package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/testutil"
)

func TestAnalysisRepository_Create(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)

	analysis := &model.Analysis{
		UserID:    user.ID,
		Name:      "Big Tech",
		Companies: model.CompanyList{{Ticker: "AAPL", Name: "Apple"}, {Ticker: "MSFT", Name: "Microsoft"}},
		YearsBack: 5,
	}

	err := repo.Create(analysis)
	require.NoError(t, err)
	assert.Len(t, analysis.ID, 36)
	assert.Equal(t, model.StatusCreated, analysis.Status)

	found, err := repo.GetByID(analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.Companies, found.Companies)
}

func TestAnalysisRepository_GetByIDAndUser(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	owner := testutil.TestUser(t, db)
	other := testutil.TestUser(t, db)
	created := testutil.TestAnalysis(t, db, owner.ID)

	found, err := repo.GetByIDAndUser(created.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, found.Name)

	_, err = repo.GetByIDAndUser(created.ID, other.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = repo.GetByIDAndUser("missing", owner.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAnalysisRepository_ListByUserID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)
	other := testutil.TestUser(t, db)

	testutil.TestAnalysis(t, db, user.ID, testutil.WithName("Analysis 1"))
	testutil.TestAnalysis(t, db, user.ID, testutil.WithName("Analysis 2"))
	testutil.TestAnalysis(t, db, user.ID, testutil.WithName("Analysis 3"))
	testutil.TestAnalysis(t, db, other.ID)

	analyses, total, err := repo.ListByUserID(user.ID, 1, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, analyses, 2)
}

func TestAnalysisRepository_ListByUserID_WithStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)

	testutil.TestAnalysis(t, db, user.ID, testutil.WithStatus(model.StatusComplete))
	testutil.TestAnalysis(t, db, user.ID, testutil.WithStatus(model.StatusComplete))
	testutil.TestAnalysis(t, db, user.ID)

	analyses, total, err := repo.ListByUserID(user.ID, 1, 10, model.StatusComplete)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, analyses, 2)
}

func TestAnalysisRepository_CompareAndUpdate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)
	analysis := testutil.TestAnalysis(t, db, user.ID)

	fields := map[string]interface{}{
		"status": model.StatusCollection,
		"phase":  model.PhaseA,
	}

	// 状态不匹配
	rows, err := repo.CompareAndUpdate(analysis.ID, user.ID, []string{model.StatusCollectionComplete}, fields)
	require.NoError(t, err)
	assert.Zero(t, rows)

	// 非本人
	rows, err = repo.CompareAndUpdate(analysis.ID, user.ID+1000, []string{model.StatusCreated}, fields)
	require.NoError(t, err)
	assert.Zero(t, rows)

	rows, err = repo.CompareAndUpdate(analysis.ID, user.ID, []string{model.StatusCreated}, fields)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	// 第二次相同条件不再命中
	rows, err = repo.CompareAndUpdate(analysis.ID, user.ID, []string{model.StatusCreated}, fields)
	require.NoError(t, err)
	assert.Zero(t, rows)

	found, err := repo.GetByID(analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollection, found.Status)
	assert.Equal(t, model.PhaseA, found.Phase)
}

// DSN 需要带 clientFoundRows=true，与 database.NewMySQL 一致
func TestAnalysisRepository_CompareAndUpdate_MySQL(t *testing.T) {
	db := testutil.SetupTestDBWithMySQL(t)
	defer testutil.CleanupTestDB(t, db)
	testutil.TruncateTables(t, db)
	defer testutil.TruncateTables(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)
	analysis := testutil.TestAnalysis(t, db, user.ID)

	fields := map[string]interface{}{
		"status": model.StatusCollection,
		"phase":  model.PhaseA,
	}

	rows, err := repo.CompareAndUpdate(analysis.ID, user.ID, []string{model.StatusCreated}, fields)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = repo.CompareAndUpdate(analysis.ID, user.ID, []string{model.StatusCreated}, fields)
	require.NoError(t, err)
	assert.Zero(t, rows)

	// 名称未变化也计为命中
	rows, err = repo.CompareAndUpdate(analysis.ID, user.ID, nil, map[string]interface{}{"name": analysis.Name})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
}

func TestAnalysisRepository_HeartbeatAndReclaim(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)
	now := time.Now()
	analysis := testutil.TestAnalysis(t, db, user.ID,
		testutil.WithStatus(model.StatusCollection),
		testutil.WithOwner("node-a", now.Add(-time.Hour)))

	// 非本实例或状态不符时不刷新
	rows, err := repo.Heartbeat(analysis.ID, "node-b", now, model.StatusCollection)
	require.NoError(t, err)
	assert.Zero(t, rows)
	rows, err = repo.Heartbeat(analysis.ID, "node-a", now, model.StatusGenerating)
	require.NoError(t, err)
	assert.Zero(t, rows)

	rows, err = repo.Heartbeat(analysis.ID, "node-a", now, model.StatusCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	fields := map[string]interface{}{"status": model.StatusFailed}

	// 心跳新鲜，其他实例不能接管
	rows, err = repo.ReclaimStale(analysis.ID, model.StatusCollection, "node-b", now.Add(-time.Minute), fields)
	require.NoError(t, err)
	assert.Zero(t, rows)

	// 心跳早于截止时间
	rows, err = repo.ReclaimStale(analysis.ID, model.StatusCollection, "node-b", now.Add(time.Minute), fields)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	found, err := repo.GetByID(analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, found.Status)
}

func TestAnalysisRepository_Delete(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)
	analysis := testutil.TestAnalysis(t, db, user.ID)

	rows, err := repo.Delete(analysis.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = repo.Delete(analysis.ID, user.ID)
	require.NoError(t, err)
	assert.Zero(t, rows)

	_, err = repo.GetByID(analysis.ID)
	assert.Error(t, err)
}

func TestAnalysisRepository_ListByStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)

	testutil.TestAnalysis(t, db, user.ID, testutil.WithStatus(model.StatusCollection))
	testutil.TestAnalysis(t, db, user.ID, testutil.WithStatus(model.StatusGenerating))
	testutil.TestAnalysis(t, db, user.ID, testutil.WithStatus(model.StatusComplete))

	analyses, err := repo.ListByStatus(model.StatusCollection, model.StatusGenerating)
	require.NoError(t, err)
	assert.Len(t, analyses, 2)

	ids, err := repo.ListIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestAnalysisRepository_TransactionRollback(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewAnalysisRepository(db)
	user := testutil.TestUser(t, db)
	analysis := testutil.TestAnalysis(t, db, user.ID)

	err := repo.Transaction(func(tx *gorm.DB) error {
		if _, err := repo.WithTx(tx).CompareAndUpdate(analysis.ID, user.ID, nil, map[string]interface{}{"name": "changed"}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	found, err := repo.GetByID(analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.Name, found.Name)
}
