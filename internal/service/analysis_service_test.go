package service

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/artifact"
	"github.com/wanfaliang/benchmarking/internal/collector"
	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/model/dto"
	"github.com/wanfaliang/benchmarking/internal/pkg/marketdata"
	"github.com/wanfaliang/benchmarking/internal/pkg/marketdata/marketdatatest"
	"github.com/wanfaliang/benchmarking/internal/repository"
	"github.com/wanfaliang/benchmarking/internal/sections"
	"github.com/wanfaliang/benchmarking/internal/testutil"
	"github.com/wanfaliang/benchmarking/internal/worker"
)

// stubPhases 记录调用；block 非 nil 时任务阻塞到 block 关闭或 ctx 取消
type stubPhases struct {
	mu          sync.Mutex
	collections int
	generations int
	block       chan struct{}
}

func (p *stubPhases) RunCollection(ctx context.Context, _ string) {
	p.mu.Lock()
	p.collections++
	p.mu.Unlock()
	p.wait(ctx)
}

func (p *stubPhases) RunGeneration(ctx context.Context, _ string) {
	p.mu.Lock()
	p.generations++
	p.mu.Unlock()
	p.wait(ctx)
}

func (p *stubPhases) wait(ctx context.Context) {
	if p.block == nil {
		return
	}
	select {
	case <-p.block:
	case <-ctx.Done():
	}
}

func (p *stubPhases) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collections, p.generations
}

type analysisFixture struct {
	db           *gorm.DB
	analysisRepo *repository.AnalysisRepository
	sectionRepo  *repository.SectionRepository
	store        *artifact.Store
	runner       *worker.Runner
	service      *AnalysisService
	user         *model.User
}

func setupAnalysisService(t *testing.T, phases Phases) *analysisFixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	runner := worker.NewRunner(2*time.Second, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		testutil.CleanupTestDB(t, db)
	})

	f := &analysisFixture{
		db:           db,
		analysisRepo: repository.NewAnalysisRepository(db),
		sectionRepo:  repository.NewSectionRepository(db),
		store:        artifact.NewStore(t.TempDir()),
		runner:       runner,
		user:         testutil.TestUser(t, db),
	}
	f.service = NewAnalysisService(f.analysisRepo, f.sectionRepo, f.store, runner, phases, nil, nil, nil)
	return f
}

func (f *analysisFixture) reload(t *testing.T, id string) *model.Analysis {
	t.Helper()
	a, err := f.analysisRepo.GetByID(id)
	require.NoError(t, err)
	require.True(t, model.ValidState(a.Status, a.Phase), "invalid state %s/%s", a.Status, a.Phase)
	return a
}

// writeCollection 写出 Phase A 产物
func (f *analysisFixture) writeCollection(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.Ensure(id))
	snap := &collector.Snapshot{AnalysisID: id, Name: "fixture", YearsBack: 5}
	require.NoError(t, artifact.WriteAtomic(f.store.Path(id, artifact.Snapshot), snap.Encode))
	require.NoError(t, artifact.WriteAtomic(f.store.Path(id, artifact.RawData), func(w io.Writer) error {
		_, err := io.WriteString(w, "xlsx")
		return err
	}))
}

// writeReport 写出全部章节文件并把章节标记为 complete
func (f *analysisFixture) writeReport(t *testing.T, id string) {
	t.Helper()
	testutil.TestSections(t, f.db, id, model.SectionComplete)
	for n := 0; n < model.SectionCount; n++ {
		path := f.store.SectionPath(id, n)
		require.NoError(t, os.WriteFile(path, []byte("<h2>done</h2>"), 0o644))
		_, err := f.sectionRepo.UpdateByNumber(id, n, map[string]interface{}{"html_path": path})
		require.NoError(t, err)
	}
}

func fileCount(t *testing.T, dir string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func createRequest() *dto.CreateAnalysisRequest {
	return &dto.CreateAnalysisRequest{
		Name:      "Mega caps",
		Companies: []dto.CompanyInput{{Ticker: "AAPL", Name: "Apple Inc."}},
		YearsBack: 3,
	}
}

func TestAnalysisService_Create(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})

	detail, err := f.service.Create(f.user.ID, createRequest())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, detail.Status)
	assert.Nil(t, detail.Phase)
	assert.Equal(t, 0, detail.Progress)
	require.Len(t, detail.Companies, 1)
	assert.Equal(t, "AAPL", detail.Companies[0].Ticker)

	info, err := os.Stat(f.store.Path(detail.ID, artifact.SectionsDir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, 0, fileCount(t, f.store.Dir(detail.ID)))
}

func TestAnalysisService_Get_OtherUser(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	other := testutil.TestUser(t, f.db)
	a := testutil.TestAnalysis(t, f.db, f.user.ID)

	_, err := f.service.Get(other.ID, a.ID)
	assert.Equal(t, ErrAnalysisNotFound, err)

	owns, err := f.service.Owns(other.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, owns)

	owns, err = f.service.Owns(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, owns)
}

func TestAnalysisService_List(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	testutil.TestAnalysis(t, f.db, f.user.ID)
	testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusComplete))
	testutil.TestAnalysis(t, f.db, testutil.TestUser(t, f.db).ID)

	items, total, err := f.service.List(f.user.ID, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)

	items, total, err = f.service.List(f.user.ID, 1, 20, model.StatusComplete)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, model.StatusComplete, items[0].Status)
}

func TestAnalysisService_StartCollection(t *testing.T) {
	phases := &stubPhases{}
	f := setupAnalysisService(t, phases)
	a := testutil.TestAnalysis(t, f.db, f.user.ID)

	resp, err := f.service.StartCollection(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollection, resp.Status)
	require.NotNil(t, resp.Phase)
	assert.Equal(t, model.PhaseA, *resp.Phase)
	assert.Equal(t, 0, resp.Analysis.Progress)
	assert.NotNil(t, resp.Analysis.StartedAt)

	f.runner.Wait(a.ID)
	collections, generations := phases.calls()
	assert.Equal(t, 1, collections)
	assert.Equal(t, 0, generations)
}

func TestAnalysisService_StartCollection_RejectsOtherStatuses(t *testing.T) {
	for _, status := range model.AllStatuses() {
		if status == model.StatusCreated {
			continue
		}
		t.Run(status, func(t *testing.T) {
			phases := &stubPhases{}
			f := setupAnalysisService(t, phases)
			a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(status), testutil.WithProgress(40))
			f.writeCollection(t, a.ID)

			_, err := f.service.StartCollection(f.user.ID, a.ID)

			var stateErr *StateError
			require.True(t, errors.As(err, &stateErr), "got %v", err)
			assert.Equal(t, status, stateErr.Current)
			assert.Equal(t, model.PhaseOf(status), stateErr.Phase)

			got := f.reload(t, a.ID)
			assert.Equal(t, status, got.Status)
			assert.Equal(t, 40, got.Progress)
			assert.True(t, f.store.CollectionReady(a.ID))
			assert.False(t, f.runner.Running(a.ID))
			collections, _ := phases.calls()
			assert.Equal(t, 0, collections)
		})
	}
}

func TestAnalysisService_StartCollection_Concurrent(t *testing.T) {
	phases := &stubPhases{block: make(chan struct{})}
	f := setupAnalysisService(t, phases)
	a := testutil.TestAnalysis(t, f.db, f.user.ID)

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.StartCollection(f.user.ID, a.ID)
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		var stateErr *StateError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &stateErr):
			rejected++
			assert.Equal(t, model.StatusCollection, stateErr.Current)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	close(phases.block)
	f.runner.Wait(a.ID)
	collections, _ := phases.calls()
	assert.Equal(t, 1, collections)
}

func TestAnalysisService_StartCollection_NotFound(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})

	_, err := f.service.StartCollection(f.user.ID, uuid.NewString())
	assert.Equal(t, ErrAnalysisNotFound, err)
}

func TestAnalysisService_StartAnalysis(t *testing.T) {
	phases := &stubPhases{}
	f := setupAnalysisService(t, phases)
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusCollectionComplete))
	f.writeCollection(t, a.ID)

	resp, err := f.service.StartAnalysis(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGenerating, resp.Status)
	require.NotNil(t, resp.Phase)
	assert.Equal(t, model.PhaseB, *resp.Phase)

	list, err := f.service.ListSections(f.user.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.SectionCount, list.Total)
	for n, sec := range list.Sections {
		assert.Equal(t, n, sec.SectionNumber)
		assert.Equal(t, model.SectionNames[n], sec.SectionName)
	}

	f.runner.Wait(a.ID)
	_, generations := phases.calls()
	assert.Equal(t, 1, generations)
}

func TestAnalysisService_StartAnalysis_MissingSnapshot(t *testing.T) {
	phases := &stubPhases{}
	f := setupAnalysisService(t, phases)
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusCollectionComplete))
	f.writeCollection(t, a.ID)
	require.NoError(t, os.Remove(f.store.Path(a.ID, artifact.Snapshot)))

	_, err := f.service.StartAnalysis(f.user.ID, a.ID)

	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, model.StatusCollectionComplete, stateErr.Current)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.StatusCollectionComplete, got.Status)
	list, err := f.service.ListSections(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)
	_, generations := phases.calls()
	assert.Equal(t, 0, generations)
}

func TestAnalysisService_StartAnalysis_WrongStatus(t *testing.T) {
	for _, status := range []string{model.StatusCreated, model.StatusCollection, model.StatusFailed, model.StatusGenerating, model.StatusComplete} {
		t.Run(status, func(t *testing.T) {
			f := setupAnalysisService(t, &stubPhases{})
			a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(status))
			f.writeCollection(t, a.ID)

			_, err := f.service.StartAnalysis(f.user.ID, a.ID)

			var stateErr *StateError
			require.True(t, errors.As(err, &stateErr))
			assert.Equal(t, status, stateErr.Current)
			assert.Equal(t, status, f.reload(t, a.ID).Status)
		})
	}
}

func TestAnalysisService_RestartAnalysis(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusPartialComplete))
	f.writeCollection(t, a.ID)
	f.writeReport(t, a.ID)

	resp, err := f.service.RestartAnalysis(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollectionComplete, resp.Status)
	require.NotNil(t, resp.Cleanup)
	assert.Equal(t, int64(model.SectionCount), resp.Cleanup.SectionsDeleted)
	assert.Equal(t, model.SectionCount, resp.Cleanup.FilesDeleted)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.StatusCollectionComplete, got.Status)
	assert.Equal(t, model.PhaseA, got.Phase)
	assert.Equal(t, 100, got.Progress)
	assert.True(t, f.store.CollectionReady(a.ID))
	assert.Equal(t, 0, fileCount(t, f.store.Path(a.ID, artifact.SectionsDir)))

	list, err := f.service.ListSections(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)
}

func TestAnalysisService_RestartAnalysis_MissingArtifacts(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusComplete))
	testutil.TestSections(t, f.db, a.ID, model.SectionComplete)

	_, err := f.service.RestartAnalysis(f.user.ID, a.ID)

	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, model.StatusComplete, f.reload(t, a.ID).Status)
	counts, err := f.sectionRepo.CountByStatus(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SectionCount, counts[model.SectionComplete])
}

func TestAnalysisService_Reset(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID,
		testutil.WithName("Keep me"),
		testutil.WithCompanies(model.Company{Ticker: "MSFT", Name: "Microsoft"}),
		testutil.WithStatus(model.StatusComplete))
	f.writeCollection(t, a.ID)
	f.writeReport(t, a.ID)

	resp, err := f.service.Reset(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, resp.Status)
	assert.Nil(t, resp.Phase)
	assert.Equal(t, int64(model.SectionCount), resp.Cleanup.SectionsDeleted)
	assert.Equal(t, model.SectionCount+2, resp.Cleanup.FilesDeleted)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.StatusCreated, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.CollectionCompletedAt)
	assert.Nil(t, got.ErrorLog)
	assert.Equal(t, "Keep me", got.Name)
	assert.Equal(t, []string{"MSFT"}, got.Companies.Tickers())
	assert.Equal(t, a.YearsBack, got.YearsBack)

	assert.Equal(t, 0, fileCount(t, f.store.Dir(a.ID)))
	_, err = os.Stat(f.store.Path(a.ID, artifact.SectionsDir))
	assert.NoError(t, err)
}

func TestAnalysisService_Reset_CancelsRunningTask(t *testing.T) {
	phases := &stubPhases{block: make(chan struct{})}
	f := setupAnalysisService(t, phases)
	a := testutil.TestAnalysis(t, f.db, f.user.ID)

	_, err := f.service.StartCollection(f.user.ID, a.ID)
	require.NoError(t, err)
	require.True(t, f.runner.Running(a.ID))

	_, err = f.service.Reset(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, f.runner.Running(a.ID))
	assert.Equal(t, model.StatusCreated, f.reload(t, a.ID).Status)
}

func TestAnalysisService_Update(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusFailed))
	f.writeCollection(t, a.ID)

	resp, err := f.service.Update(f.user.ID, a.ID, &dto.UpdateAnalysisRequest{
		Name:      "Cloud peers",
		Companies: []dto.CompanyInput{{Ticker: "MSFT", Name: "Microsoft"}, {Ticker: "GOOGL", Name: "Alphabet"}},
		YearsBack: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, resp.Analysis.Status)
	assert.Equal(t, "Cloud peers", resp.Analysis.Name)
	assert.Equal(t, 7, resp.Analysis.YearsBack)
	assert.Equal(t, 2, resp.FilesDeleted)

	got := f.reload(t, a.ID)
	assert.Equal(t, []string{"MSFT", "GOOGL"}, got.Companies.Tickers())
	assert.False(t, f.store.CollectionReady(a.ID))
}

func TestAnalysisService_Rename_KeepsStatus(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusGenerating))

	detail, err := f.service.Rename(f.user.ID, a.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", detail.Name)
	assert.Equal(t, model.StatusGenerating, detail.Status)

	_, err = f.service.Rename(testutil.TestUser(t, f.db).ID, a.ID, "Nope")
	assert.Equal(t, ErrAnalysisNotFound, err)
}

func TestAnalysisService_Delete_Twice(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusComplete))
	f.writeCollection(t, a.ID)
	f.writeReport(t, a.ID)

	result, err := f.service.Delete(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(model.SectionCount), result.SectionsDeleted)
	assert.Equal(t, model.SectionCount+2, result.FilesDeleted)

	_, err = os.Stat(f.store.Dir(a.ID))
	assert.True(t, os.IsNotExist(err))

	_, err = f.service.Delete(f.user.ID, a.ID)
	assert.Equal(t, ErrAnalysisNotFound, err)
	_, err = f.service.Get(f.user.ID, a.ID)
	assert.Equal(t, ErrAnalysisNotFound, err)
}

func TestAnalysisService_Status(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusCollectionComplete))

	st, err := f.service.Status(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, st.RawDataExists)
	assert.False(t, st.CanStartAnalysis)
	assert.False(t, st.CanStartCollect)

	f.writeCollection(t, a.ID)
	st, err = f.service.Status(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, st.RawDataExists)
	assert.True(t, st.SnapshotExists)
	assert.True(t, st.CanStartAnalysis)
	assert.True(t, st.CanRestartSection)
	assert.False(t, st.Running)
}

func TestAnalysisService_GetSectionHTML(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusGenerating))
	require.NoError(t, f.store.Ensure(a.ID))
	testutil.TestSections(t, f.db, a.ID, model.SectionPending)

	_, _, err := f.service.GetSectionHTML(f.user.ID, a.ID, model.SectionCount)
	assert.Equal(t, ErrSectionNotFound, err)

	_, sec, err := f.service.GetSectionHTML(f.user.ID, a.ID, 3)
	assert.Equal(t, ErrSectionNotComplete, err)
	require.NotNil(t, sec)
	assert.Equal(t, model.SectionPending, sec.Status)

	_, err = f.sectionRepo.UpdateByNumber(a.ID, 3, map[string]interface{}{"status": model.SectionComplete})
	require.NoError(t, err)
	_, _, err = f.service.GetSectionHTML(f.user.ID, a.ID, 3)
	assert.Equal(t, ErrArtifactNotFound, err)

	require.NoError(t, os.WriteFile(f.store.SectionPath(a.ID, 3), []byte("<h2>Revenue</h2>"), 0o644))
	html, _, err := f.service.GetSectionHTML(f.user.ID, a.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, "<h2>Revenue</h2>", string(html))
}

func TestAnalysisService_RawDataPath(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	a := testutil.TestAnalysis(t, f.db, f.user.ID)

	_, err := f.service.RawDataPath(f.user.ID, a.ID)
	assert.Equal(t, ErrArtifactNotFound, err)

	f.writeCollection(t, a.ID)
	path, err := f.service.RawDataPath(f.user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, f.store.Path(a.ID, artifact.RawData), path)
}

// 完整两阶段流程：真实采集器 + 真实章节渲染
func TestAnalysisService_FullLifecycle(t *testing.T) {
	srv := marketdatatest.NewServer()
	t.Cleanup(srv.Close)

	db := testutil.SetupTestDB(t)
	runner := worker.NewRunner(2*time.Second, nil, nil)
	t.Cleanup(func() {
		_ = runner.Shutdown(context.Background())
		testutil.CleanupTestDB(t, db)
	})

	analysisRepo := repository.NewAnalysisRepository(db)
	sectionRepo := repository.NewSectionRepository(db)
	store := artifact.NewStore(t.TempDir())
	client := marketdata.NewClient("test-key", marketdata.WithBaseURL(srv.URL), marketdata.WithRateLimit(1000))
	pipeline := worker.NewPipeline(analysisRepo, sectionRepo, store,
		collector.New(client, store, nil), sections.Default(), nil, nil, nil)
	service := NewAnalysisService(analysisRepo, sectionRepo, store, runner, pipeline, nil, nil, nil)
	user := testutil.TestUser(t, db)

	created, err := service.Create(user.ID, createRequest())
	require.NoError(t, err)

	_, err = service.StartCollection(user.ID, created.ID)
	require.NoError(t, err)
	runner.Wait(created.ID)

	detail, err := service.Get(user.ID, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCollectionComplete, detail.Status, "error_log: %v", detail.ErrorLog)
	assert.Equal(t, 100, detail.Progress)
	assert.NotNil(t, detail.CollectionCompletedAt)

	tickers, err := collector.ReadCompanyTickers(store.Path(created.ID, artifact.RawData))
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, tickers)

	_, err = service.StartAnalysis(user.ID, created.ID)
	require.NoError(t, err)
	runner.Wait(created.ID)

	detail, err = service.Get(user.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, detail.Status)
	require.NotNil(t, detail.Phase)
	assert.Equal(t, model.PhaseB, *detail.Phase)
	assert.Equal(t, 100, detail.Progress)

	list, err := service.ListSections(user.ID, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.SectionCount, list.Total)
	for _, sec := range list.Sections {
		assert.Equal(t, model.SectionComplete, sec.Status, "section %d", sec.SectionNumber)
		assert.True(t, sec.HasHTML)
	}

	html, _, err := service.GetSectionHTML(user.ID, created.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<h2>Cover</h2>")
	assert.Contains(t, string(html), "AAPL")

	_, err = service.RestartAnalysis(user.ID, created.ID)
	require.NoError(t, err)
	detail, err = service.Get(user.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollectionComplete, detail.Status)
	assert.True(t, store.CollectionReady(created.ID))
}

func TestAnalysisService_RecoverInterrupted(t *testing.T) {
	phases := &stubPhases{block: make(chan struct{})}
	f := setupAnalysisService(t, phases)
	t.Cleanup(func() { close(phases.block) })

	collecting := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusCollection))
	generating := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusGenerating))
	testutil.TestSections(t, f.db, generating.ID, model.SectionPending)
	_, err := f.sectionRepo.UpdateByNumber(generating.ID, 0, map[string]interface{}{"status": model.SectionComplete})
	require.NoError(t, err)
	idle := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusCollectionComplete))

	// 本进程内仍在运行的任务不受影响
	live := testutil.TestAnalysis(t, f.db, f.user.ID)
	_, err = f.service.StartCollection(f.user.ID, live.ID)
	require.NoError(t, err)

	recovered, err := f.service.RecoverInterrupted(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	got := f.reload(t, collecting.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorLog)
	assert.Equal(t, InterruptedMessage, *got.ErrorLog)

	got = f.reload(t, generating.ID)
	assert.Equal(t, model.StatusGenerationFailed, got.Status)
	counts, err := f.sectionRepo.CountByStatus(generating.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.SectionComplete])
	assert.Equal(t, model.SectionCount-1, counts[model.SectionFailed])

	assert.Equal(t, model.StatusCollectionComplete, f.reload(t, idle.ID).Status)
	assert.Equal(t, model.StatusCollection, f.reload(t, live.ID).Status)
}

// 两个实例共享同一数据库：另一实例仍在运行的分析不被接管，
// 心跳过期或 force 时才标记为失败
func TestAnalysisService_RecoverInterrupted_SharedDatabase(t *testing.T) {
	phases := &stubPhases{block: make(chan struct{})}
	f := setupAnalysisService(t, phases)
	t.Cleanup(func() { close(phases.block) })
	f.service.SetInstance("replica-1", time.Hour, time.Minute)

	live := testutil.TestAnalysis(t, f.db, f.user.ID)
	_, err := f.service.StartCollection(f.user.ID, live.ID)
	require.NoError(t, err)
	got := f.reload(t, live.ID)
	assert.Equal(t, "replica-1", got.Owner)
	require.NotNil(t, got.HeartbeatAt)

	crashed := testutil.TestAnalysis(t, f.db, f.user.ID,
		testutil.WithStatus(model.StatusGenerating),
		testutil.WithOwner("replica-0", time.Now().Add(-10*time.Minute)))

	otherRunner := worker.NewRunner(time.Second, nil, nil)
	replica2 := NewAnalysisService(f.analysisRepo, f.sectionRepo, f.store, otherRunner, &stubPhases{}, nil, nil, nil)
	replica2.SetInstance("replica-2", time.Hour, time.Minute)

	recovered, err := replica2.RecoverInterrupted(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, model.StatusCollection, f.reload(t, live.ID).Status)
	assert.Equal(t, model.StatusGenerationFailed, f.reload(t, crashed.ID).Status)

	recovered, err = replica2.RecoverInterrupted(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	got = f.reload(t, live.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorLog)
	assert.Equal(t, InterruptedMessage, *got.ErrorLog)
}

func TestAnalysisService_HeartbeatWhileRunning(t *testing.T) {
	phases := &stubPhases{block: make(chan struct{})}
	f := setupAnalysisService(t, phases)
	t.Cleanup(func() { close(phases.block) })
	f.service.SetInstance("replica-1", 20*time.Millisecond, time.Minute)

	a := testutil.TestAnalysis(t, f.db, f.user.ID)
	_, err := f.service.StartCollection(f.user.ID, a.ID)
	require.NoError(t, err)
	started := *f.reload(t, a.ID).HeartbeatAt

	assert.Eventually(t, func() bool {
		got := f.reload(t, a.ID)
		return got.HeartbeatAt != nil && got.HeartbeatAt.After(started)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAnalysisService_CleanupOrphans(t *testing.T) {
	f := setupAnalysisService(t, &stubPhases{})
	kept := testutil.TestAnalysis(t, f.db, f.user.ID, testutil.WithStatus(model.StatusCollectionComplete))
	f.writeCollection(t, kept.ID)

	orphan := uuid.NewString()
	f.writeCollection(t, orphan)

	orphans, err := f.service.FindOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, orphans)

	removed, err := f.service.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(f.store.Dir(orphan))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, f.store.CollectionReady(kept.ID))
}
