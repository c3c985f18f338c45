package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/artifact"
	"github.com/wanfaliang/benchmarking/internal/collector"
	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
	"github.com/wanfaliang/benchmarking/internal/repository"
	"github.com/wanfaliang/benchmarking/internal/sections"
)

// errStopped 分析在任务运行期间被重置、重启或删除，任务静默退出
var errStopped = errors.New("analysis changed underneath task")

// Pipeline 执行两个阶段的后台逻辑
//
// 每次写库都是以任务期望状态为条件的更新；影响 0 行说明分析已被改动，
// 任务直接停止，不会复活已删除的分析。
type Pipeline struct {
	analysisRepo *repository.AnalysisRepository
	sectionRepo  *repository.SectionRepository
	store        *artifact.Store
	collector    Collector
	renderer     sections.Renderer
	notifier     Notifier
	logger       *zap.Logger
	metrics      *metrics.Registry
	onFinish     FinishHook
	now          func() time.Time
}

func NewPipeline(
	analysisRepo *repository.AnalysisRepository,
	sectionRepo *repository.SectionRepository,
	store *artifact.Store,
	collector Collector,
	renderer sections.Renderer,
	notifier Notifier,
	logger *zap.Logger,
	m *metrics.Registry,
) *Pipeline {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		analysisRepo: analysisRepo,
		sectionRepo:  sectionRepo,
		store:        store,
		collector:    collector,
		renderer:     renderer,
		notifier:     notifier,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// SetFinishHook 设置阶段结束回调
func (p *Pipeline) SetFinishHook(hook FinishHook) {
	p.onFinish = hook
}

// RunCollection Phase A：调用采集器并写入终态
func (p *Pipeline) RunCollection(ctx context.Context, analysisID string) {
	log := p.logger.With(zap.String("analysis_id", analysisID), zap.String("phase", model.PhaseA))
	start := p.now()

	analysis, err := p.analysisRepo.GetByID(analysisID)
	if err != nil {
		log.Info("analysis gone before collection started", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastProgress := analysis.Progress
	report := func(progress int, message string) {
		if progress < lastProgress {
			progress = lastProgress
		}
		if err := p.advance(analysisID, model.StatusCollection, progress); err != nil {
			// 分析已被改动，停止采集
			cancel()
			return
		}
		lastProgress = progress
		p.notifier.BroadcastProgress(analysisID, progress, message, model.StatusCollection, model.PhaseA, nil)
	}

	collectErr := p.collector.Collect(ctx, analysis, report)

	if collectErr != nil {
		if ctx.Err() != nil {
			log.Info("collection canceled", zap.Error(collectErr))
			p.metrics.ObservePhase(model.PhaseA, "canceled", p.now().Sub(start))
			return
		}

		log.Error("collection failed", zap.Error(collectErr))
		msg := collectErr.Error()
		rows, err := p.analysisRepo.CompareAndUpdate(analysisID, 0, []string{model.StatusCollection}, map[string]interface{}{
			"status":    model.StatusFailed,
			"phase":     model.PhaseA,
			"error_log": msg,
		})
		if err != nil {
			log.Error("failed to record collection failure", zap.Error(err))
			return
		}
		p.metrics.ObservePhase(model.PhaseA, "failed", p.now().Sub(start))
		if rows == 0 {
			log.Info("analysis changed during collection, dropping failure")
			return
		}
		p.notifier.BroadcastError(analysisID, msg, model.StatusFailed, model.PhaseA)
		p.finish(analysisID)
		return
	}

	now := p.now()
	rows, err := p.analysisRepo.CompareAndUpdate(analysisID, 0, []string{model.StatusCollection}, map[string]interface{}{
		"status":                  model.StatusCollectionComplete,
		"phase":                   model.PhaseA,
		"progress":                100,
		"completed_at":            now,
		"collection_completed_at": now,
		"error_log":               nil,
	})
	if err != nil {
		log.Error("failed to record collection success", zap.Error(err))
		return
	}
	if rows == 0 {
		log.Info("analysis changed during collection, discarding artifacts")
		p.discardCollection(analysisID)
		return
	}

	p.metrics.ObservePhase(model.PhaseA, "success", now.Sub(start))
	log.Info("collection complete", zap.Duration("elapsed", now.Sub(start)))
	p.notifier.BroadcastCompletion(analysisID, model.StatusCollectionComplete, model.PhaseA,
		"Data collection complete", map[string]interface{}{"companies": len(analysis.Companies)})
	p.finish(analysisID)
}

// RunGeneration Phase B：按编号顺序逐个渲染 20 个章节
func (p *Pipeline) RunGeneration(ctx context.Context, analysisID string) {
	log := p.logger.With(zap.String("analysis_id", analysisID), zap.String("phase", model.PhaseB))
	start := p.now()

	err := p.generate(ctx, analysisID, log)
	switch {
	case err == nil:
	case errors.Is(err, errStopped):
		log.Info("generation stopped", zap.Error(err))
	case ctx.Err() != nil:
		log.Info("generation canceled", zap.Error(err))
		p.metrics.ObservePhase(model.PhaseB, "canceled", p.now().Sub(start))
	default:
		log.Error("generation failed", zap.Error(err))
		p.metrics.ObservePhase(model.PhaseB, "failed", p.now().Sub(start))
		p.failGeneration(analysisID, err.Error(), log)
	}
}

func (p *Pipeline) generate(ctx context.Context, analysisID string, log *zap.Logger) (err error) {
	start := p.now()

	// 驱动本身的 panic 视为整体失败，单个章节的 panic 在 renderSection 内处理
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generation panicked: %v", rec)
		}
	}()

	snap, err := collector.LoadSnapshot(p.store.Path(analysisID, artifact.Snapshot))
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := p.store.Ensure(analysisID); err != nil {
		return fmt.Errorf("failed to prepare sections dir: %w", err)
	}

	p.notifier.BroadcastProgress(analysisID, 0, "Generating report sections", model.StatusGenerating, model.PhaseB, nil)

	completed, failed := 0, 0
	for n := 0; n < model.SectionCount; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := p.runSection(analysisID, n, snap, log)
		if err != nil {
			return err
		}
		if ok {
			completed++
		} else {
			failed++
		}

		progress := (n + 1) * 100 / model.SectionCount
		if err := p.advance(analysisID, model.StatusGenerating, progress); err != nil {
			return err
		}
		p.notifier.BroadcastProgress(analysisID, progress,
			fmt.Sprintf("Section %d of %d done", n+1, model.SectionCount),
			model.StatusGenerating, model.PhaseB,
			map[string]interface{}{"completed": completed, "failed": failed})
	}

	final := model.StatusComplete
	if failed > 0 {
		final = model.StatusPartialComplete
	}

	now := p.now()
	rows, err := p.analysisRepo.CompareAndUpdate(analysisID, 0, []string{model.StatusGenerating}, map[string]interface{}{
		"status":       final,
		"phase":        model.PhaseB,
		"progress":     100,
		"completed_at": now,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return errStopped
	}

	p.metrics.ObservePhase(model.PhaseB, final, now.Sub(start))
	log.Info("generation finished",
		zap.String("status", final),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Duration("elapsed", now.Sub(start)))

	p.notifier.BroadcastCompletion(analysisID, final, model.PhaseB,
		fmt.Sprintf("%d of %d sections generated", completed, model.SectionCount),
		map[string]interface{}{"completed": completed, "failed": failed})
	p.finish(analysisID)
	return nil
}

// runSection 渲染单个章节；章节失败返回 (false, nil)，只有任务需要停止时才返回错误
func (p *Pipeline) runSection(analysisID string, n int, snap *collector.Snapshot, log *zap.Logger) (bool, error) {
	name := model.SectionNames[n]

	rows, err := p.sectionRepo.UpdateByNumber(analysisID, n, map[string]interface{}{
		"status":     model.SectionProcessing,
		"started_at": p.now(),
	})
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, errStopped
	}
	p.notifier.BroadcastSectionUpdate(analysisID, n, name, model.SectionProcessing, "")

	path := p.store.SectionPath(analysisID, n)
	renderErr := p.renderSection(n, snap, path)

	fields := map[string]interface{}{"completed_at": p.now()}
	status := model.SectionComplete
	if renderErr != nil {
		status = model.SectionFailed
		fields["error_message"] = renderErr.Error()
		log.Warn("section failed", zap.Int("section", n), zap.String("name", name), zap.Error(renderErr))
	} else {
		fields["html_path"] = path
	}
	fields["status"] = status

	rows, err = p.sectionRepo.UpdateByNumber(analysisID, n, fields)
	if err == nil && rows == 0 {
		err = errStopped
	}
	if err != nil {
		if renderErr == nil {
			_ = os.Remove(path)
		}
		return false, err
	}

	p.metrics.ObserveSection(status)
	errMsg := ""
	if renderErr != nil {
		errMsg = renderErr.Error()
	}
	p.notifier.BroadcastSectionUpdate(analysisID, n, name, status, errMsg)
	return renderErr == nil, nil
}

func (p *Pipeline) renderSection(n int, snap *collector.Snapshot, path string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("section %d panicked: %v", n, rec)
		}
	}()

	html, err := p.renderer.Render(n, snap)
	if err != nil {
		return err
	}
	return artifact.WriteAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, html)
		return err
	})
}

// advance 在状态仍为 status 时推进进度
func (p *Pipeline) advance(analysisID, status string, progress int) error {
	rows, err := p.analysisRepo.CompareAndUpdate(analysisID, 0, []string{status}, map[string]interface{}{
		"progress": progress,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return errStopped
	}
	return nil
}

func (p *Pipeline) failGeneration(analysisID, msg string, log *zap.Logger) {
	rows, err := p.analysisRepo.CompareAndUpdate(analysisID, 0, []string{model.StatusGenerating}, map[string]interface{}{
		"status":    model.StatusGenerationFailed,
		"phase":     model.PhaseB,
		"error_log": msg,
	})
	if err != nil {
		log.Error("failed to record generation failure", zap.Error(err))
		return
	}
	if rows == 0 {
		return
	}
	if _, err := p.sectionRepo.FailUnfinished(analysisID, msg); err != nil {
		log.Error("failed to fail unfinished sections", zap.Error(err))
	}
	p.notifier.BroadcastError(analysisID, msg, model.StatusGenerationFailed, model.PhaseB)
	p.finish(analysisID)
}

// discardCollection 分析在采集期间被重置或删除时，清理刚写出的产物
func (p *Pipeline) discardCollection(analysisID string) {
	analysis, err := p.analysisRepo.GetByID(analysisID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, err := p.store.Remove(analysisID); err != nil {
			p.logger.Warn("failed to remove orphaned artifacts", zap.String("analysis_id", analysisID), zap.Error(err))
		}
		return
	}
	if err != nil || analysis.Status != model.StatusCreated {
		return
	}
	for _, kind := range []artifact.Kind{artifact.RawData, artifact.Snapshot} {
		if err := os.Remove(p.store.Path(analysisID, kind)); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove stale artifact", zap.String("analysis_id", analysisID), zap.Error(err))
		}
	}
}

func (p *Pipeline) finish(analysisID string) {
	if p.onFinish == nil {
		return
	}
	analysis, err := p.analysisRepo.GetByID(analysisID)
	if err != nil {
		return
	}
	p.onFinish(analysis)
}
