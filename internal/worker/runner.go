// Package worker 负责后台任务：每个分析至多一个进行中的采集或生成任务。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
)

// DefaultCancelGrace 取消任务后等待其退出的默认时长
const DefaultCancelGrace = 10 * time.Second

var (
	ErrTaskRunning    = errors.New("该分析已有任务在运行")
	ErrRunnerShutdown = errors.New("任务调度器已关闭")
)

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner 按分析 ID 管理后台 goroutine
type Runner struct {
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	grace   time.Duration
	logger  *zap.Logger
	metrics *metrics.Registry
}

func NewRunner(grace time.Duration, logger *zap.Logger, m *metrics.Registry) *Runner {
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		tasks:   make(map[string]*task),
		grace:   grace,
		logger:  logger,
		metrics: m,
	}
}

// Launch 为分析启动后台任务
//
// 若同一分析仍有任务，最多等待 grace 让它退出（通常是刚写完终态的上一阶段），
// 仍未退出则返回 ErrTaskRunning。
func (r *Runner) Launch(analysisID, name string, fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerShutdown
	}
	prev := r.tasks[analysisID]
	r.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-time.After(r.grace):
			return fmt.Errorf("%w: %s", ErrTaskRunning, prev.name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrRunnerShutdown
	}
	if cur := r.tasks[analysisID]; cur != nil && cur != prev {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrTaskRunning, cur.name)
	}
	r.tasks[analysisID] = t
	count := len(r.tasks)
	r.mu.Unlock()

	r.metrics.SetRunningTasks(count)
	r.logger.Info("task started", zap.String("analysis_id", analysisID), zap.String("task", name))

	go r.run(ctx, analysisID, t, fn)
	return nil
}

func (r *Runner) run(ctx context.Context, analysisID string, t *task, fn func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked",
				zap.String("analysis_id", analysisID),
				zap.String("task", t.name),
				zap.Any("panic", rec))
		}

		t.cancel()
		r.mu.Lock()
		if r.tasks[analysisID] == t {
			delete(r.tasks, analysisID)
		}
		count := len(r.tasks)
		r.mu.Unlock()
		close(t.done)

		r.metrics.SetRunningTasks(count)
		r.logger.Info("task finished", zap.String("analysis_id", analysisID), zap.String("task", t.name))
	}()

	fn(ctx)
}

// Running 分析是否有任务在运行
func (r *Runner) Running(analysisID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[analysisID]
	return ok
}

// Count 运行中的任务数
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Cancel 取消分析的任务并最多等待 grace；没有任务或任务已退出时返回 true
func (r *Runner) Cancel(analysisID string) bool {
	r.mu.Lock()
	t := r.tasks[analysisID]
	r.mu.Unlock()

	if t == nil {
		return true
	}

	t.cancel()
	select {
	case <-t.done:
		return true
	case <-time.After(r.grace):
		r.logger.Warn("task did not stop within grace period",
			zap.String("analysis_id", analysisID),
			zap.String("task", t.name),
			zap.Duration("grace", r.grace))
		return false
	}
}

// Wait 阻塞直到分析当前的任务结束
func (r *Runner) Wait(analysisID string) {
	r.mu.Lock()
	t := r.tasks[analysisID]
	r.mu.Unlock()

	if t != nil {
		<-t.done
	}
}

// Shutdown 拒绝新任务，取消全部任务并等待退出或 ctx 到期
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
