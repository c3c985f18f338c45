package worker

import (
	"context"

	"github.com/wanfaliang/benchmarking/internal/model"
)

// Notifier 进度事件出口，*ws.Hub 与 *pubsub.Publisher 均满足该接口
type Notifier interface {
	BroadcastProgress(analysisID string, progress int, message, status, phase string, metadata map[string]interface{})
	BroadcastSectionUpdate(analysisID string, sectionNumber int, sectionName, status, errMsg string)
	BroadcastError(analysisID, errMsg, status, phase string)
	BroadcastCompletion(analysisID, status, phase, message string, metadata map[string]interface{})
}

// ProgressFunc 采集进度回调
type ProgressFunc = func(progress int, message string)

// Collector Phase A 数据采集
type Collector interface {
	Collect(ctx context.Context, analysis *model.Analysis, report ProgressFunc) error
}

// FinishHook 阶段结束（成功或失败）后调用，参数是写入终态后的分析
type FinishHook func(analysis *model.Analysis)

type nopNotifier struct{}

func (nopNotifier) BroadcastProgress(string, int, string, string, string, map[string]interface{}) {}
func (nopNotifier) BroadcastSectionUpdate(string, int, string, string, string)                    {}
func (nopNotifier) BroadcastError(string, string, string, string)                                 {}
func (nopNotifier) BroadcastCompletion(string, string, string, string, map[string]interface{})    {}
