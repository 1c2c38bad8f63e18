package service

import (
	"context"
	"log/slog"
	"sync"

	"asr-bench/internal/model"
)

// RunSink 接收每条新追加的 Run（落库、指标等），失败只记录日志
type RunSink interface {
	RecordRun(ctx context.Context, run model.Run) error
}

// RunLog 只追加的运行日志；批次执行期间由执行器独占写入，其它组件只读副本
type RunLog struct {
	mu    sync.RWMutex
	runs  []model.Run
	sinks []RunSink
	log   *slog.Logger
}

func NewRunLog(logger *slog.Logger, sinks ...RunSink) *RunLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLog{log: logger.With("component", "runlog"), sinks: sinks}
}

// Append 按完成顺序追加；Run 内指针字段会被深拷贝，调用方之后的修改不影响日志
func (l *RunLog) Append(ctx context.Context, runs ...model.Run) {
	if len(runs) == 0 {
		return
	}
	copied := make([]model.Run, len(runs))
	for i, r := range runs {
		copied[i] = r.Clone()
	}
	l.mu.Lock()
	l.runs = append(l.runs, copied...)
	l.mu.Unlock()

	for _, r := range copied {
		for _, s := range l.sinks {
			if err := s.RecordRun(ctx, r.Clone()); err != nil {
				l.log.Warn("run sink failed", "run_id", r.ID, "error", err)
			}
		}
	}
}

// Runs 返回深拷贝，按追加顺序
func (l *RunLog) Runs() []model.Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Run, len(l.runs))
	for i, r := range l.runs {
		out[i] = r.Clone()
	}
	return out
}

func (l *RunLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.runs)
}

// Clear 显式清空
func (l *RunLog) Clear() {
	l.mu.Lock()
	l.runs = nil
	l.mu.Unlock()
}
