package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const releaseTimeout = 30 * time.Second

type releaseTask struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// ReleaseQueue 释放任务的 FIFO 队列，由单个 worker 依次执行。
// 新模型加载前调用 Wait，保证上一个模型的释放已经完成。
type ReleaseQueue struct {
	mu       sync.Mutex
	tasks    []releaseTask
	draining bool
	inFlight bool
	idle     chan struct{}
	log      *slog.Logger
}

func NewReleaseQueue(logger *slog.Logger) *ReleaseQueue {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &ReleaseQueue{idle: idle, log: logger.With("component", "release_queue")}
}

// Enqueue 追加释放任务，返回的 channel 在任务执行后收到其错误
func (q *ReleaseQueue) Enqueue(name string, fn func(ctx context.Context) error) <-chan error {
	t := releaseTask{name: name, fn: fn, done: make(chan error, 1)}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	q.mu.Unlock()
	return t.done
}

func (q *ReleaseQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.inFlight = true
		q.mu.Unlock()

		// 释放不跟随调用方的 ctx 取消，只受自身超时约束
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		err := t.fn(ctx)
		cancel()
		if err != nil {
			q.log.Warn("release failed", "name", t.name, "error", err)
		} else {
			q.log.Debug("released", "name", t.name)
		}
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
		t.done <- err
	}
}

// Wait 阻塞到队列排空
func (q *ReleaseQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending 尚未执行完的任务数（含正在执行的）
func (q *ReleaseQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	if q.inFlight {
		n++
	}
	return n
}
