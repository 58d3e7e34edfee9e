// Package scheduler 提供一个可取消的任务调度器：周期任务与一次性延时任务，
// 所有任务都在同一个执行协程中按触发顺序运行。
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"JukeFM/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrStopped 调度器已停止
var ErrStopped = errors.New("scheduler stopped")

const runQueueSize = 64

type task struct {
	id        string
	name      string
	every     time.Duration // 0 表示一次性任务
	fn        func()
	timer     *clock.Timer
	cancelled bool
}

// Scheduler 任务调度器
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	tasks map[string]*task

	runq     chan *task
	done     chan struct{}
	stopOnce sync.Once
}

// New 创建调度器，clk 为 nil 时使用系统时钟
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock: clk,
		tasks: make(map[string]*task),
		runq:  make(chan *task, runQueueSize),
		done:  make(chan struct{}),
	}
}

// Clock 返回调度器使用的时钟
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Every 注册周期任务，首次在 interval 之后触发
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) string {
	return s.add(name, interval, interval, fn)
}

// After 注册一次性任务，在 delay 之后触发
func (s *Scheduler) After(name string, delay time.Duration, fn func()) string {
	if delay < 0 {
		delay = 0
	}
	return s.add(name, delay, 0, fn)
}

func (s *Scheduler) add(name string, delay, every time.Duration, fn func()) string {
	t := &task{id: uuid.NewString(), name: name, every: every, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		logger.Warn("调度器已停止，忽略任务", logger.String("task", name))
		return ""
	default:
	}
	s.tasks[t.id] = t
	s.arm(t, delay)
	return t.id
}

// arm 需在持有 s.mu 时调用
func (s *Scheduler) arm(t *task, delay time.Duration) {
	t.timer = s.clock.AfterFunc(delay, func() { s.fire(t) })
}

// fire 由计时器触发：把任务交给执行协程，周期任务立即重新计时
func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return
	}
	if t.every > 0 {
		s.arm(t, t.every)
	} else {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()

	select {
	case s.runq <- t:
	case <-s.done:
	}
}

// Cancel 取消任务，任务不存在（已执行或已取消）时返回 false
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Pending 尚未执行的任务数（周期任务始终计入）
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run 在当前协程中执行到期任务，直到 ctx 结束或调用 Stop
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrStopped
		case t := <-s.runq:
			s.mu.Lock()
			cancelled := t.cancelled
			s.mu.Unlock()
			if cancelled {
				continue
			}
			s.execute(t)
		}
	}
}

func (s *Scheduler) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("调度任务 panic",
				logger.String("task", t.name),
				logger.String("id", t.id),
				logger.Any("panic", r))
		}
	}()
	t.fn()
}

// Stop 停止全部计时器，Run 随即返回
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		for id, t := range s.tasks {
			t.cancelled = true
			t.timer.Stop()
			delete(s.tasks, id)
		}
		close(s.done)
		s.mu.Unlock()
	})
}
