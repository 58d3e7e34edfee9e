// Package jukebox 播放编排核心：定期对账两个播放后端的真实状态与待播队列，
// 决定何时、在哪个后端启动下一首，并对外提供点歌、删歌、查询等操作。
package jukebox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"JukeFM/core/backend"
	"JukeFM/core/queue"
	"JukeFM/core/scheduler"
	"JukeFM/logger"
	"JukeFM/model"

	"github.com/benbjohnson/clock"
)

const (
	DefaultTickInterval       = 30 * time.Second
	DefaultMinRunSpacing      = 20 * time.Second
	DefaultLocalLookahead     = 45 * time.Second
	DefaultStreamingLookahead = 30 * time.Second

	// dispatchTimeout 单次播放指令的超时，不受调用方请求上下文影响
	dispatchTimeout = 10 * time.Second
)

// Deferrer 延时任务调度，*scheduler.Scheduler 实现了该接口
type Deferrer interface {
	After(name string, delay time.Duration, fn func()) string
}

// Options 对账参数，零值字段使用默认值
type Options struct {
	MinRunSpacing      time.Duration
	LocalLookahead     time.Duration
	StreamingLookahead time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinRunSpacing <= 0 {
		o.MinRunSpacing = DefaultMinRunSpacing
	}
	if o.LocalLookahead <= 0 {
		o.LocalLookahead = DefaultLocalLookahead
	}
	if o.StreamingLookahead <= 0 {
		o.StreamingLookahead = DefaultStreamingLookahead
	}
	return o
}

// Snapshot 一次状态检测的结果
type Snapshot struct {
	State  model.PlaybackState
	Status *backend.Status // 空闲时为 nil
}

// dispatch 一条待下发的播放指令
type dispatch struct {
	track  *model.Track
	driver backend.Driver
	play   bool          // true: EnqueueAndPlay；false: AddToQueue
	delay  time.Duration // >0 表示延时交接
}

// Reconciler 队列对账器。队列与节奏状态只在 mu 内修改，后端状态读取在锁外进行
type Reconciler struct {
	mu    sync.Mutex
	queue *queue.Queue
	clock *runClock
	// version 每次队列变化或下发指令时递增，点歌据此判断检测结果是否过期
	version uint64

	local     backend.Driver
	streaming backend.Driver
	deferrer  Deferrer
	opts      Options

	onChange func()
}

// NewReconciler 创建对账器
func NewReconciler(local, streaming backend.Driver, q *queue.Queue, deferrer Deferrer, clk clock.Clock, opts Options) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if q == nil {
		q = queue.New()
	}
	opts = opts.withDefaults()
	return &Reconciler{
		queue:     q,
		clock:     newRunClock(clk, opts.MinRunSpacing),
		local:     local,
		streaming: streaming,
		deferrer:  deferrer,
		opts:      opts,
	}
}

// OnChange 注册队列变化回调（用于推送），回调在锁外执行
func (r *Reconciler) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start 在调度器上注册周期对账任务
func (r *Reconciler) Start(ctx context.Context, s *scheduler.Scheduler, interval time.Duration) string {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return s.Every("queue-maintenance", interval, func() {
		r.Tick(ctx)
	})
}

// MarkDirty 标记需要对账并唤醒休眠
func (r *Reconciler) MarkDirty() {
	r.mu.Lock()
	r.clock.markDirty()
	r.mu.Unlock()
}

// driverFor 按来源选择后端
func (r *Reconciler) driverFor(src model.Source) (backend.Driver, error) {
	switch src {
	case model.SourceLocal:
		return r.local, nil
	case model.SourceStreaming:
		return r.streaming, nil
	default:
		return nil, fmt.Errorf("no backend for source %v", src)
	}
}

// lookahead 当前来源的提前量
func (r *Reconciler) lookahead(src model.Source) time.Duration {
	switch src {
	case model.SourceLocal:
		return r.opts.LocalLookahead
	case model.SourceStreaming:
		return r.opts.StreamingLookahead
	default:
		return 0
	}
}

// Detect 计算统一播放状态：本地在播优先，其次是目标设备上的 Spotify 播放
func (r *Reconciler) Detect(ctx context.Context) (*Snapshot, error) {
	st, err := r.local.CurrentStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("local status: %w", err)
	}
	if st.Playing {
		return &Snapshot{State: model.StateLocalPlaying, Status: st}, nil
	}

	st, err = r.streaming.CurrentStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("streaming status: %w", err)
	}
	if st.Playing && st.OnTarget {
		return &Snapshot{State: model.StateStreamingPlaying, Status: st}, nil
	}
	return &Snapshot{State: model.StateIdle}, nil
}

// Tick 执行一次对账。后端错误只记录日志并进入休眠，不向上抛出
func (r *Reconciler) Tick(ctx context.Context) {
	r.mu.Lock()
	if !r.clock.due() {
		r.mu.Unlock()
		return
	}
	if r.queue.IsEmpty() {
		// 队列为空时无需访问任何后端
		r.clock.sleep()
		r.mu.Unlock()
		logger.Debug("队列为空，对账进入休眠")
		return
	}
	r.clock.started()
	r.mu.Unlock()

	snap, err := r.Detect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// 调用方已离开，不是后端故障，留给下一次对账
			r.MarkDirty()
			return
		}
		r.fail("检测播放状态失败，对账进入休眠", err)
		return
	}

	r.mu.Lock()
	d, trimmed, err := r.plan(snap)
	if trimmed > 0 || d != nil {
		r.version++
	}
	r.mu.Unlock()

	if trimmed > 0 {
		logger.Info("已清理播放过的曲目",
			logger.Int("count", trimmed),
			logger.String("current", snap.Status.TrackID))
	}
	if err != nil {
		r.fail("无法调度队首曲目", err)
	}
	if d != nil {
		r.run(ctx, d)
	}
	if trimmed > 0 || d != nil {
		r.notify()
	}
}

// plan 裁剪队列并决定要下发的指令，需在持有 r.mu 时调用
func (r *Reconciler) plan(snap *Snapshot) (*dispatch, int, error) {
	active, playing := snap.State.ActiveSource()
	if !playing {
		if r.queue.IsEmpty() {
			r.clock.sleep()
			logger.Debug("无播放且队列为空，对账进入休眠")
			return nil, 0, nil
		}
		head, ok := r.queue.MarkHeadScheduled()
		if !ok {
			return nil, 0, nil
		}
		drv, err := r.driverFor(head.Source)
		if err != nil {
			r.queue.UnmarkScheduled(head)
			return nil, 0, err
		}
		logger.Info("检测到无播放，立即开始播放队首",
			logger.String("track", head.ID),
			logger.String("source", head.Source.String()))
		return &dispatch{track: head, driver: drv, play: true}, 0, nil
	}

	st := snap.Status
	trimmed := r.queue.Trim(st.TrackID)

	timeLeft := st.TimeLeft()
	if timeLeft >= r.lookahead(active).Seconds() {
		return nil, trimmed, nil
	}
	head, ok := r.queue.MarkHeadScheduled()
	if !ok {
		return nil, trimmed, nil
	}
	drv, err := r.driverFor(head.Source)
	if err != nil {
		r.queue.UnmarkScheduled(head)
		return nil, trimmed, err
	}

	switch head.Source {
	case active:
		// 同一后端：直接交给后端自己的队列衔接
		logger.Info("加入后端播放队列",
			logger.String("track", head.ID),
			logger.Float64("timeLeft", timeLeft))
		return &dispatch{track: head, driver: drv}, trimmed, nil
	default:
		// 跨后端：在当前曲目结束时启动另一个后端
		delay := time.Duration(timeLeft * float64(time.Second))
		logger.Info("安排跨后端交接",
			logger.String("track", head.ID),
			logger.String("from", active.String()),
			logger.String("to", head.Source.String()),
			logger.Duration("delay", delay))
		return &dispatch{track: head, driver: drv, play: true, delay: delay}, trimmed, nil
	}
}

// run 下发指令。延时指令交给调度器，触发时再进入临界区。
// 立即指令使用独立的超时上下文，请求方断开不会中断下发
func (r *Reconciler) run(ctx context.Context, d *dispatch) {
	if d.delay > 0 {
		r.deferrer.After("handoff", d.delay, func() {
			r.handoff(d)
		})
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if err := r.send(ctx, d); err != nil {
		r.mu.Lock()
		r.queue.UnmarkScheduled(d.track)
		r.mu.Unlock()
		r.fail("下发播放指令失败", err)
	}
}

// handoff 延时交接触发。在锁内记录交接，后端调用在锁外进行；
// 曲目已被删除时仍然下发，以后端结果为准
func (r *Reconciler) handoff(d *dispatch) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	r.mu.Lock()
	if !r.queue.Contains(d.track.ID) {
		logger.Warn("交接的曲目已不在队列中", logger.String("track", d.track.ID))
	}
	r.version++
	r.mu.Unlock()

	if err := r.send(ctx, d); err != nil {
		r.mu.Lock()
		r.queue.UnmarkScheduled(d.track)
		r.clock.sleep()
		r.mu.Unlock()
		logger.Warn("跨后端交接失败", logger.String("track", d.track.ID), logger.ErrorField(err))
		return
	}
	r.notify()
}

func (r *Reconciler) send(ctx context.Context, d *dispatch) error {
	if d.play {
		return d.driver.EnqueueAndPlay(ctx, d.track.ID)
	}
	return d.driver.AddToQueue(ctx, d.track.ID)
}

func (r *Reconciler) fail(msg string, err error) {
	r.mu.Lock()
	r.clock.sleep()
	r.mu.Unlock()
	logger.Warn(msg, logger.ErrorField(err))
}

// Views 当前队列视图
func (r *Reconciler) Views() []model.TrackView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Views()
}

// Snapshot 当前队列拷贝
func (r *Reconciler) Snapshot() []*model.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Snapshot()
}

// status 供测试检查节奏状态
func (r *Reconciler) status() (dirty, dormant bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.dirty, r.clock.dormant
}
