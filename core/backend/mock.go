package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"JukeFM/model"
)

// Mock Driver 的测试替身，记录每一次调用
type Mock struct {
	mu     sync.Mutex
	source model.Source
	status Status
	tracks map[string]*model.Track
	calls  []string

	// Err 非 nil 时所有指令调用都返回该错误
	Err error
	// StatusErr 非 nil 时 CurrentStatus 返回该错误
	StatusErr error
	// OnCommand 每次指令调用时在锁外执行
	OnCommand func(call string)
}

// NewMock 创建指定来源的测试驱动
func NewMock(src model.Source) *Mock {
	return &Mock{source: src, tracks: make(map[string]*model.Track)}
}

var _ Driver = (*Mock)(nil)
var _ Searcher = (*Mock)(nil)

func (m *Mock) Source() model.Source { return m.source }

func (m *Mock) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *Mock) CurrentStatus(_ context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("status")
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	st := m.status
	return &st, nil
}

// command 记录指令。ctx 已取消时与真实后端一样返回 ctx.Err()
func (m *Mock) command(ctx context.Context, call string) error {
	m.mu.Lock()
	m.record(call)
	hook, err := m.OnCommand, m.Err
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (m *Mock) EnqueueAndPlay(ctx context.Context, trackID string) error {
	return m.command(ctx, "play "+trackID)
}

func (m *Mock) AddToQueue(ctx context.Context, trackID string) error {
	return m.command(ctx, "queue "+trackID)
}

func (m *Mock) Lookup(_ context.Context, ref string) (*model.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("lookup " + ref)
	t, ok := m.tracks[ref]
	if !ok {
		return nil, fmt.Errorf("mock: %q: %w", ref, ErrTrackNotFound)
	}
	return t.Clone(), nil
}

func (m *Mock) Search(_ context.Context, query string, limit int) ([]*model.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("search " + query)
	var out []*model.Track
	for _, t := range m.tracks {
		out = append(out, t.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Mock) SetVolume(ctx context.Context, percent int) error {
	return m.command(ctx, fmt.Sprintf("volume %d", percent))
}

func (m *Mock) Pause(ctx context.Context) error { return m.command(ctx, "pause") }

func (m *Mock) Resume(ctx context.Context) error { return m.command(ctx, "resume") }

func (m *Mock) Previous(ctx context.Context) error { return m.command(ctx, "previous") }

// 测试辅助方法

// SetStatus 设置 CurrentStatus 的返回值
func (m *Mock) SetStatus(st Status) {
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
}

// Playing 设置为正在播放 trackID，elapsed/duration 单位为秒
func (m *Mock) Playing(trackID string, elapsed, duration float64) {
	m.SetStatus(Status{Playing: true, OnTarget: true, TrackID: trackID, Elapsed: elapsed, Duration: duration})
}

// Stopped 设置为停止
func (m *Mock) Stopped() {
	m.SetStatus(Status{})
}

// AddTrack 注册可被 Lookup 的曲目
func (m *Mock) AddTrack(t *model.Track) {
	m.mu.Lock()
	m.tracks[t.ID] = t
	m.mu.Unlock()
}

// Calls 返回调用记录
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Commands 返回播放指令调用记录（不含状态查询、元数据查询与搜索）
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c == "status" || strings.HasPrefix(c, "lookup ") || strings.HasPrefix(c, "search ") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Reset 清空调用记录
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
