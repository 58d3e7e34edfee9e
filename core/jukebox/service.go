package jukebox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"JukeFM/core/backend"
	"JukeFM/core/ledger"
	"JukeFM/logger"
	"JukeFM/model"
)

var (
	// ErrInvalidVolume 音量超出 0..100
	ErrInvalidVolume = errors.New("volume must be between 0 and 100")
	// ErrNothingPlaying 两个后端都没有曲目
	ErrNothingPlaying = errors.New("当前没有播放")
	// ErrSearchUnsupported 后端不支持搜索
	ErrSearchUnsupported = errors.New("backend does not support search")
	// ErrQueueBusy 并发点歌过多，多次重试后仍未拿到一致的队列状态
	ErrQueueBusy = errors.New("点歌人数较多，请稍后重试")
)

// maxEnqueueAttempts 检测结果过期后重新检测、重新检查余额的最多次数
const maxEnqueueAttempts = 3

// Ledger 积分账本，*ledger.Client 实现了该接口
type Ledger interface {
	Identify(ctx context.Context, code string) (*ledger.Account, error)
	Balance(ctx context.Context, key string) (int, error)
	Check(ctx context.Context, key string, cost int) (bool, error)
	Consume(ctx context.Context, key string, cost int) error
	Session(key string) func()
}

// TrackCache 曲目元数据缓存，未命中时返回 nil, nil
type TrackCache interface {
	GetTrack(ctx context.Context, src model.Source, ref string) (*model.Track, error)
	SetTrack(ctx context.Context, ref string, t *model.Track) error
}

// History 点歌记录存储
type History interface {
	Create(ctx context.Context, rec *model.PlayRecord) error
	Recent(ctx context.Context, limit int) ([]*model.PlayRecord, error)
	ByAccount(ctx context.Context, accountKey string, limit int) ([]*model.PlayRecord, error)
	Uncharged(ctx context.Context, since time.Time) ([]*model.PlayRecord, error)
}

// ServiceConfig 服务依赖
type ServiceConfig struct {
	Ledger  Ledger
	Costs   ledger.CostPolicy
	IsAdmin func(accountKey string) bool
	Cache   TrackCache // 可选
	History History    // 可选
	NowFunc func() time.Time
}

// Service 对外提供点歌相关操作，被 HTTP 层调用
type Service struct {
	rec     *Reconciler
	ledger  Ledger
	costs   ledger.CostPolicy
	isAdmin func(string) bool
	cache   TrackCache
	history History
	now     func() time.Time
}

// NewService 创建服务
func NewService(rec *Reconciler, cfg ServiceConfig) *Service {
	s := &Service{
		rec:     rec,
		ledger:  cfg.Ledger,
		costs:   cfg.Costs,
		isAdmin: cfg.IsAdmin,
		cache:   cfg.Cache,
		history: cfg.History,
		now:     cfg.NowFunc,
	}
	if s.isAdmin == nil {
		s.isAdmin = func(string) bool { return false }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Reconciler 返回底层对账器
func (s *Service) Reconciler() *Reconciler {
	return s.rec
}

// EnqueueResult 点歌结果
type EnqueueResult struct {
	Accepted  bool         `json:"accepted"`
	Cost      int          `json:"cost"`
	Immediate bool         `json:"immediate"` // 空闲时直接开始播放，没有进入队列
	Track     *model.Track `json:"track"`
	// ChargeErr 曲目已经下发但扣费失败，不回滚
	ChargeErr error `json:"-"`
}

// Warning 扣费失败时给用户的提示
func (r *EnqueueResult) Warning() string {
	if r.ChargeErr == nil {
		return ""
	}
	return r.ChargeErr.Error()
}

// Login 校验 BILL 编码
func (s *Service) Login(ctx context.Context, code string) (*ledger.Account, bool, error) {
	acc, err := s.ledger.Identify(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, false, err
	}
	return acc, s.isAdmin(acc.Key), nil
}

// Balance 查询余额
func (s *Service) Balance(ctx context.Context, accountKey string) (int, error) {
	return s.ledger.Balance(ctx, accountKey)
}

// Lookup 查询曲目元数据，优先读缓存
func (s *Service) Lookup(ctx context.Context, src model.Source, ref string) (*model.Track, error) {
	if s.cache != nil {
		if t, err := s.cache.GetTrack(ctx, src, ref); err != nil {
			logger.Warn("读取曲目缓存失败", logger.String("ref", ref), logger.ErrorField(err))
		} else if t != nil {
			return t, nil
		}
	}

	drv, err := s.rec.driverFor(src)
	if err != nil {
		return nil, err
	}
	t, err := drv.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetTrack(ctx, ref, t); err != nil {
			logger.Warn("写入曲目缓存失败", logger.String("ref", ref), logger.ErrorField(err))
		}
	}
	return t, nil
}

// Enqueue 点歌：计费、检查余额、下发或入队、扣费。
// 检查余额失败时不会修改队列；扣费失败时曲目已经下发，结果里带 ChargeErr。
// 空闲时立即播放的曲目也会以已调度状态进入队列占位，直到对账看到它在播放时裁剪掉，
// 这样并发的点歌会看到非空队列，只排队并正常计费
func (s *Service) Enqueue(ctx context.Context, accountKey string, src model.Source, ref string) (*EnqueueResult, error) {
	track, err := s.Lookup(ctx, src, ref)
	if err != nil {
		return nil, fmt.Errorf("lookup %s track %q: %w", src, ref, err)
	}
	drv, err := s.rec.driverFor(src)
	if err != nil {
		return nil, err
	}
	track = track.Clone()
	track.Scheduled = false
	track.AddedBy = accountKey
	track.AddedAt = s.now()
	admin := s.isAdmin(accountKey)

	release := s.ledger.Session(accountKey)
	defer release()

	res, queued, err := s.claim(ctx, accountKey, track, admin)
	if err != nil {
		return nil, err
	}

	if res.Immediate {
		if err := drv.EnqueueAndPlay(ctx, track.ID); err != nil {
			// 下发失败，撤掉占位
			s.rec.mu.Lock()
			s.rec.queue.Remove(queued)
			s.rec.version++
			s.rec.mu.Unlock()
			s.rec.notify()
			return nil, err
		}
		logger.Info("空闲状态，立即播放", logger.String("track", track.ID), logger.String("account", accountKey))
	} else {
		logger.Info("曲目已加入队列", logger.String("track", track.ID), logger.String("account", accountKey))
	}

	if err := s.ledger.Consume(ctx, accountKey, res.Cost); err != nil {
		logger.Error("扣费失败", logger.String("account", accountKey), logger.Int("cost", res.Cost), logger.ErrorField(err))
		res.ChargeErr = err
	}

	s.record(ctx, accountKey, res)
	s.rec.notify()
	return res, nil
}

// claim 检测状态、检查余额，然后在锁内决定立即播放还是排队，并把 track 的拷贝写入队列。
// 检查余额期间队列或后端发生了会影响决定的变化时重新来过
func (s *Service) claim(ctx context.Context, accountKey string, track *model.Track, admin bool) (*EnqueueResult, *model.Track, error) {
	for attempt := 0; attempt < maxEnqueueAttempts; attempt++ {
		s.rec.mu.Lock()
		version := s.rec.version
		wasEmpty := s.rec.queue.IsEmpty()
		s.rec.mu.Unlock()

		snap, err := s.rec.Detect(ctx)
		if err != nil {
			return nil, nil, err
		}

		cost := s.costs.Cost(track.Duration, !wasEmpty, admin)
		ok, err := s.ledger.Check(ctx, accountKey, cost)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, ledger.ErrInsufficientCredit
		}

		s.rec.mu.Lock()
		empty := s.rec.queue.IsEmpty()
		immediate := snap.State == model.StateIdle && empty
		if empty != wasEmpty || (immediate && s.rec.version != version) {
			s.rec.mu.Unlock()
			logger.Debug("点歌期间队列发生变化，重新检测", logger.String("track", track.ID), logger.Int("attempt", attempt+1))
			continue
		}
		queued := track.Clone()
		queued.Scheduled = immediate
		s.rec.queue.Append(queued)
		s.rec.version++
		s.rec.clock.markDirty()
		s.rec.mu.Unlock()

		return &EnqueueResult{Accepted: true, Cost: cost, Immediate: immediate, Track: track}, queued, nil
	}
	return nil, nil, ErrQueueBusy
}

func (s *Service) record(ctx context.Context, accountKey string, res *EnqueueResult) {
	if s.history == nil {
		return
	}
	rec := &model.PlayRecord{
		AccountKey:  accountKey,
		Source:      res.Track.Source.String(),
		TrackID:     res.Track.ID,
		TrackName:   res.Track.Name,
		Cost:        res.Cost,
		Immediate:   res.Immediate,
		Charged:     res.ChargeErr == nil,
		ChargeError: res.Warning(),
		CreatedAt:   s.now(),
	}
	if err := s.history.Create(ctx, rec); err != nil {
		logger.Warn("保存点歌记录失败", logger.String("account", accountKey), logger.ErrorField(err))
	}
}

// Delete 按 id 删除队列中的曲目
func (s *Service) Delete(trackID string) bool {
	s.rec.mu.Lock()
	removed := s.rec.queue.Delete(trackID)
	if removed {
		s.rec.version++
	}
	s.rec.clock.markDirty()
	s.rec.mu.Unlock()

	if removed {
		logger.Info("曲目已从队列删除", logger.String("track", trackID))
		s.rec.notify()
	}
	return removed
}

// Queue 返回队列视图。读取队列会触发一次对账（受最小间隔限制）
func (s *Service) Queue(ctx context.Context) []model.TrackView {
	s.rec.MarkDirty()
	s.rec.Tick(ctx)
	return s.rec.Views()
}

// NowPlaying 当前播放视图，本地与 Spotify 结构一致
func (s *Service) NowPlaying(ctx context.Context) (*model.NowPlaying, error) {
	st, err := s.rec.local.CurrentStatus(ctx)
	if err != nil {
		return nil, err
	}
	if st.Playing {
		return nowPlayingView(model.SourceLocal, st), nil
	}

	st, err = s.rec.streaming.CurrentStatus(ctx)
	if err != nil {
		return nil, err
	}
	if st.TrackID == "" {
		return nil, ErrNothingPlaying
	}
	return nowPlayingView(model.SourceStreaming, st), nil
}

func nowPlayingView(src model.Source, st *backend.Status) *model.NowPlaying {
	return &model.NowPlaying{
		Source: src,
		Device: model.DeviceView{
			Name:          st.DeviceName,
			IsActive:      st.OnTarget,
			VolumePercent: st.Volume,
		},
		ProgressMs: int64(st.Elapsed * 1000),
		IsPlaying:  st.Playing,
		Item: model.ItemView{
			ID:         st.TrackID,
			Name:       st.Name,
			DurationMs: int64(st.Duration * 1000),
			Artists:    model.ArtistViews(st.Artists),
			Album:      model.AlbumView{Name: st.Album, Images: model.ImageViews(st.Images)},
		},
	}
}

// SetVolume 同时设置两个后端的音量，各后端自行缩放
func (s *Service) SetVolume(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidVolume, percent)
	}
	return errors.Join(
		s.rec.streaming.SetVolume(ctx, percent),
		s.rec.local.SetVolume(ctx, percent),
	)
}

// Pause 暂停 Spotify 播放
func (s *Service) Pause(ctx context.Context) error {
	return s.rec.streaming.Pause(ctx)
}

// Resume 恢复 Spotify 播放
func (s *Service) Resume(ctx context.Context) error {
	return s.rec.streaming.Resume(ctx)
}

// Previous 上一首
func (s *Service) Previous(ctx context.Context) error {
	return s.rec.streaming.Previous(ctx)
}

// SearchResult 搜索结果与当前点歌价格
type SearchResult struct {
	Track   model.TrackView `json:"track"`
	Credits int             `json:"credits"`
}

// Search 在指定后端搜索曲目
func (s *Service) Search(ctx context.Context, accountKey string, src model.Source, query string, limit int) ([]SearchResult, error) {
	drv, err := s.rec.driverFor(src)
	if err != nil {
		return nil, err
	}
	searcher, ok := drv.(backend.Searcher)
	if !ok {
		return nil, ErrSearchUnsupported
	}
	tracks, err := searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	s.rec.mu.Lock()
	queueNonEmpty := !s.rec.queue.IsEmpty()
	s.rec.mu.Unlock()
	admin := s.isAdmin(accountKey)

	out := make([]SearchResult, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, SearchResult{
			Track:   t.ToView(),
			Credits: s.costs.Cost(t.Duration, queueNonEmpty, admin),
		})
	}
	return out, nil
}

// History 最近的点歌记录；accountKey 非空时只返回该账户的记录
func (s *Service) History(ctx context.Context, accountKey string, limit int) ([]*model.PlayRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	if accountKey != "" {
		return s.history.ByAccount(ctx, accountKey, limit)
	}
	return s.history.Recent(ctx, limit)
}

// Uncharged since 之后曲目已下发但扣费失败的记录，供管理员与 BILL 人工核对
func (s *Service) Uncharged(ctx context.Context, since time.Time) ([]*model.PlayRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.Uncharged(ctx, since)
}
