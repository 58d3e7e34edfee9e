package jukebox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"JukeFM/core/backend"
	"JukeFM/core/ledger"
	"JukeFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger 内存账本
type fakeLedger struct {
	mu         sync.Mutex
	balances   map[string]int
	checkErr   error
	consumeErr error
	consumed   []int
	sessions   int
}

func newFakeLedger(balances map[string]int) *fakeLedger {
	return &fakeLedger{balances: balances}
}

func (l *fakeLedger) Identify(_ context.Context, code string) (*ledger.Account, error) {
	key, _, err := ledger.ParseCode(code)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[key]; !ok {
		return nil, ledger.ErrInvalidCode
	}
	return &ledger.Account{Key: key, Name: "User " + key}, nil
}

func (l *fakeLedger) Balance(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key], nil
}

func (l *fakeLedger) Check(ctx context.Context, key string, cost int) (bool, error) {
	if l.checkErr != nil {
		return false, l.checkErr
	}
	credits, _ := l.Balance(ctx, key)
	return credits-cost >= 0, nil
}

func (l *fakeLedger) Consume(_ context.Context, key string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed = append(l.consumed, cost)
	if l.consumeErr != nil {
		return l.consumeErr
	}
	l.balances[key] -= cost
	return nil
}

func (l *fakeLedger) Session(string) func() {
	l.mu.Lock()
	l.sessions++
	l.mu.Unlock()
	return func() {}
}

// memHistory 内存点歌记录
type memHistory struct {
	mu      sync.Mutex
	records []*model.PlayRecord
}

func (h *memHistory) Create(_ context.Context, rec *model.PlayRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *memHistory) Recent(_ context.Context, limit int) ([]*model.PlayRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit > len(h.records) {
		limit = len(h.records)
	}
	return h.records[:limit], nil
}

func (h *memHistory) ByAccount(_ context.Context, key string, limit int) ([]*model.PlayRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*model.PlayRecord
	for _, r := range h.records {
		if r.AccountKey == key && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *memHistory) Uncharged(_ context.Context, since time.Time) ([]*model.PlayRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*model.PlayRecord
	for _, r := range h.records {
		if !r.Charged && r.Cost > 0 && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// memCache 内存曲目缓存
type memCache struct {
	tracks map[string]*model.Track
	sets   int
}

func (c *memCache) GetTrack(_ context.Context, _ model.Source, ref string) (*model.Track, error) {
	return c.tracks[ref], nil
}

func (c *memCache) SetTrack(_ context.Context, ref string, t *model.Track) error {
	c.tracks[ref] = t
	c.sets++
	return nil
}

type serviceFixture struct {
	*fixture
	ledger  *fakeLedger
	history *memHistory
	svc     *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := newFixture(t)
	f.local.AddTrack(&model.Track{ID: "rock/short.mp3", Source: model.SourceLocal, Duration: 120, Name: "short.mp3"})
	f.local.AddTrack(&model.Track{ID: "rock/long.mp3", Source: model.SourceLocal, Duration: 300, Name: "long.mp3"})
	f.streaming.AddTrack(&model.Track{ID: "sp1", Source: model.SourceStreaming, Duration: 200, Name: "Song"})

	l := newFakeLedger(map[string]int{"1234": 5, "0001": 0, "9999": 0})
	h := &memHistory{}
	svc := NewService(f.rec, ServiceConfig{
		Ledger:  l,
		Costs:   ledger.CostPolicy{LongTrackSeconds: 300},
		IsAdmin: func(key string) bool { return key == "9999" },
		History: h,
		NowFunc: func() time.Time { return time.Unix(1700000000, 0) },
	})
	return &serviceFixture{fixture: f, ledger: l, history: h, svc: svc}
}

func TestEnqueue_IdleEmptyQueueStartsImmediately(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.Enqueue(context.Background(), "1234", model.SourceLocal, "rock/short.mp3")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Immediate)
	assert.Equal(t, 0, res.Cost, "first track of a session is free")
	assert.Equal(t, []string{"play rock/short.mp3"}, f.local.Commands())
	assert.Equal(t, 5, f.ledger.balances["1234"])

	// 占位条目已调度，对账不会再次下发；后端开始播放后被裁剪
	require.Equal(t, []string{"rock/short.mp3"}, f.ids())
	assert.True(t, f.head().Scheduled)
	f.later()
	assert.Equal(t, []string{"play rock/short.mp3"}, f.local.Commands())

	f.local.Playing("rock/short.mp3", 2, 120)
	f.later()
	assert.Empty(t, f.ids())
	assert.Equal(t, []string{"play rock/short.mp3"}, f.local.Commands())
}

// gatedLedger 让前 n 次余额检查互相等待，模拟两个点歌请求同时在等账本
type gatedLedger struct {
	*fakeLedger
	mu    sync.Mutex
	n     int
	gate  sync.WaitGroup
	calls int
}

func newGatedLedger(l *fakeLedger, n int) *gatedLedger {
	g := &gatedLedger{fakeLedger: l, n: n}
	g.gate.Add(n)
	return g
}

func (g *gatedLedger) Check(ctx context.Context, key string, cost int) (bool, error) {
	g.mu.Lock()
	g.calls++
	wait := g.calls <= g.n
	g.mu.Unlock()
	if wait {
		g.gate.Done()
		g.gate.Wait()
	}
	return g.fakeLedger.Check(ctx, key, cost)
}

func TestEnqueue_ConcurrentIdleStartsOnlyOne(t *testing.T) {
	f := newServiceFixture(t)
	f.ledger.balances["5678"] = 5
	gl := newGatedLedger(f.ledger, 2)
	f.svc.ledger = gl

	var wg sync.WaitGroup
	results := make([]*EnqueueResult, 2)
	errs := make([]error, 2)
	reqs := []struct {
		account string
		src     model.Source
		ref     string
	}{
		{"1234", model.SourceLocal, "rock/short.mp3"},
		{"5678", model.SourceStreaming, "sp1"},
	}
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, account string, src model.Source, ref string) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Enqueue(context.Background(), account, src, ref)
		}(i, req.account, req.src, req.ref)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	immediate := 0
	for _, res := range results {
		if res.Immediate {
			immediate++
			assert.Equal(t, 0, res.Cost)
		} else {
			assert.Equal(t, 1, res.Cost, "second request sees a non-empty queue and pays")
		}
	}
	assert.Equal(t, 1, immediate)

	started := len(f.local.Commands()) + len(f.streaming.Commands())
	assert.Equal(t, 1, started, "only one backend may be started")
	assert.Len(t, f.ids(), 2)
	assert.Equal(t, 3, gl.calls, "the request that lost the race re-checks at the new price")
}

func TestEnqueue_WhilePlayingAppendsAndCharges(t *testing.T) {
	f := newServiceFixture(t)
	f.local.Playing("other.mp3", 10, 200)

	// 队列为空时首首免费
	res, err := f.svc.Enqueue(context.Background(), "1234", model.SourceLocal, "rock/long.mp3")
	require.NoError(t, err)
	assert.False(t, res.Immediate)
	assert.Equal(t, 0, res.Cost)

	res, err = f.svc.Enqueue(context.Background(), "1234", model.SourceLocal, "rock/long.mp3")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cost)

	res, err = f.svc.Enqueue(context.Background(), "1234", model.SourceStreaming, "sp1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cost)

	assert.Equal(t, []string{"rock/long.mp3", "rock/long.mp3", "sp1"}, f.ids())
	assert.Empty(t, f.local.Commands())
	assert.Empty(t, f.streaming.Commands())
	assert.Equal(t, 2, f.ledger.balances["1234"])

	dirty, dormant := f.rec.status()
	assert.True(t, dirty)
	assert.False(t, dormant)

	for _, tr := range f.rec.Snapshot() {
		assert.Equal(t, "1234", tr.AddedBy)
		assert.False(t, tr.Scheduled)
	}
}

func TestEnqueue_InsufficientCreditLeavesQueueUntouched(t *testing.T) {
	f := newServiceFixture(t)
	f.local.Playing("other.mp3", 10, 200)
	f.rec.mu.Lock()
	f.queue.Append(local("queued"))
	f.rec.mu.Unlock()

	_, err := f.svc.Enqueue(context.Background(), "0001", model.SourceLocal, "rock/short.mp3")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
	assert.Equal(t, []string{"queued"}, f.ids())
	assert.Empty(t, f.ledger.consumed)
	assert.Empty(t, f.history.records)
}

func TestEnqueue_AdminIsFree(t *testing.T) {
	f := newServiceFixture(t)
	f.local.Playing("other.mp3", 10, 200)
	f.rec.mu.Lock()
	f.queue.Append(local("queued"))
	f.rec.mu.Unlock()

	res, err := f.svc.Enqueue(context.Background(), "9999", model.SourceLocal, "rock/long.mp3")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cost)
}

func TestEnqueue_LedgerUnreachableDenies(t *testing.T) {
	f := newServiceFixture(t)
	f.ledger.checkErr = ledger.ErrLedgerUnreachable

	_, err := f.svc.Enqueue(context.Background(), "1234", model.SourceLocal, "rock/short.mp3")
	assert.ErrorIs(t, err, ledger.ErrLedgerUnreachable)
	assert.Empty(t, f.local.Commands())
}

func TestEnqueue_ChargeFailureKeepsDispatch(t *testing.T) {
	f := newServiceFixture(t)
	f.local.Playing("other.mp3", 10, 200)
	f.rec.mu.Lock()
	f.queue.Append(local("queued"))
	f.rec.mu.Unlock()
	f.ledger.consumeErr = ledger.ErrChargeFailed

	res, err := f.svc.Enqueue(context.Background(), "1234", model.SourceLocal, "rock/short.mp3")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.ErrorIs(t, res.ChargeErr, ledger.ErrChargeFailed)
	assert.Equal(t, ledger.ErrChargeFailed.Error(), res.Warning())
	assert.Equal(t, []string{"queued", "rock/short.mp3"}, f.ids())

	require.Len(t, f.history.records, 1)
	assert.False(t, f.history.records[0].Charged)
	assert.Equal(t, 1, f.history.records[0].Cost)

	uncharged, err := f.svc.Uncharged(context.Background(), time.Unix(1700000000, 0).Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, uncharged, 1)
	assert.Equal(t, "rock/short.mp3", uncharged[0].TrackID)
}

func TestEnqueue_BackendUnavailablePropagates(t *testing.T) {
	f := newServiceFixture(t)
	f.streaming.Err = backend.Unavailable(model.SourceStreaming, "播放失败：Spotify 账号正在其他设备上使用：phone")

	_, err := f.svc.Enqueue(context.Background(), "1234", model.SourceStreaming, "sp1")
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Contains(t, err.Error(), "phone")
	assert.Empty(t, f.ledger.consumed)
	assert.Empty(t, f.ids(), "failed start releases its queue slot")
	assert.Empty(t, f.history.records)
}

func TestEnqueue_UnknownTrack(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Enqueue(context.Background(), "1234", model.SourceLocal, "missing.mp3")
	assert.ErrorIs(t, err, backend.ErrTrackNotFound)
	assert.Empty(t, f.ledger.consumed)
}

func TestEnqueue_RecordsHistory(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Enqueue(context.Background(), "1234", model.SourceStreaming, "sp1")
	require.NoError(t, err)

	recs, err := f.svc.History(context.Background(), "1234", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "sp1", recs[0].TrackID)
	assert.Equal(t, "streaming", recs[0].Source)
	assert.True(t, recs[0].Immediate)
	assert.True(t, recs[0].Charged)
}

func TestEnqueue_UsesCache(t *testing.T) {
	f := newServiceFixture(t)
	c := &memCache{tracks: map[string]*model.Track{}}
	f.svc.cache = c

	_, err := f.svc.Lookup(context.Background(), model.SourceStreaming, "sp1")
	require.NoError(t, err)
	_, err = f.svc.Lookup(context.Background(), model.SourceStreaming, "sp1")
	require.NoError(t, err)

	assert.Equal(t, 1, c.sets)
	lookups := 0
	for _, call := range f.streaming.Calls() {
		if call == "lookup sp1" {
			lookups++
		}
	}
	assert.Equal(t, 1, lookups)
}

func TestDelete(t *testing.T) {
	f := newServiceFixture(t)
	f.rec.mu.Lock()
	f.queue.Append(local("a"))
	f.queue.Append(local("b"))
	f.rec.mu.Unlock()

	assert.True(t, f.svc.Delete("a"))
	assert.False(t, f.svc.Delete("a"))
	assert.Equal(t, []string{"b"}, f.ids())

	dirty, _ := f.rec.status()
	assert.True(t, dirty)
}

func TestQueue_TriggersReconcile(t *testing.T) {
	f := newServiceFixture(t)
	f.rec.mu.Lock()
	f.queue.Append(local("a"))
	f.queue.Append(local("b"))
	f.rec.mu.Unlock()
	f.local.Playing("a", 10, 200)

	views := f.svc.Queue(context.Background())
	require.Len(t, views, 1)
	assert.Equal(t, "b", views[0].ID)
}

func TestNowPlaying_LocalShape(t *testing.T) {
	f := newServiceFixture(t)
	f.local.SetStatus(backend.Status{
		Playing: true, OnTarget: true, TrackID: "rock/short.mp3", Name: "short.mp3",
		Elapsed: 1.5, Duration: 120, Volume: 50, DeviceName: "jukebox",
		Images: backend.PlaceholderImages("static"),
	})

	np, err := f.svc.NowPlaying(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SourceLocal, np.Source)
	assert.Equal(t, int64(1500), np.ProgressMs)
	assert.Equal(t, int64(120000), np.Item.DurationMs)
	assert.Equal(t, []model.ArtistView{{Name: ""}}, np.Item.Artists)
	require.Len(t, np.Item.Album.Images, 3)
	assert.Equal(t, "static/mp3_icon_64.png", np.Item.Album.Images[2].URL)
	assert.Equal(t, model.DeviceView{Name: "jukebox", IsActive: true, VolumePercent: 50}, np.Device)
}

func TestNowPlaying_Streaming(t *testing.T) {
	f := newServiceFixture(t)
	f.streaming.SetStatus(backend.Status{Playing: true, OnTarget: true, TrackID: "sp1", Artists: []string{"A"}, Duration: 200})

	np, err := f.svc.NowPlaying(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SourceStreaming, np.Source)
	assert.Equal(t, "sp1", np.Item.ID)
	assert.Equal(t, []model.ArtistView{{Name: "A"}}, np.Item.Artists)
}

func TestNowPlaying_Nothing(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.NowPlaying(context.Background())
	assert.ErrorIs(t, err, ErrNothingPlaying)
}

func TestSetVolume(t *testing.T) {
	f := newServiceFixture(t)

	require.NoError(t, f.svc.SetVolume(context.Background(), 60))
	assert.Equal(t, []string{"volume 60"}, f.local.Commands())
	assert.Equal(t, []string{"volume 60"}, f.streaming.Commands())

	assert.ErrorIs(t, f.svc.SetVolume(context.Background(), 101), ErrInvalidVolume)
	assert.ErrorIs(t, f.svc.SetVolume(context.Background(), -1), ErrInvalidVolume)

	f.streaming.Err = errors.New("spotify down")
	err := f.svc.SetVolume(context.Background(), 10)
	assert.Error(t, err)
	assert.Contains(t, f.local.Commands(), "volume 10", "local volume is still applied")
}

func TestPlaybackControls(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Pause(ctx))
	require.NoError(t, f.svc.Resume(ctx))
	require.NoError(t, f.svc.Previous(ctx))
	assert.Equal(t, []string{"pause", "resume", "previous"}, f.streaming.Commands())
}

func TestLogin(t *testing.T) {
	f := newServiceFixture(t)

	acc, admin, err := f.svc.Login(context.Background(), " 12345678 ")
	require.NoError(t, err)
	assert.Equal(t, "1234", acc.Key)
	assert.False(t, admin)

	_, admin, err = f.svc.Login(context.Background(), "99990000")
	require.NoError(t, err)
	assert.True(t, admin)

	_, _, err = f.svc.Login(context.Background(), "55550000")
	assert.ErrorIs(t, err, ledger.ErrInvalidCode)
}

func TestSearch_AnnotatesCost(t *testing.T) {
	f := newServiceFixture(t)
	f.rec.mu.Lock()
	f.queue.Append(local("queued"))
	f.rec.mu.Unlock()

	results, err := f.svc.Search(context.Background(), "1234", model.SourceStreaming, "song", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sp1", results[0].Track.ID)
	assert.Equal(t, 1, results[0].Credits)
}
