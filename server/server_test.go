package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"JukeFM/config"
	"JukeFM/core/auth"
	"JukeFM/core/backend"
	"JukeFM/core/hub"
	"JukeFM/core/jukebox"
	"JukeFM/core/ledger"
	"JukeFM/core/queue"
	"JukeFM/core/scheduler"
	"JukeFM/model"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger 内存账本
type fakeLedger struct {
	mu         sync.Mutex
	balances   map[string]int
	consumeErr error
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
	credits, _ := l.Balance(ctx, key)
	return credits-cost >= 0, nil
}

func (l *fakeLedger) Consume(_ context.Context, key string, cost int) error {
	if cost == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumeErr != nil {
		return l.consumeErr
	}
	l.balances[key] -= cost
	return nil
}

func (l *fakeLedger) Session(string) func() { return func() {} }

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

func (h *memHistory) Recent(_ context.Context, _ int) ([]*model.PlayRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*model.PlayRecord(nil), h.records...), nil
}

func (h *memHistory) ByAccount(_ context.Context, key string, _ int) ([]*model.PlayRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*model.PlayRecord
	for _, r := range h.records {
		if r.AccountKey == key {
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

type testServer struct {
	router    *mux.Router
	handler   *APIHandler
	local     *backend.Mock
	streaming *backend.Mock
	ledger    *fakeLedger
	tokens    *auth.TokenIssuer
	hub       *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	local := backend.NewMock(model.SourceLocal)
	streaming := backend.NewMock(model.SourceStreaming)
	local.AddTrack(&model.Track{ID: "rock/a.mp3", Source: model.SourceLocal, Duration: 120, Name: "a.mp3"})
	local.AddTrack(&model.Track{ID: "rock/b.mp3", Source: model.SourceLocal, Duration: 320, Name: "b.mp3"})
	streaming.AddTrack(&model.Track{ID: "sp1", Source: model.SourceStreaming, Duration: 200, Name: "Song"})

	clk := clock.NewMock()
	sched := scheduler.New(clk)
	t.Cleanup(sched.Stop)
	rec := jukebox.NewReconciler(local, streaming, queue.New(), sched, clk, jukebox.Options{})

	cfg := &config.Config{PlaybackDeviceName: "jukebox", AdminAccounts: []string{"9999"}}
	l := &fakeLedger{balances: map[string]int{"1234": 5, "0001": 0, "9999": 0}}
	svc := jukebox.NewService(rec, jukebox.ServiceConfig{
		Ledger:  l,
		Costs:   ledger.CostPolicy{LongTrackSeconds: 300},
		IsAdmin: cfg.IsAdmin,
		History: &memHistory{},
	})

	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	h := hub.NewHub()
	go h.Run()
	t.Cleanup(h.Stop)

	api := NewAPIHandler(svc, h, tokens, cfg)
	rec.OnChange(api.BroadcastQueue)

	return &testServer{
		router:    NewRouter(api),
		handler:   api,
		local:     local,
		streaming: streaming,
		ledger:    l,
		tokens:    tokens,
		hub:       h,
	}
}

func (s *testServer) token(t *testing.T, key string) string {
	t.Helper()
	tok, err := s.tokens.GenerateToken(key, "User "+key, key == "9999")
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/api/login", "", LoginRequest{Code: "12345678"})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)

	claims, err := s.tokens.ParseToken(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "1234", claims.AccountKey)
	assert.False(t, claims.Admin)
}

func TestLoginInvalidCode(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/api/login", "", LoginRequest{Code: "12ab"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, "POST", "/api/login", "", LoginRequest{Code: "77771111"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMe(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/api/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/api/me", "garbage", nil).Code)

	rr := s.do(t, "GET", "/api/me", s.token(t, "1234"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "1234", body["key"])
	assert.Equal(t, float64(5), body["credits"])
	assert.Equal(t, "jukebox", body["device"])
}

func TestEnqueueIdleStartsPlayback(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/api/queue", s.token(t, "1234"), EnqueueRequest{Source: "mpd", ID: "rock/a.mp3"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, true, body["immediate"])
	assert.Equal(t, float64(0), body["cost"])
	assert.NotContains(t, body, "warning")
	assert.Equal(t, []string{"play rock/a.mp3"}, s.local.Commands())
}

func TestEnqueueRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/api/queue", "", EnqueueRequest{Source: "local", ID: "rock/a.mp3"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, s.local.Commands())
}

func TestEnqueueBadRequest(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "1234")

	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "vinyl", ID: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "local"}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "local", ID: "nope.mp3"}).Code)
}

func TestEnqueueInsufficientCredit(t *testing.T) {
	s := newTestServer(t)
	s.local.Playing("rock/a.mp3", 10, 120)

	rr := s.do(t, "POST", "/api/queue", s.token(t, "1234"), EnqueueRequest{Source: "local", ID: "rock/b.mp3"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, "POST", "/api/queue", s.token(t, "0001"), EnqueueRequest{Source: "local", ID: "rock/a.mp3"})
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, ledger.ErrInsufficientCredit.Error(), decode(t, rr)["error"])
}

func TestEnqueueChargeFailureIsWarning(t *testing.T) {
	s := newTestServer(t)
	s.local.Playing("rock/a.mp3", 10, 120)
	s.ledger.consumeErr = ledger.ErrChargeFailed

	tok := s.token(t, "1234")
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "local", ID: "rock/b.mp3"}).Code)

	rr := s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "spotify", ID: "sp1"})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, ledger.ErrChargeFailed.Error(), body["warning"])
}

func TestEnqueueDeviceUnavailable(t *testing.T) {
	s := newTestServer(t)
	reason := "播放失败：Spotify 账号正在其他设备上使用：Phone"
	s.streaming.Err = backend.Unavailable(model.SourceStreaming, "%s", reason)

	rr := s.do(t, "POST", "/api/queue", s.token(t, "1234"), EnqueueRequest{Source: "streaming", ID: "sp1"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, reason, decode(t, rr)["error"])
}

func TestQueueAndDelete(t *testing.T) {
	s := newTestServer(t)
	s.local.Playing("rock/a.mp3", 10, 120)
	tok := s.token(t, "1234")
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "local", ID: "rock/b.mp3"}).Code)

	rr := s.do(t, "GET", "/api/queue", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var q queueResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &q))
	require.Len(t, q.Queue, 1)
	assert.Equal(t, "rock/b.mp3", q.Queue[0].ID)
	assert.Equal(t, "1234", q.Queue[0].AddedBy)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, "DELETE", "/api/queue/rock/b.mp3", "", nil).Code)

	rr = s.do(t, "DELETE", "/api/queue/rock/b.mp3", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["removed"])

	rr = s.do(t, "DELETE", "/api/queue/rock/b.mp3", tok, nil)
	assert.Equal(t, false, decode(t, rr)["removed"])
}

func TestCurrent(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "GET", "/api/current", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, jukebox.ErrNothingPlaying.Error(), decode(t, rr)["error"])

	s.local.Playing("rock/a.mp3", 1.5, 120)
	rr = s.do(t, "GET", "/api/current", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["is_playing"])
	assert.Equal(t, float64(1500), body["progress_ms"])
	item := body["item"].(map[string]interface{})
	assert.Equal(t, "rock/a.mp3", item["id"])
	assert.Equal(t, float64(120000), item["duration_ms"])
}

func TestVolume(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "1234")

	rr := s.do(t, "PUT", "/api/volume/40", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"volume 40"}, s.local.Commands())
	assert.Equal(t, []string{"volume 40"}, s.streaming.Commands())

	assert.Equal(t, http.StatusBadRequest, s.do(t, "PUT", "/api/volume/150", tok, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "PUT", "/api/volume/loud", tok, nil).Code)
}

func TestPlayerControls(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "1234")

	assert.Equal(t, http.StatusNoContent, s.do(t, "POST", "/api/pause", tok, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, "POST", "/api/play", tok, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, "POST", "/api/previous", tok, nil).Code)
	assert.Equal(t, []string{"pause", "resume", "previous"}, s.streaming.Commands())
	assert.Empty(t, s.local.Commands())

	s.streaming.Err = backend.Unavailable(model.SourceStreaming, "jukebox 未登录 Spotify")
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, "POST", "/api/pause", tok, nil).Code)
}

func TestSearch(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "GET", "/api/search?source=streaming&q=song", s.token(t, "1234"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Results []jukebox.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "sp1", body.Results[0].Track.ID)
	assert.Equal(t, 0, body.Results[0].Credits)
}

func TestHistoryScopedToAccount(t *testing.T) {
	s := newTestServer(t)
	s.local.Playing("rock/a.mp3", 10, 120)
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/queue", s.token(t, "1234"), EnqueueRequest{Source: "local", ID: "rock/b.mp3"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/queue", s.token(t, "9999"), EnqueueRequest{Source: "local", ID: "rock/a.mp3"}).Code)

	var body struct {
		History []*model.PlayRecord `json:"history"`
	}
	rr := s.do(t, "GET", "/api/history", s.token(t, "0001"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body.History)

	rr = s.do(t, "GET", "/api/history", s.token(t, "9999"), nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.History, 2)
}

func TestUnchargedHistoryAdminOnly(t *testing.T) {
	s := newTestServer(t)
	s.local.Playing("rock/a.mp3", 10, 120)
	tok := s.token(t, "1234")
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "local", ID: "rock/b.mp3"}).Code)
	s.ledger.consumeErr = ledger.ErrChargeFailed
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/queue", tok, EnqueueRequest{Source: "streaming", ID: "sp1"}).Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, "GET", "/api/history/uncharged", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/api/history/uncharged?since=yesterday", s.token(t, "9999"), nil).Code)

	rr := s.do(t, "GET", "/api/history/uncharged?since=1h", s.token(t, "9999"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		History []*model.PlayRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	assert.Equal(t, "sp1", body.History[0].TrackID)
	assert.False(t, body.History[0].Charged)
}

func TestQueueBusyIsUnavailable(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(jukebox.ErrQueueBusy))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "OPTIONS", "/api/queue", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestQueueWebsocketPush(t *testing.T) {
	s := newTestServer(t)
	s.local.Playing("rock/a.mp3", 10, 120)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/queue?token="+s.token(t, "1234"), nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() queueResponse {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg hub.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, hub.MsgTypeQueue, msg.Type)
		var q queueResponse
		require.NoError(t, json.Unmarshal(msg.Data, &q))
		return q
	}

	assert.Empty(t, read().Queue)
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	rr := s.do(t, "POST", "/api/queue", s.token(t, "1234"), EnqueueRequest{Source: "local", ID: "rock/b.mp3"})
	require.Equal(t, http.StatusOK, rr.Code)

	q := read()
	require.Len(t, q.Queue, 1)
	assert.Equal(t, "rock/b.mp3", q.Queue[0].ID)
}
