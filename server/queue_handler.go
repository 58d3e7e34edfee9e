package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"JukeFM/core/jukebox"
	"JukeFM/logger"
	"JukeFM/model"

	"github.com/gorilla/mux"
)

const defaultSearchLimit = 10

// EnqueueRequest 点歌请求体
type EnqueueRequest struct {
	Source string `json:"source"` // local / streaming，兼容 mpd / spotify
	ID     string `json:"id"`     // 本地文件路径，或 Spotify id / URI / 链接
}

// enqueueResponse 点歌结果，扣费失败时带 warning
type enqueueResponse struct {
	*jukebox.EnqueueResult
	Warning string `json:"warning,omitempty"`
}

// EnqueueHandler 点歌
func (h *APIHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	src, err := model.ParseSource(req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	res, err := h.svc.Enqueue(r.Context(), claims.AccountKey, src, strings.TrimSpace(req.ID))
	if err != nil {
		handleError(w, "Enqueue", err)
		return
	}
	if res.ChargeErr != nil {
		logger.Warn("[Enqueue] 已下发但扣费失败",
			logger.String("account", claims.AccountKey),
			logger.String("track", res.Track.ID),
			logger.ErrorField(res.ChargeErr))
	}

	writeJSON(w, http.StatusOK, enqueueResponse{EnqueueResult: res, Warning: res.Warning()})
}

// DeleteHandler 从队列删除曲目
func (h *APIHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	removed := h.svc.Delete(id)
	logger.Info("[Delete] 删除队列曲目",
		logger.String("account", ClaimsFromContext(r.Context()).AccountKey),
		logger.String("track", id),
		logger.Bool("removed", removed))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// QueueHandler 当前队列，读取时会触发一次对账
func (h *APIHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse{Queue: h.svc.Queue(r.Context())})
}

// CurrentHandler 当前播放
func (h *APIHandler) CurrentHandler(w http.ResponseWriter, r *http.Request) {
	np, err := h.svc.NowPlaying(r.Context())
	if err != nil {
		handleError(w, "Current", err)
		return
	}
	writeJSON(w, http.StatusOK, np)
}

// SearchHandler 在指定后端搜索，结果带当前点歌价格
func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, map[string][]jukebox.SearchResult{"results": {}})
		return
	}
	srcParam := r.URL.Query().Get("source")
	if srcParam == "" {
		srcParam = model.SourceStreaming.String()
	}
	src, err := model.ParseSource(srcParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.svc.Search(r.Context(), ClaimsFromContext(r.Context()).AccountKey, src, q, queryInt(r, "limit", defaultSearchLimit))
	if err != nil {
		handleError(w, "Search", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]jukebox.SearchResult{"results": results})
}

// HistoryHandler 点歌记录。普通账户只能看自己的，管理员可查看全部或指定账户
func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	account := claims.AccountKey
	if claims.Admin {
		account = r.URL.Query().Get("account")
	}

	recs, err := h.svc.History(r.Context(), account, queryInt(r, "limit", 50))
	if err != nil {
		logger.Error("[History] 查询点歌记录失败", logger.String("account", account), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if recs == nil {
		recs = []*model.PlayRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": recs})
}

// UnchargedHandler 扣费失败的点歌记录，仅管理员可用。since 为回溯时长，默认 24h
func (h *APIHandler) UnchargedHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if !claims.Admin {
		writeError(w, http.StatusForbidden, "Admin only")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid since")
			return
		}
		window = d
	}

	recs, err := h.svc.Uncharged(r.Context(), time.Now().Add(-window))
	if err != nil {
		logger.Error("[Uncharged] 查询扣费失败记录失败", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if recs == nil {
		recs = []*model.PlayRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": recs})
}
