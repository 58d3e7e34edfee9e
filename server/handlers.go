package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"JukeFM/config"
	"JukeFM/core/auth"
	"JukeFM/core/backend"
	"JukeFM/core/hub"
	"JukeFM/core/jukebox"
	"JukeFM/core/ledger"
	"JukeFM/logger"
	"JukeFM/model"
)

// APIHandler 处理所有API请求
type APIHandler struct {
	svc    *jukebox.Service
	hub    *hub.Hub
	tokens *auth.TokenIssuer
	cfg    *config.Config
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(svc *jukebox.Service, h *hub.Hub, tokens *auth.TokenIssuer, cfg *config.Config) *APIHandler {
	return &APIHandler{
		svc:    svc,
		hub:    h,
		tokens: tokens,
		cfg:    cfg,
	}
}

// errorResponse 统一的错误响应
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidCode), errors.Is(err, ledger.ErrInvalidAccountKey):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrLedgerUnreachable), errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, jukebox.ErrQueueBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrTrackNotFound), errors.Is(err, jukebox.ErrNothingPlaying):
		return http.StatusNotFound
	case errors.Is(err, jukebox.ErrInvalidVolume), errors.Is(err, jukebox.ErrSearchUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// handleError 记录并返回错误。不可用错误的原因原样返回给用户
func handleError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("["+op+"] 请求失败", logger.Int("status", status), logger.ErrorField(err))
	} else {
		logger.Debug("["+op+"] 请求被拒绝", logger.Int("status", status), logger.ErrorField(err))
	}

	msg := err.Error()
	var unavailable *backend.UnavailableError
	if errors.As(err, &unavailable) {
		msg = unavailable.Reason
	}
	writeError(w, status, msg)
}

// queueResponse 队列视图
type queueResponse struct {
	Queue []model.TrackView `json:"queue"`
}

// BroadcastQueue 把当前队列推送给所有 websocket 客户端，作为对账器的变更回调
func (h *APIHandler) BroadcastQueue() {
	if h.hub == nil {
		return
	}
	msg, err := hub.NewMessage(hub.MsgTypeQueue, queueResponse{Queue: h.svc.Reconciler().Views()})
	if err != nil {
		logger.Warn("编码队列消息失败", logger.ErrorField(err))
		return
	}
	if err := h.hub.Broadcast(msg); err != nil {
		logger.Warn("广播队列失败", logger.ErrorField(err))
	}
}

// queryInt 读取整数查询参数，缺省或非法时返回 fallback
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
