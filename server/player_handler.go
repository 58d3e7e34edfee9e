package server

import (
	"context"
	"net/http"
	"strconv"

	"JukeFM/logger"

	"github.com/gorilla/mux"
)

// VolumeHandler 设置两个后端的音量
func (h *APIHandler) VolumeHandler(w http.ResponseWriter, r *http.Request) {
	percent, err := strconv.Atoi(mux.Vars(r)["percent"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid volume")
		return
	}
	if err := h.svc.SetVolume(r.Context(), percent); err != nil {
		handleError(w, "Volume", err)
		return
	}
	logger.Info("[Volume] 音量已设置",
		logger.String("account", ClaimsFromContext(r.Context()).AccountKey),
		logger.Int("percent", percent))
	writeJSON(w, http.StatusOK, map[string]int{"volume_percent": percent})
}

// PauseHandler 暂停
func (h *APIHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	h.playerCommand(w, r, "Pause", h.svc.Pause)
}

// PlayHandler 恢复播放
func (h *APIHandler) PlayHandler(w http.ResponseWriter, r *http.Request) {
	h.playerCommand(w, r, "Play", h.svc.Resume)
}

// PreviousHandler 上一首
func (h *APIHandler) PreviousHandler(w http.ResponseWriter, r *http.Request) {
	h.playerCommand(w, r, "Previous", h.svc.Previous)
}

func (h *APIHandler) playerCommand(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context) error) {
	if err := fn(r.Context()); err != nil {
		handleError(w, op, err)
		return
	}
	// 播放状态变化后需要重新对账
	h.svc.Reconciler().MarkDirty()
	w.WriteHeader(http.StatusNoContent)
}
