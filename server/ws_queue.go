package server

import (
	"net/http"

	"JukeFM/core/hub"
	"JukeFM/logger"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// QueueWSHandler 队列推送。连接后立即收到一次队列快照，之后每次队列变化都会推送。
// 令牌可选，只用于日志
func (h *APIHandler) QueueWSHandler(w http.ResponseWriter, r *http.Request) {
	account := ""
	if token := bearerToken(r); token != "" {
		if claims, err := h.tokens.ParseToken(token); err == nil {
			account = claims.AccountKey
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket", logger.String("account", account), logger.ErrorField(err))
		return
	}

	client := h.hub.NewClient(conn, account)
	h.hub.Register(client)

	if msg, err := hub.NewMessage(hub.MsgTypeQueue, queueResponse{Queue: h.svc.Reconciler().Views()}); err == nil {
		client.SendMessage(msg)
	}

	go client.WritePump()
	client.ReadPump(r.Context())
}
