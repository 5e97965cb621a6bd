package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and serves subscription frames until the
// client goes away. Its subscriptions are released on disconnect.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := L(r.Context())
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	defer ws.Close()

	peer := protocol.NewConn(ws)
	defer func() {
		if err := h.dispatcher.Disconnect(peer); err != nil {
			log.Warn("releasing subscriptions", zap.Error(err))
		}
	}()

	ws.SetReadLimit(maxBody)
	ctx := r.Context()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("ws read error", zap.Error(err))
			}
			return
		}
		h.dispatcher.HandleMessage(ctx, peer, msg)
	}
}
