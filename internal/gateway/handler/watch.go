package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nnunetserver/internal/gateway/service/prediction"
)

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPingEvery = (watchPongWait * 9) / 10
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type watchOutbound struct {
	Type string           `json:"type"`
	Item *prediction.Item `json:"item,omitempty"`
}

// Watch upgrades to a websocket and pushes the request item whenever its
// status changes, closing normally once it is completed or failed.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := h.svc.Watch(ctx, datasetID, reqID, h.opts.WatchInterval)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	logger := zerolog.Ctx(r.Context())

	if err := conn.SetReadDeadline(time.Now().Add(watchPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	// inbound messages are ignored; reading only detects the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-updates:
			if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"))
				return
			}
			if err := conn.WriteJSON(watchOutbound{Type: "status", Item: &item}); err != nil {
				logger.Debug().Err(err).Str("req_id", reqID).Msg("watch write failed")
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
