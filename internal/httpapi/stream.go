package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleNotificationStream upgrades to a websocket and forwards every
// notification lifecycle change until the client goes away.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	buffer := parseBoundedInt(r.URL.Query().Get("buffer"), 64, 1, 4096)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, unsubscribe := s.store.Notifier().Subscribe(buffer)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "notifier closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				s.cfg.Log.V(1).Info("notification stream ended", "error", err.Error())
				return
			}
		}
	}
}
