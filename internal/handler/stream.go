package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mlmengine/internal/domain"
	"mlmengine/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CycleFeed hands out subscriptions to committed cycle summaries.
type CycleFeed interface {
	Subscribe() (<-chan *domain.CycleSummary, func())
}

// StreamHandler pushes every committed cycle summary to websocket clients.
type StreamHandler struct {
	feed   CycleFeed
	views  Projections
	logger logger.Logger
}

func NewStreamHandler(feed CycleFeed, views Projections, log logger.Logger) *StreamHandler {
	return &StreamHandler{feed: feed, views: views, logger: log}
}

func (h *StreamHandler) Cycles(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	summaries, cancel := h.feed.Subscribe()
	defer cancel()

	h.logger.Info("Cycle stream client connected", map[string]interface{}{"ip": r.RemoteAddr})

	// the read loop only exists to observe pongs and the client going away
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if last := h.views.LastCycle(); last != nil {
		if err := h.send(conn, "cycle_snapshot", last); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case summary, ok := <-summaries:
			if !ok {
				return
			}
			if err := h.send(conn, "cycle_committed", summary); err != nil {
				h.logger.Debug("Cycle stream write failed", map[string]interface{}{"error": err.Error()})
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *StreamHandler) send(conn *websocket.Conn, kind string, summary *domain.CycleSummary) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(map[string]interface{}{
		"type":      kind,
		"timestamp": time.Now().UTC(),
		"cycle":     summary,
	})
}
