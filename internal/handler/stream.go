package handler

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: checkOrigin,
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// checkOrigin applies the same CORS_ALLOWED_ORIGINS list as the CORS
// middleware. With no list configured any origin is accepted.
func checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	origin := r.Header.Get("Origin")
	if allowed == "" || origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

type streamMessage struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Tip       string         `json:"tip,omitempty"`
	Event     *eventResponse `json:"event,omitempty"`
}

// Stream pushes a debt_recorded message for every IOU the engine observes.
// The first message is a snapshot marker carrying the current tip.
func (h *IOUHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ctx := r.Context()
	clientID := uuid.NewString()
	events := h.service.Watch(ctx)

	h.logger.Info("WebSocket client connected", map[string]interface{}{
		"client_id": clientID,
		"watchers":  h.service.Watchers(),
	})
	defer h.logger.Info("WebSocket client disconnected", map[string]interface{}{"client_id": clientID})

	// The reader only handles control frames; it ends when the peer goes away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
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

	send := func(msg streamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := send(streamMessage{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Tip:       h.service.Snapshot().Tip().String(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			resp := h.toEventResponse(ev)
			if err := send(streamMessage{
				Type:      "debt_recorded",
				Timestamp: time.Now().UTC(),
				Tip:       ev.BlockID.String(),
				Event:     &resp,
			}); err != nil {
				h.logger.Warn("Failed to push debt event", map[string]interface{}{
					"client_id": clientID,
					"error":     err.Error(),
				})
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
