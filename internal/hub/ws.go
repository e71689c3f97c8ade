package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// readLimit bounds inbound frames. Clients have nothing to say in
	// this protocol; the read loop exists only to notice disconnects.
	readLimit = 512
)

// ServeWS returns an http.HandlerFunc that upgrades the request to a
// websocket and streams the hub's envelopes to it until the client
// disconnects or falls behind.
func (h *Hub) ServeWS() http.HandlerFunc {
	upgrader := &websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("hub: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		sub := h.Subscribe()
		slog.Debug("hub: observer connected", "remote", r.RemoteAddr)

		// The read loop only detects disconnect; inbound payloads are
		// discarded.
		done := make(chan struct{})
		go func() {
			defer close(done)
			wc.SetReadLimit(readLimit)
			for {
				if _, _, err := wc.NextReader(); err != nil {
					return
				}
			}
		}()

		h.writeLoop(wc, sub, done)
		h.Unsubscribe(sub)
		_ = wc.Close()
		slog.Debug("hub: observer disconnected", "remote", r.RemoteAddr)
	}
}

// writeLoop pumps envelopes and pings to one observer connection.
// Returns on send error, client disconnect, or subscription close.
func (h *Hub) writeLoop(wc *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-sub.C:
			if !ok {
				// Dropped by the hub or hub shutdown.
				_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = wc.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
