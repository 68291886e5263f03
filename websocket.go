package foscam

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

// upgrader returns the relay's WebSocket upgrader. Without allowed origins, gorilla's same-origin check applies.
func (r *Relay) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	if len(r.origins) > 0 {
		u.CheckOrigin = r.checkOrigin
	}
	return u
}

// checkOrigin accepts requests without an Origin header, from the relay's own host, or from an allowed origin.
func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, req.Host) {
		return true
	}
	for _, allowed := range r.origins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

// WebSocketHandler upgrades the request to a WebSocket and sends every frame as one binary message.
func (r *Relay) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader().Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		r.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	viewer, err := r.Start()
	if err != nil {
		r.log.Errorw("Failed to start camera", "error", err)
		closeWebSocket(conn, websocket.CloseInternalServerErr, "camera unavailable")
		return
	}
	defer viewer.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// Nothing is expected from the client, but reading is needed to process control frames and notice it going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	limiter := r.limiter()

	for {
		img, err := viewer.GetFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrNoFrames) {
				closeWebSocket(conn, websocket.CloseGoingAway, "camera stream ended")
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, img); err != nil {
			r.log.Debugw("WebSocket write failed", "viewer", viewer.ID(), "error", err)
			return
		}
	}
}

func closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
