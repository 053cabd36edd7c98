package statusapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
)

// wantsProtobuf reports whether the client prefers protobuf payloads.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func pick(event *SerializedEvent, useProtobuf bool) []byte {
	if useProtobuf {
		return event.ProtobufData
	}
	return event.JSONData
}

// streamSSE writes first (if non-nil) and then every event from eventCh until
// the channel closes or the client goes away.
func streamSSE(w http.ResponseWriter, r *http.Request, first *SerializedEvent, eventCh <-chan *SerializedEvent, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)

	if first != nil {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", pick(first, useProtobuf)); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAliveTicker := time.NewTicker(keepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", pick(event, useProtobuf)); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-keepAliveTicker.C:
			// Send keepalive comment to prevent timeout
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

func newUpgrader(allowedOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		},
	}
}

// streamWebSocket pushes JSON status messages until the peer disconnects.
func streamWebSocket(conn *websocket.Conn, first *SerializedEvent, eventCh <-chan *SerializedEvent) {
	defer conn.Close()

	// Reader: handles pongs and detects close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msgType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(msgType, data)
	}

	if first != nil {
		if err := write(websocket.TextMessage, first.JSONData); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-eventCh:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := write(websocket.TextMessage, event.JSONData); err != nil {
				logger.Debug("WebSocket", "Client disconnected during write: %v", err)
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
