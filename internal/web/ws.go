package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleWebsocket handles GET /ws. It sends the current state, then every
// status event as a JSON text message. A client "ping" text message is
// answered with "pong".
func (h *Handlers) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(errors.Wrap(err, "websocket upgrade"))
		return
	}
	defer conn.Close()

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Reads happen on their own goroutine; all writes stay on this one.
	pings := make(chan struct{}, 1)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.TrimSpace(string(msg)) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	if h.Camera != nil {
		hello := StatusEvent{
			Time:  time.Now().Format(time.RFC3339),
			Level: "info",
			Event: EventState,
			Msg:   h.Camera.State().String(),
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(hello); err != nil {
			return
		}
	}

	for {
		var err error
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		case <-gone:
			return
		}
		if err != nil {
			debug.Verbose("web: websocket client dropped: %v", err)
			return
		}
	}
}
