package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingEvery    = 20 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// ServeWS upgrades the request and runs the session over the connection
// until either side goes away. The session is detached, not closed, so the
// client can resume it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, id Identity) {
	s, err := h.Attach(r.Context(), id)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Detach(s)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, conn, s)
		// unblock the reader if the writer gave up first
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); return nil })
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.opts.Log.Debug().Err(err).Str("session", s.ID).Msg("connection lost")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.touch(s)
			s.push(errorMessage(Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)))
			continue
		}
		_ = h.Handle(ctx, s, msg)
	}
	cancel()
	<-done
	h.Detach(s)
}

// writeLoop is the only writer on conn.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	msgs := make(chan Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := s.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case err := <-errc:
			h.opts.Log.Debug().Err(err).Str("session", s.ID).Msg("outbound ended")
			return
		case m := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
