package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsBuffer     = 64
	eventsPingPeriod = 30 * time.Second
	eventsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Operator tooling connects from anywhere; the bearer token is the
	// access control.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events as JSON websocket frames until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !compareTokens(token, s.opts.EventsToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(eventsBuffer)
	defer s.events.Unsubscribe(ch)
	s.logger.Info("event stream connected", "remote", r.RemoteAddr, "subscribers", s.events.SubscriberCount())

	// The client never sends anything meaningful; reading detects the
	// close and keeps pong handling running.
	extend := func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * eventsPingPeriod))
	}
	_ = extend("")
	conn.SetPongHandler(extend)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info("event stream disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
