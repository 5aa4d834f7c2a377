package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zswflasher/internal/events"
)

const (
	eventBuffer = 256
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

// HandleEvents upgrades to a WebSocket and streams every session event as a
// JSON text message. The subscription starts before the handshake so no
// event after it is missed. A client that cannot keep up is disconnected.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	queue := make(chan events.Event, eventBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := s.session.Subscribe(func(ev events.Event) {
		select {
		case queue <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream opened")
	defer s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream closed")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("event write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-overflow:
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("event stream client too slow")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		}
	}
}
