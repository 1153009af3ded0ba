package server

import (
	"net/http"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handleWebSocket streams events after ?since=N, then live events, as JSON
// text messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindConfiguration, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	backlog, live, unsubscribe := s.bus.Subscribe(since)
	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, since, backlog, live, closed)
	unsubscribe()
}

func (s *Server) writePump(conn *websocket.Conn, since int64, backlog []domain.Event, live <-chan domain.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	last := since
	send := func(event domain.Event) bool {
		if event.Seq <= last {
			return true
		}
		last = event.Seq
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(event) == nil
	}

	for _, event := range backlog {
		if !send(event) {
			return
		}
	}

	for {
		select {
		case event := <-live:
			// Events dropped while this subscriber lagged are still on the bus.
			if event.Seq > last+1 {
				for _, missed := range s.bus.Since(last) {
					if missed.Seq >= event.Seq {
						break
					}
					if !send(missed) {
						return
					}
				}
			}
			if !send(event) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.base.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readPump discards client messages and keeps the pong deadline fresh.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}
