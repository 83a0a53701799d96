package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	wsPongWait = 60 * time.Second
	// pings must go out well inside the pong wait
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleWS streams tracking views for one ride until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.participant(w, r, true, true)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "ride_id", ride.ID, "error", err)
		return
	}
	defer conn.Close()

	sess := s.deps.WSReg.Add(ride.ID, conn)
	defer s.deps.WSReg.Remove(ride.ID, sess)

	if ts, ok := s.deps.Sessions.Get(ride.ID); ok {
		if v, ok := ts.View(); ok {
			if err := sess.Send(v); err != nil {
				return
			}
		}
	}

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(sess, ride.ID, done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	// clients only send pings and close frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	}
}

func (s *Server) keepalive(sess *dispatch.WSSession, rideID string, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sess.Ping(); err != nil {
				s.logger.Debug("websocket ping failed", "ride_id", rideID, "error", err)
				return
			}
		}
	}
}
