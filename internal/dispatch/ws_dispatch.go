package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/tracking"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession is one connected client watching a ride.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Ping sends a keepalive. The client's pong extends the server read deadline.
func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds client sessions per ride and implements tracking.Publisher.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

var _ tracking.Publisher = (*WSRegistry)(nil)

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{}), logger: logger}
}

func (r *WSRegistry) Add(rideID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[rideID] == nil {
		r.sessions[rideID] = make(map[*WSSession]struct{})
	}
	r.sessions[rideID][s] = struct{}{}
	return s
}

func (r *WSRegistry) Remove(rideID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[rideID], s)
	if len(r.sessions[rideID]) == 0 {
		delete(r.sessions, rideID)
	}
}

// Send writes v to every client of rideID.
func (r *WSRegistry) Send(rideID string, v any) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[rideID]))
	for s := range r.sessions[rideID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			r.logger.Warn("ws send error", "ride_id", rideID, "error", err)
			r.Remove(rideID, s)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *WSRegistry) Publish(v tracking.View) {
	_ = r.Send(v.RideID, v)
}
