package tracking

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Publisher receives every published view.
type Publisher interface {
	Publish(v View)
}

// RideSource lets the manager tick early when a ride changes.
type RideSource interface {
	RideReader
	Subscribe(rideID string, fn func(models.RideRequest)) (unsubscribe func())
}

// Manager owns one Session per active ride.
type Manager struct {
	cfg       Config
	deps      Deps
	rides     RideSource
	publisher Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config, rides RideSource, deps Deps, publisher Publisher) *Manager {
	deps.Rides = rides
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		rides:     rides,
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
}

// Start returns the session for rideID, starting one if needed.
func (m *Manager) Start(rideID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[rideID]; ok {
		return s
	}
	s := NewSession(rideID, m.cfg, m.deps, m.publish)
	m.sessions[rideID] = s
	observability.SessionsActive.Inc()

	unsubscribe := m.rides.Subscribe(rideID, func(models.RideRequest) { s.Nudge() })
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubscribe()
		s.Run(m.ctx)
		m.remove(s)
	}()
	return s
}

func (m *Manager) Get(rideID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[rideID]
	return s, ok
}

// Stop tears down the session for rideID, if any.
func (m *Manager) Stop(rideID string) {
	m.mu.Lock()
	s, ok := m.sessions[rideID]
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close stops every session and waits for their loops to exit.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	for _, s := range m.sessions {
		s.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.RideID()]; ok && cur == s {
		delete(m.sessions, s.RideID())
		observability.SessionsActive.Dec()
	}
}

func (m *Manager) publish(v View) {
	if m.publisher != nil {
		m.publisher.Publish(v)
	}
}
