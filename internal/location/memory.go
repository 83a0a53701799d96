package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type subscriber struct {
	id      uint64
	actorID string
	fn      func(models.ActorState)
}

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	actors map[string]models.ActorState
	now    func() time.Time

	subMu   sync.RWMutex
	subs    map[uint64]subscriber
	nextSub uint64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors: make(map[string]models.ActorState),
		now:    time.Now,
		subs:   make(map[uint64]subscriber),
	}
}

func (m *MemoryStore) Get(_ context.Context, actorID string) (models.ActorState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.actors[actorID]
	return cloneState(s), ok, nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]models.ActorState, error) {
	m.mu.RLock()
	out := make([]models.ActorState, 0, len(m.actors))
	for _, s := range m.actors {
		if f.match(s) {
			out = append(out, cloneState(s))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, loc models.ActorLocation) error {
	if err := loc.ValidateAt(m.now()); err != nil {
		return err
	}
	m.mu.Lock()
	s := m.actors[loc.ActorID]
	if s.Location != nil && s.Location.CapturedAt.After(loc.CapturedAt) {
		m.mu.Unlock()
		return nil
	}
	s.ActorID = loc.ActorID
	l := loc
	s.Location = &l
	m.actors[loc.ActorID] = s
	m.mu.Unlock()

	m.notify(cloneState(s))
	return nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, actorID string, available bool) error {
	m.mu.Lock()
	s := m.actors[actorID]
	s.ActorID = actorID
	s.Available = available
	m.actors[actorID] = s
	m.mu.Unlock()

	m.notify(cloneState(s))
	return nil
}

func (m *MemoryStore) Bind(_ context.Context, actorID, rideID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.actors[actorID]
	if !ok || !s.Dispatchable() {
		m.mu.Unlock()
		return false, nil
	}
	s.BoundRide = rideID
	m.actors[actorID] = s
	m.mu.Unlock()

	m.notify(cloneState(s))
	return true, nil
}

func (m *MemoryStore) Unbind(_ context.Context, actorID, rideID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.actors[actorID]
	if !ok || s.BoundRide != rideID {
		m.mu.Unlock()
		return false, nil
	}
	s.BoundRide = ""
	m.actors[actorID] = s
	m.mu.Unlock()

	m.notify(cloneState(s))
	return true, nil
}

func (m *MemoryStore) Subscribe(actorID string, fn func(models.ActorState)) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = subscriber{id: id, actorID: actorID, fn: fn}
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// notify runs callbacks outside the data lock so they may read the store.
func (m *MemoryStore) notify(s models.ActorState) {
	m.subMu.RLock()
	fns := make([]func(models.ActorState), 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.actorID == "" || sub.actorID == s.ActorID {
			fns = append(fns, sub.fn)
		}
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func cloneState(s models.ActorState) models.ActorState {
	if s.Location != nil {
		l := *s.Location
		s.Location = &l
	}
	return s
}
