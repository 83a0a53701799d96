package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.RideRequest

	subMu   sync.Mutex
	subs    map[uint64]rideSub
	nextSub uint64
}

type rideSub struct {
	rideID string
	fn     func(models.RideRequest)
}

var _ RideStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.RideRequest), subs: make(map[uint64]rideSub)}
}

func (m *MemoryStore) Create(_ context.Context, r models.RideRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return "", fmt.Errorf("%w: ride %s already exists", models.ErrInvalidInput, r.ID)
	}
	m.rides[r.ID] = cloneRide(r)
	return r.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, expected, next models.RideStatus, f TransitionFields) (bool, error) {
	m.mu.Lock()
	r, ok := m.rides[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if r.Status != expected || (f.AssignedDriverID != nil && r.AssignedDriverID != nil) {
		m.mu.Unlock()
		return false, nil
	}
	r.Status = next
	if f.AssignedDriverID != nil {
		d := *f.AssignedDriverID
		r.AssignedDriverID = &d
	}
	if f.CancelReason != nil {
		c := *f.CancelReason
		r.CancelReason = &c
	}
	if !f.At.IsZero() {
		r.UpdatedAt = f.At
	}
	m.rides[id] = r
	out := cloneRide(r)
	m.mu.Unlock()

	m.notify(out)
	return true, nil
}

func (m *MemoryStore) Subscribe(rideID string, fn func(models.RideRequest)) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = rideSub{rideID: rideID, fn: fn}
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *MemoryStore) notify(r models.RideRequest) {
	m.subMu.Lock()
	var fns []func(models.RideRequest)
	for _, s := range m.subs {
		if s.rideID == "" || s.rideID == r.ID {
			fns = append(fns, s.fn)
		}
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(cloneRide(r))
	}
}

func cloneRide(r models.RideRequest) models.RideRequest {
	if r.AssignedDriverID != nil {
		d := *r.AssignedDriverID
		r.AssignedDriverID = &d
	}
	if r.CancelReason != nil {
		c := *r.CancelReason
		r.CancelReason = &c
	}
	return r
}
