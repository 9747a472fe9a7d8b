// README: In-memory offer store; accepts on one ride serialize on a per-ride lock.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"swiftride/internal/modules/ride"
	"swiftride/internal/types"
)

// RideBinder is the ride side of an accept, e.g. ride.MemoryStore.
type RideBinder interface {
	BindDriver(ctx context.Context, rideID, driverID types.ID, at time.Time) error
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	PendingSince(ctx context.Context, createdBefore time.Time) ([]types.ID, error)
}

type MemoryStore struct {
	mu     sync.Mutex
	offers map[types.ID]*Offer
	byRide map[types.ID][]types.ID
	locks  map[types.ID]*sync.Mutex
	rides  RideBinder
}

func NewMemoryStore(rides RideBinder) *MemoryStore {
	return &MemoryStore{
		offers: make(map[types.ID]*Offer),
		byRide: make(map[types.ID][]types.ID),
		locks:  make(map[types.ID]*sync.Mutex),
		rides:  rides,
	}
}

func (m *MemoryStore) CreateOffers(_ context.Context, offers []Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if m.hasOfferLocked(o.RideID, o.DriverID) {
			continue
		}
		c := o
		m.offers[o.ID] = &c
		m.byRide[o.RideID] = append(m.byRide[o.RideID], o.ID)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *MemoryStore) ListByRide(_ context.Context, rideID types.ID) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Offer, 0, len(m.byRide[rideID]))
	for _, id := range m.byRide[rideID] {
		out = append(out, *m.offers[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

func (m *MemoryStore) Accept(ctx context.Context, offerID, driverID types.ID, now time.Time) (Offer, error) {
	m.mu.Lock()
	o, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return Offer{}, ErrNotFound
	}
	lock := m.rideLockLocked(o.RideID)
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	snapshot := *o
	m.mu.Unlock()
	if snapshot.DriverID != driverID || snapshot.Outcome != OutcomePending || !now.Before(snapshot.ExpiresAt) {
		return Offer{}, closedError(snapshot, driverID, now)
	}

	if err := m.rides.BindDriver(ctx, snapshot.RideID, driverID, now); err != nil {
		switch {
		case errors.Is(err, ride.ErrDriverBusy):
			return Offer{}, ErrDriverUnavailable
		case errors.Is(err, ride.ErrConflict):
			r, gerr := m.rides.Get(ctx, snapshot.RideID)
			if gerr == nil && r.DriverID != nil {
				return Offer{}, ErrAlreadyMatched
			}
			return Offer{}, ErrOfferClosed
		}
		return Offer{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveLocked(o, OutcomeAccepted, "", now)
	return *o, nil
}

func (m *MemoryStore) Decline(_ context.Context, offerID, driverID types.ID, reason string, now time.Time) (Offer, error) {
	m.mu.Lock()
	o, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return Offer{}, ErrNotFound
	}
	lock := m.rideLockLocked(o.RideID)
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.DriverID != driverID || o.Outcome != OutcomePending {
		return Offer{}, closedError(*o, driverID, now)
	}
	m.resolveLocked(o, OutcomeDeclined, reason, now)
	return *o, nil
}

func (m *MemoryStore) CloseRide(_ context.Context, rideID types.ID, reason string, now time.Time) ([]Offer, error) {
	m.mu.Lock()
	lock := m.rideLockLocked(rideID)
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for _, id := range m.byRide[rideID] {
		o := m.offers[id]
		if o.Outcome == OutcomePending {
			m.resolveLocked(o, OutcomeSuperseded, reason, now)
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) ([]Offer, error) {
	m.mu.Lock()
	rides := make([]types.ID, 0, len(m.byRide))
	for rideID := range m.byRide {
		rides = append(rides, rideID)
	}
	m.mu.Unlock()
	sort.Slice(rides, func(i, j int) bool { return rides[i] < rides[j] })

	var out []Offer
	for _, rideID := range rides {
		m.mu.Lock()
		lock := m.rideLockLocked(rideID)
		m.mu.Unlock()

		lock.Lock()
		m.mu.Lock()
		for _, id := range m.byRide[rideID] {
			o := m.offers[id]
			if o.Outcome == OutcomePending && !now.Before(o.ExpiresAt) {
				m.resolveLocked(o, OutcomeExpired, "", now)
				out = append(out, *o)
			}
		}
		m.mu.Unlock()
		lock.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) ExhaustedRides(ctx context.Context, staleBefore time.Time) ([]types.ID, error) {
	stale, err := m.rides.PendingSince(ctx, staleBefore)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var candidates []types.ID
	for _, id := range stale {
		if len(m.byRide[id]) == 0 {
			candidates = append(candidates, id)
		}
	}
	for rideID, ids := range m.byRide {
		open := false
		for _, id := range ids {
			if out := m.offers[id].Outcome; out == OutcomePending || out == OutcomeAccepted {
				open = true
				break
			}
		}
		if !open && len(ids) > 0 {
			candidates = append(candidates, rideID)
		}
	}
	m.mu.Unlock()

	var out []types.ID
	for _, id := range candidates {
		r, err := m.rides.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Status == ride.StatusPending {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) rideLockLocked(rideID types.ID) *sync.Mutex {
	l, ok := m.locks[rideID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[rideID] = l
	}
	return l
}

func (m *MemoryStore) hasOfferLocked(rideID, driverID types.ID) bool {
	for _, id := range m.byRide[rideID] {
		if m.offers[id].DriverID == driverID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) resolveLocked(o *Offer, outcome Outcome, reason string, now time.Time) {
	t := now
	o.Outcome = outcome
	o.Reason = reason
	o.ResolvedAt = &t
}
