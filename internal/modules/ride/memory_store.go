// README: In-memory ride store with the same conditional-update semantics as the Postgres store.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"swiftride/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	events map[types.ID][]Event
	quotes map[string]types.ID
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[types.ID]*Ride),
		events: make(map[types.ID][]Event),
		quotes: make(map[string]types.ID),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, used := m.quotes[r.QuoteHash]; used {
		return ErrQuoteInvalid
	}
	for _, other := range m.rides {
		if other.RiderID == r.RiderID && other.Status.Active() {
			return ErrActiveRide
		}
	}
	m.rides[r.ID] = clone(r)
	m.quotes[r.QuoteHash] = r.ID
	m.appendLocked(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) HasActiveByRider(_ context.Context, riderID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.RiderID == riderID && r.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, r *Ride, from Status, version int, e *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from || cur.StatusVersion != version {
		return false, nil
	}
	next := clone(r)
	next.StatusVersion = version + 1
	// Binding fields are owned by BindDriver.
	next.DriverID = cur.DriverID
	next.MatchedAt = cur.MatchedAt
	if r.PaymentStatus != PaymentDue {
		next.PaymentStatus = cur.PaymentStatus
	}
	m.rides[r.ID] = next
	m.appendLocked(e)
	return true, nil
}

// BindDriver is the in-memory counterpart of BindDriverTx.
func (m *MemoryStore) BindDriver(_ context.Context, rideID, driverID types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusPending || r.DriverID != nil {
		return ErrConflict
	}
	for _, other := range m.rides {
		if other.DriverID != nil && *other.DriverID == driverID && other.Status.Active() {
			return ErrDriverBusy
		}
	}
	d := driverID
	t := at
	r.Status = StatusMatched
	r.StatusVersion++
	r.DriverID = &d
	r.MatchedAt = &t
	m.appendLocked(&Event{
		RideID:    rideID,
		From:      StatusPending,
		To:        StatusMatched,
		Trigger:   TriggerAccept,
		Actor:     ActorDriver,
		ActorID:   &d,
		CreatedAt: at,
	})
	return nil
}

func (m *MemoryStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events[id]))
	copy(out, m.events[id])
	return out, nil
}

func (m *MemoryStore) SetPaymentStatus(_ context.Context, id types.ID, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.PaymentStatus = status
	return nil
}

func (m *MemoryStore) ListByPaymentStatus(_ context.Context, statuses []PaymentStatus, limit int) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		for _, st := range statuses {
			if r.PaymentStatus == st {
				out = append(out, clone(r))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingSince lists pending rides created at or before createdBefore, oldest first.
func (m *MemoryStore) PendingSince(_ context.Context, createdBefore time.Time) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if r.Status == StatusPending && !r.CreatedAt.After(createdBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	ids := make([]types.ID, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *MemoryStore) appendLocked(e *Event) {
	m.seq++
	ev := *e
	ev.ID = m.seq
	m.events[e.RideID] = append(m.events[e.RideID], ev)
}

func clone(r *Ride) *Ride {
	c := *r
	return &c
}
