// README: In-memory driver store for tests and single-process development.
package geomatch

import (
	"context"
	"sync"
	"time"

	"swiftride/internal/types"
)

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[types.ID]Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[types.ID]Driver)}
}

func (m *MemoryStore) Upsert(_ context.Context, d Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.VehicleClasses = append([]string(nil), d.VehicleClasses...)
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id types.ID, p types.Point, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[id]
	d.ID = id
	d.Position = p
	d.LocationAt = at
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) SetAvailable(_ context.Context, id types.ID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) Within(_ context.Context, p types.Point, radiusKm float64) ([]Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Driver
	for _, d := range m.drivers {
		if d.LocationAt.IsZero() {
			continue
		}
		if types.DistanceKm(p, d.Position) <= radiusKm {
			out = append(out, d)
		}
	}
	return out, nil
}
