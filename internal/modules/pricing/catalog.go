// README: In-memory pricing catalog for tests and local runs without a database.
package pricing

import (
	"context"
	"sync"
)

type StaticCatalog struct {
	mu      sync.RWMutex
	cities  map[string]City
	classes map[string]VehicleClass
	rates   map[string]Rate
	surge   []SurgeRule
	fuel    map[string]FuelAdjustment
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		cities:  make(map[string]City),
		classes: make(map[string]VehicleClass),
		rates:   make(map[string]Rate),
		fuel:    make(map[string]FuelAdjustment),
	}
}

func (c *StaticCatalog) AddCity(city City) *StaticCatalog {
	c.mu.Lock()
	c.cities[city.Name] = city
	c.mu.Unlock()
	return c
}

func (c *StaticCatalog) AddVehicleClass(v VehicleClass) *StaticCatalog {
	c.mu.Lock()
	c.classes[v.Name] = v
	c.mu.Unlock()
	return c
}

func (c *StaticCatalog) AddRate(r Rate) *StaticCatalog {
	c.mu.Lock()
	c.rates[rateKey(r.VehicleClass, r.City)] = r
	c.mu.Unlock()
	return c
}

func (c *StaticCatalog) AddSurgeRule(r SurgeRule) *StaticCatalog {
	c.mu.Lock()
	c.surge = append(c.surge, r)
	c.mu.Unlock()
	return c
}

func (c *StaticCatalog) SetFuelAdjustment(f FuelAdjustment) *StaticCatalog {
	c.mu.Lock()
	c.fuel[f.City] = f
	c.mu.Unlock()
	return c
}

func (c *StaticCatalog) City(_ context.Context, name string) (City, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	city, ok := c.cities[name]
	if !ok {
		return City{}, ErrNotFound
	}
	return city, nil
}

func (c *StaticCatalog) VehicleClass(_ context.Context, name string) (VehicleClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.classes[name]
	if !ok {
		return VehicleClass{}, ErrNotFound
	}
	return v, nil
}

func (c *StaticCatalog) Rate(_ context.Context, vehicleClass, city string) (Rate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.classes[vehicleClass]; !ok || !v.Active {
		return Rate{}, ErrNotFound
	}
	if r, ok := c.rates[rateKey(vehicleClass, city)]; ok {
		return r, nil
	}
	if r, ok := c.rates[rateKey(vehicleClass, "")]; ok {
		return r, nil
	}
	return Rate{}, ErrNotFound
}

func (c *StaticCatalog) SurgeRules(_ context.Context, city string) ([]SurgeRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []SurgeRule
	for _, r := range c.surge {
		if r.City == "" || r.City == city {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *StaticCatalog) FuelAdjustment(_ context.Context, city string) (*FuelAdjustment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f, ok := c.fuel[city]; ok {
		return &f, nil
	}
	if f, ok := c.fuel[""]; ok {
		return &f, nil
	}
	return nil, nil
}

func rateKey(class, city string) string {
	return class + "|" + city
}
