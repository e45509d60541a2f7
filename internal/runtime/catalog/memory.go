package catalog

import (
	"context"
	"sync"
)

// MemoryCatalog is an in-process Catalog and Registrar for tests and local
// runs. Registered instances are healthy until marked otherwise.
type MemoryCatalog struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	lookups   map[string]int
	err       error
}

var (
	_ Catalog   = (*MemoryCatalog)(nil)
	_ Registrar = (*MemoryCatalog)(nil)
	_ Pinger    = (*MemoryCatalog)(nil)
)

func NewMemoryCatalog(instances ...ServiceInstance) *MemoryCatalog {
	m := &MemoryCatalog{
		instances: make(map[string][]ServiceInstance),
		lookups:   make(map[string]int),
	}
	for _, inst := range instances {
		m.Add(inst)
	}
	return m
}

// Add registers inst, replacing an instance with the same ID.
func (m *MemoryCatalog) Add(inst ServiceInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[inst.ServiceName]
	for i, existing := range list {
		if existing.ID == inst.ID {
			list[i] = inst
			return
		}
	}
	m.instances[inst.ServiceName] = append(list, inst)
}

// SetHealthy flips the health of one instance.
func (m *MemoryCatalog) SetHealthy(service, id string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances[service] {
		if inst.ID == id {
			m.instances[service][i].Healthy = healthy
		}
	}
}

// Fail makes every lookup and ping return err until it is called with nil.
func (m *MemoryCatalog) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Lookups reports how often Service was called for name.
func (m *MemoryCatalog) Lookups(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups[name]
}

func (m *MemoryCatalog) Service(ctx context.Context, name string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[name]++
	if m.err != nil {
		return nil, m.err
	}
	return cloneInstances(m.instances[name]), nil
}

func (m *MemoryCatalog) Register(ctx context.Context, reg Registration) error {
	m.Add(ServiceInstance{
		ServiceName: reg.Name,
		ID:          reg.ID,
		Address:     reg.Address,
		Port:        reg.Port,
		Healthy:     true,
		Tags:        reg.Tags,
	})
	return nil
}

func (m *MemoryCatalog) Deregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, list := range m.instances {
		kept := list[:0]
		for _, inst := range list {
			if inst.ID != id {
				kept = append(kept, inst)
			}
		}
		if len(kept) == 0 {
			delete(m.instances, name)
		} else {
			m.instances[name] = kept
		}
	}
	return nil
}

func (m *MemoryCatalog) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}
