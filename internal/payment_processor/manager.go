package payment_processor

import (
	"sort"
	"sync"
)

// Manager keeps the configured gateways by name. The first registered
// gateway is the one new payments are submitted to.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	primary  string
}

func NewManager(gateways ...Gateway) *Manager {
	m := &Manager{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		m.Register(g)
	}
	return m
}

func (m *Manager) Register(g Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gateways[g.Name()] = g
	if m.primary == "" {
		m.primary = g.Name()
	}
}

func (m *Manager) Get(name string) (Gateway, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.gateways[name]
	return g, ok
}

// Primary returns nil when no gateway is configured.
func (m *Manager) Primary() Gateway {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.primary == "" {
		return nil
	}
	return m.gateways[m.primary]
}

func (m *Manager) Ready() bool {
	return m.Primary() != nil
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.gateways))
	for n := range m.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
