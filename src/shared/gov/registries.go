package gov

import (
	"strings"
	"sync"

	"gorm.io/gorm"
)

// RegistryManager manages registry deployment lookups with caching
type RegistryManager struct {
	db         *gorm.DB
	registries map[uint8]*Registry
	byKind     map[string]*Registry
	mu         sync.RWMutex
}

// NewRegistryManager creates a new registry manager and loads rows from DB
func NewRegistryManager(db *gorm.DB) (*RegistryManager, error) {
	m := &RegistryManager{
		db:         db,
		registries: make(map[uint8]*Registry),
		byKind:     make(map[string]*Registry),
	}

	if err := m.loadRegistries(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *RegistryManager) loadRegistries() error {
	var registries []Registry
	if err := m.db.Find(&registries).Error; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.registries = make(map[uint8]*Registry)
	m.byKind = make(map[string]*Registry)

	for i := range registries {
		reg := &registries[i]
		m.registries[reg.ID] = reg
		m.byKind[strings.ToLower(reg.Kind)] = reg
	}

	return nil
}

// Reload refreshes the cache from the database.
func (m *RegistryManager) Reload() error {
	return m.loadRegistries()
}

// GetByID returns a registry deployment by ID
func (m *RegistryManager) GetByID(id uint8) *Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registries[id]
}

// GetByKind returns a registry deployment by kind ("qip", "qci")
func (m *RegistryManager) GetByKind(kind string) *Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byKind[strings.ToLower(kind)]
}

// GetActive returns all active registry deployments
func (m *RegistryManager) GetActive() []*Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Registry, 0, len(m.registries))
	for _, reg := range m.registries {
		if reg.Active {
			result = append(result, reg)
		}
	}
	return result
}
