package persist

import (
	"maps"
	"sync"
)

// Memory is a PersistentMap that keeps copies in process memory.
type Memory struct {
	maps  map[string]map[string]uint32
	saves int
	mu    sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{maps: make(map[string]map[string]uint32)}
}

func (m *Memory) Load(key string) (map[string]uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.maps[key]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(v), true, nil
}

func (m *Memory) Save(key string, v map[string]uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maps[key] = maps.Clone(v)
	m.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
