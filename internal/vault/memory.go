package vault

import "sync"

// MemoryVault is an in-process Vault implementation used by tests that
// exercise pairing, disconnect, and folder-sync config persistence without
// touching the host credential store.
type MemoryVault struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemory returns an empty in-memory Vault.
func NewMemory() *MemoryVault {
	return &MemoryVault{values: make(map[string]string)}
}

func (m *MemoryVault) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryVault) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryVault) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
