package dcb

import "sync"

// PoolManager is the default Manager implementation: it tracks every DCB
// handed to it, bucketed by an arbitrary key (typically a backend server
// name), so a caller can enumerate or bound per-key connection counts.
type PoolManager struct {
	mu   sync.RWMutex
	byID map[uint64]*DCB
	byKey map[string]map[uint64]*DCB
	keyOf func(d *DCB) string
}

// NewPoolManager creates a PoolManager. keyOf extracts the bucket key from
// a DCB (e.g. its backend server name); pass nil to bucket everything
// under "".
func NewPoolManager(keyOf func(d *DCB) string) *PoolManager {
	if keyOf == nil {
		keyOf = func(*DCB) string { return "" }
	}
	return &PoolManager{
		byID:  make(map[uint64]*DCB),
		byKey: make(map[string]map[uint64]*DCB),
		keyOf: keyOf,
	}
}

// Add implements Manager.
func (m *PoolManager) Add(d *DCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[d.UID] = d
	key := m.keyOf(d)
	bucket, ok := m.byKey[key]
	if !ok {
		bucket = make(map[uint64]*DCB)
		m.byKey[key] = bucket
	}
	bucket[d.UID] = d
}

// Remove implements Manager.
func (m *PoolManager) Remove(d *DCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, d.UID)
	key := m.keyOf(d)
	if bucket, ok := m.byKey[key]; ok {
		delete(bucket, d.UID)
		if len(bucket) == 0 {
			delete(m.byKey, key)
		}
	}
}

// Count returns the number of DCBs currently tracked under key.
func (m *PoolManager) Count(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey[key])
}

// Acquire returns the first open DCB in key's bucket, or nil if there is
// none. Idleness is not tracked: a DCB still bound to another session can
// be returned.
func (m *PoolManager) Acquire(key string) *DCB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.byKey[key] {
		if d.IsOpen() {
			return d
		}
	}
	return nil
}

// Total returns the number of DCBs tracked across all keys.
func (m *PoolManager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// HangupAll closes every DCB bucketed under key; used by the monitor
// framework to hang up connections to a server that just went down.
func (m *PoolManager) HangupAll(key string) {
	m.mu.RLock()
	bucket := make([]*DCB, 0, len(m.byKey[key]))
	for _, d := range m.byKey[key] {
		bucket = append(bucket, d)
	}
	m.mu.RUnlock()
	for _, d := range bucket {
		d.Close()
	}
}
