package mapcipher

import (
	"errors"
	"sync"

	"clinical-phi-guard/internal/metrics"
)

// ErrKeyUnavailable means no key is held for an encounter, usually because
// it was discarded when the encounter ended or the process restarted.
var ErrKeyUnavailable = errors.New("mapcipher: key unavailable")

// KeyManager holds one key per encounter for the life of the process. Keys
// are never persisted: once discarded, the encounter's sealed map can no
// longer be opened.
//
// Keys are returned by value, so a Discard running concurrently with a Seal
// zeroes only the manager's copy and never the key in use.
type KeyManager struct {
	mu      sync.Mutex
	keys    map[string]*Key
	metrics *metrics.Metrics
}

// NewKeyManager returns an empty manager. m may be nil.
func NewKeyManager(m *metrics.Metrics) *KeyManager {
	return &KeyManager{keys: make(map[string]*Key), metrics: m}
}

// GetOrCreate returns the key for id, generating one on first use.
func (km *KeyManager) GetOrCreate(id string) (Key, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if k, ok := km.keys[id]; ok {
		return *k, nil
	}
	k, err := NewKey()
	if err != nil {
		return Key{}, err
	}
	km.keys[id] = &k
	return k, nil
}

// Get returns the key for id if one is held.
func (km *KeyManager) Get(id string) (Key, bool) {
	km.mu.Lock()
	defer km.mu.Unlock()
	k, ok := km.keys[id]
	if !ok {
		return Key{}, false
	}
	return *k, true
}

// Discard zeroes and forgets the key for id.
func (km *KeyManager) Discard(id string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if k, ok := km.keys[id]; ok {
		clear(k[:])
		delete(km.keys, id)
		if km.metrics != nil {
			km.metrics.KeysDiscarded.Add(1)
		}
	}
}

// DiscardAll zeroes and forgets every key and returns how many were held.
func (km *KeyManager) DiscardAll() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	n := len(km.keys)
	for id, k := range km.keys {
		clear(k[:])
		delete(km.keys, id)
	}
	if km.metrics != nil {
		km.metrics.KeysDiscarded.Add(int64(n))
	}
	return n
}

// Len returns the number of keys held.
func (km *KeyManager) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.keys)
}
