package shared

import (
	"fmt"
	"sync"
)

// DelegationLockKey builds the lock key guarding a delegation's revoke path.
func DelegationLockKey(delegationID string) string {
	return fmt.Sprintf("rbac:delegation:%s:lock", delegationID)
}

// KeyLockKey builds the lock key serializing mutations of one encryption key.
func KeyLockKey(keyID string) string {
	return fmt.Sprintf("keys:%s:lock", keyID)
}

// KeyedMutex serializes writers per entity key while leaving unrelated
// entities free to proceed. Entries are reference counted and removed once
// the last holder unlocks.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns the matching unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
