package common

import "sync"

type keyMutexEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex serializes operations on the same key while letting different keys proceed in parallel. Entries are
// reference counted and dropped when nobody holds or waits for them, so the map does not grow forever.
type KeyMutex[K comparable] struct {
	lock    sync.Mutex
	mutexes map[K]*keyMutexEntry
}

func NewKeyMutex[K comparable]() *KeyMutex[K] {
	return &KeyMutex[K]{
		mutexes: map[K]*keyMutexEntry{},
	}
}

// Lock acquires the mutex of key and returns its releaser. Caller should call releaser after it is done with the lock.
func (m *KeyMutex[K]) Lock(key K) func() {
	m.lock.Lock()
	e, ok := m.mutexes[key]
	if !ok {
		e = &keyMutexEntry{}
		m.mutexes[key] = e
	}
	e.refs++
	m.lock.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		m.lock.Lock()
		defer m.lock.Unlock()
		e.refs--
		if e.refs == 0 {
			delete(m.mutexes, key)
		}
	}
}

func (m *KeyMutex[K]) len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.mutexes)
}
