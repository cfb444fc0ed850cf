package usecase

import "sync"

// keyedLocker hands out one RWMutex per file name. Entries are reference
// counted and dropped once nobody holds or waits for them.
type keyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sync.RWMutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{entries: make(map[string]*lockEntry)}
}

func (k *keyedLocker) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyedLocker) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// TryRLock takes key in shared mode. It fails while an exclusive holder is
// active or waiting.
func (k *keyedLocker) TryRLock(key string) (func(), bool) {
	e := k.acquire(key)
	if !e.TryRLock() {
		k.release(key, e)
		return nil, false
	}
	return func() {
		e.RUnlock()
		k.release(key, e)
	}, true
}

// Lock takes key exclusively, waiting for shared holders to finish.
func (k *keyedLocker) Lock(key string) func() {
	e := k.acquire(key)
	e.Lock()
	return func() {
		e.Unlock()
		k.release(key, e)
	}
}

// TryLock takes key exclusively without waiting.
func (k *keyedLocker) TryLock(key string) (func(), bool) {
	e := k.acquire(key)
	if !e.TryLock() {
		k.release(key, e)
		return nil, false
	}
	return func() {
		e.Unlock()
		k.release(key, e)
	}, true
}

func (k *keyedLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
