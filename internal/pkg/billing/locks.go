package billing

import "sync"

// ownerLocks serializes reconciliation per owner. Remote events and admin
// actions for the same subscription never run concurrently; different owners
// proceed in parallel. Lock scope is always a single owner.
type ownerLocks struct {
	mu      sync.Mutex
	entries map[uint]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{entries: make(map[uint]*lockEntry)}
}

// Acquire blocks until the owner's lock is held and returns the release func.
func (l *ownerLocks) Acquire(ownerID uint) func() {
	l.mu.Lock()
	entry, ok := l.entries[ownerID]
	if !ok {
		entry = &lockEntry{}
		l.entries[ownerID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, ownerID)
		}
		l.mu.Unlock()
	}
}
