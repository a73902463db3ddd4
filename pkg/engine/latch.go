package engine

import "sync"

// latchMap provides one short-lived mutex per memory id, giving
// per-memory linearizability across concurrent calls. Entries are
// reference counted and removed when the last holder releases, so the
// map stays proportional to in-flight work. The map's own mutex guards
// only the bookkeeping and is never held across I/O.
type latchMap struct {
	mu      sync.Mutex
	entries map[string]*latchEntry
}

type latchEntry struct {
	mu   sync.Mutex
	refs int
}

func newLatchMap() *latchMap {
	return &latchMap{entries: make(map[string]*latchEntry)}
}

// lock acquires the latch for id and returns its release function.
func (l *latchMap) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &latchEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
