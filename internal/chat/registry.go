package chat

import "sync"

// sortPair orders two user ids so {a,b} and {b,a} map to the same conversation.
func sortPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

func pairKey(a, b string) string {
	low, high := sortPair(a, b)
	return low + ":" + high
}

// pairLocker hands out one mutex per participant pair. Entries are reference counted
// and dropped once nobody holds or waits on them, so the map only grows with the
// number of pairs resolving concurrently.
type pairLocker struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocker() *pairLocker {
	return &pairLocker{locks: make(map[string]*pairLock)}
}

// Lock blocks until the pair's region is free and returns its release func.
func (l *pairLocker) Lock(key string) func() {
	l.mu.Lock()
	pl, ok := l.locks[key]
	if !ok {
		pl = &pairLock{}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *pairLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
