package chat

import "sync"

// sessionLocks serializes turns per session id. Entries are dropped when the last
// holder releases them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
	// replacement is the session started for an unknown key. It is only read and
	// written by the holder and disappears with the entry once nobody is queued.
	replacement string
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the caller owns key and returns the matching unlock.
func (l *sessionLocks) Lock(key string) func() {
	entry := l.acquire(key)
	return func() { l.release(key, entry) }
}

func (l *sessionLocks) acquire(key string) *sessionLock {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &sessionLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return entry
}

func (l *sessionLocks) release(key string, entry *sessionLock) {
	entry.mu.Unlock()
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
