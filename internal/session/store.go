package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Store keeps conversation sessions with sliding expiry.
type Store interface {
	Create(userID, userEmail string) *Session
	Get(sessionID string) (*Session, error)
	Update(s *Session) error
	Delete(sessionID string)
	Len() int
}

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// MemoryStore is the in-process Store. Reads and writes hand out clones so callers
// never share mutable state with the map.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	sessionByUser map[string]string
	ttl           time.Duration
	now           Clock
	onExpire      func(*Session)

	janitorMu   sync.Mutex
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		sessionByUser: make(map[string]string),
		ttl:           ttl,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) SetClock(clock Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clock != nil {
		m.now = clock
	}
}

// SetExpireHook registers a callback for sessions removed because their deadline passed.
func (m *MemoryStore) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *MemoryStore) TTL() time.Duration { return m.ttl }

// Create starts a fresh session. A previous session of the same named user is superseded.
func (m *MemoryStore) Create(userID, userEmail string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserEmail: userEmail,
		Step:      StepGreeting,
		Intent:    IntentUnknown,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if IsNamedUser(userID) {
		if prev, ok := m.sessionByUser[userID]; ok {
			delete(m.sessions, prev)
		}
		m.sessionByUser[userID] = s.ID
	}
	m.sessions[s.ID] = s
	return s.Clone()
}

// Get returns the session or ErrNotFound when it is missing or past its deadline.
// A successful read slides the deadline.
func (m *MemoryStore) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	now := m.now()
	if now.After(s.ExpiresAt) {
		m.removeLocked(s)
		hook := m.onExpire
		m.mu.Unlock()
		if hook != nil {
			hook(s.Clone())
		}
		return nil, ErrNotFound
	}
	s.ExpiresAt = now.Add(m.ttl)
	out := s.Clone()
	m.mu.Unlock()
	return out, nil
}

// Update persists s and resets its deadline. The caller's copy is refreshed with the
// new timestamps. Deleted or expired sessions are not resurrected.
func (m *MemoryStore) Update(s *Session) error {
	if s == nil {
		return errors.New("nil session")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	if now.After(cur.ExpiresAt) {
		m.removeLocked(cur)
		return ErrNotFound
	}
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(m.ttl)
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		m.removeLocked(s)
	}
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes every expired session and returns how many were removed.
// The write lock is held for one removal at a time.
func (m *MemoryStore) Sweep() int {
	m.mu.RLock()
	now := m.now()
	var candidates []string
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	var expired []*Session
	for _, id := range candidates {
		m.mu.Lock()
		s, ok := m.sessions[id]
		if ok && m.now().After(s.ExpiresAt) {
			m.removeLocked(s)
			expired = append(expired, s)
		}
		m.mu.Unlock()
	}

	m.mu.RLock()
	hook := m.onExpire
	m.mu.RUnlock()
	if hook != nil {
		for _, s := range expired {
			hook(s.Clone())
		}
	}
	return len(expired)
}

// StartJanitor runs Sweep every interval until ctx is cancelled or Stop is called.
// A non-positive interval defaults to TTL/6.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl / 6
	}
	m.janitorMu.Lock()
	defer m.janitorMu.Unlock()
	if m.stopJanitor != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stopJanitor = cancel
	m.janitorDone = done

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop halts the janitor and waits for it to exit.
func (m *MemoryStore) Stop() {
	m.janitorMu.Lock()
	cancel, done := m.stopJanitor, m.janitorDone
	m.stopJanitor, m.janitorDone = nil, nil
	m.janitorMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *MemoryStore) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}
