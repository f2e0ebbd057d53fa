package session

import (
	"context"
	"sync"
	"time"

	"github.com/caregent/caregent/internal/llm"
)

// memoryStore keeps sessions in a mutex-guarded map with a background
// expiry sweep. Sessions are copied in and out so callers never share
// mutable state with the store.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	// now is a test seam.
	now func() time.Time
}

func newMemoryStore(timeout time.Duration) *memoryStore {
	s := &memoryStore{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go s.sweep()
	return s
}

// sweep removes expired sessions periodically. Get also checks expiry
// on read, so the sweep only bounds memory growth.
func (s *memoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.timeout)
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.LastActivity.Before(cutoff) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *memoryStore) expired(sess *Session) bool {
	return s.now().Sub(sess.LastActivity) >= s.timeout
}

func clone(sess *Session) *Session {
	cp := *sess
	cp.History = append([]llm.Message(nil), sess.History...)
	return &cp
}

// GetOrCreate implements Store.
func (s *memoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		sess := NewSession()
		if err := s.Save(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	return s.Get(ctx, id)
}

// Get implements Store.
func (s *memoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(sess) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// Save implements Store.
func (s *memoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = clone(sess)
	return nil
}

// Delete implements Store.
func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Stats implements Store.
func (s *memoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, sess := range s.sessions {
		if s.expired(sess) {
			continue
		}
		st.Active++
		if sess.Verified {
			st.Verified++
		}
	}
	return st, nil
}

// Close implements Store.
func (s *memoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
