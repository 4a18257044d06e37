// Package devotp keeps the last step-up code delivered to each login identifier so the fake identity
// API can reveal it on its development endpoint. It is never wired when APP_ENV=production.
package devotp

import (
	"sync"
	"time"
)

type entry struct {
	code      string
	expiresAt time.Time
}

// Store holds plain codes by login identifier. A newer code replaces the older one.
type Store struct {
	mu   sync.Mutex
	m    map[string]entry
	nowF func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{m: make(map[string]entry), nowF: time.Now}
}

// Put records code as the latest one sent to identifier, valid until expiresAt.
func (s *Store) Put(identifier, code string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[identifier] = entry{code: code, expiresAt: expiresAt}
}

// Latest returns the code most recently sent to identifier, if it has not expired.
func (s *Store) Latest(identifier string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[identifier]
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		delete(s.m, identifier)
		return "", false
	}
	return e.code, true
}

// Forget drops any code held for identifier, e.g. once the challenge is verified.
func (s *Store) Forget(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, identifier)
}
