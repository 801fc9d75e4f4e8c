// Package auth exposes the current user's credentials as a read-only
// accessor with change notification. Token issuance and re-authentication
// are owned by whoever writes the credentials.
package auth

import "sync"

// Credentials identify the signed-in user.
type Credentials struct {
	Token    string `yaml:"token"`
	UserID   int64  `yaml:"user_id"`
	Username string `yaml:"username,omitempty"`
}

// Valid reports whether the credentials can be used for API calls.
func (c Credentials) Valid() bool {
	return c.Token != "" && c.UserID != 0
}

// Source is the read-only view of the credential store.
type Source interface {
	Credentials() Credentials
	// Subscribe registers fn to be called after every change. The returned
	// function removes the subscription.
	Subscribe(fn func(Credentials)) (cancel func())
}

// subscribers is a registry of change callbacks shared by Source
// implementations.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Credentials)
}

func (s *subscribers) add(fn func(Credentials)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Credentials))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify(c Credentials) {
	s.mu.Lock()
	fns := make([]func(Credentials), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Static is a Source whose credentials only change through Set and Clear.
type Static struct {
	mu    sync.RWMutex
	creds Credentials
	subs  subscribers
}

// NewStatic returns a Static source holding creds.
func NewStatic(creds Credentials) *Static {
	return &Static{creds: creds}
}

func (s *Static) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Static) Subscribe(fn func(Credentials)) func() {
	return s.subs.add(fn)
}

// Set replaces the credentials and notifies subscribers.
func (s *Static) Set(c Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
	s.subs.notify(c)
}

// Clear logs the user out.
func (s *Static) Clear() {
	s.Set(Credentials{})
}
