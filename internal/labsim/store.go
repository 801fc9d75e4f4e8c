package labsim

import (
	"strings"
	"sync"
	"time"
)

// Session status values, as reported on the wire.
const (
	StatusPending      = "PENDING"
	StatusProvisioning = "PROVISIONING"
	StatusRunning      = "RUNNING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
)

type Session struct {
	ID      int64
	LabID   int64
	UserID  int64
	Status  string
	StartAt time.Time
	History []string
}

func (s *Session) active() bool {
	switch s.Status {
	case StatusPending, StatusProvisioning, StatusRunning:
		return true
	}
	return false
}

type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	nextID   int64
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[int64]*Session),
		nextID:   1,
	}
}

// Create starts a session for (labID, userID). If one is already active it
// is returned with ok false and nothing is created.
func (s *Store) Create(labID, userID int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeLocked(labID, userID); existing != nil {
		copy := *existing
		return &copy, false
	}
	st := &Session{
		ID:      s.nextID,
		LabID:   labID,
		UserID:  userID,
		Status:  StatusPending,
		StartAt: time.Now().UTC(),
	}
	s.nextID++
	s.sessions[st.ID] = st
	copy := *st
	return &copy, true
}

func (s *Store) Get(id int64) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	copy := *st
	copy.History = append([]string(nil), st.History...)
	return &copy, true
}

// Active returns the active session of userID for labID.
func (s *Store) Active(labID, userID int64) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.activeLocked(labID, userID)
	if st == nil {
		return nil, false
	}
	copy := *st
	return &copy, true
}

func (s *Store) activeLocked(labID, userID int64) *Session {
	for _, st := range s.sessions {
		if st.LabID == labID && st.UserID == userID && st.active() {
			return st
		}
	}
	return nil
}

// SetStatus updates the status of id. It reports false for unknown ids.
func (s *Store) SetStatus(id int64, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return false
	}
	st.Status = status
	return true
}

// Record appends a command line typed in the session's terminal.
func (s *Store) Record(id int64, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[id]; ok {
		st.History = append(st.History, line)
	}
}

func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if st.active() {
			count++
		}
	}
	return count
}
