package telegram

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Sessions tracks authenticated users. A session expires ttl after the user's
// last activity; automation runs only for users with a live session.
type Sessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	lastSeen map[string]time.Time
}

func NewSessions(ttl time.Duration, now func() time.Time) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{ttl: ttl, now: now, lastSeen: make(map[string]time.Time)}
}

func (s *Sessions) Authenticate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = s.now()
}

// Touch reports whether userID holds a live session and extends it if so.
func (s *Sessions) Touch(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.lastSeen[userID]
	if !ok {
		return false
	}
	now := s.now()
	if now.Sub(seen) > s.ttl {
		delete(s.lastSeen, userID)
		return false
	}
	s.lastSeen[userID] = now
	return true
}

func (s *Sessions) Revoke(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeen, userID)
}

// ActiveUsers returns the users with a live session, sorted, dropping expired ones.
func (s *Sessions) ActiveUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	users := make([]string, 0, len(s.lastSeen))
	for id, seen := range s.lastSeen {
		if now.Sub(seen) > s.ttl {
			delete(s.lastSeen, id)
			continue
		}
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}
