// Package reply tracks the short-lived per-actor conversational state
// between "I want to reply to task X" and the actor's next free-text
// input. One session per actor; opening a second silently replaces the
// first; sessions expire after an idle timeout.
package reply

import (
	"sync"
	"time"
)

// Session binds an actor to the task their next free-text input answers.
type Session struct {
	Actor    string
	TaskID   string
	OpenedAt time.Time
}

// Sessions is the keyed table of open reply sessions. Safe for
// concurrent use; expired entries are dropped lazily.
type Sessions struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]Session
	now func() time.Time
}

// NewSessions creates a session table with the given idle timeout.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl: ttl,
		m:   make(map[string]Session),
		now: time.Now,
	}
}

// Open starts a reply session for the actor, replacing any existing one.
func (s *Sessions) Open(actor, taskID string) {
	s.mu.Lock()
	s.m[actor] = Session{Actor: actor, TaskID: taskID, OpenedAt: s.now()}
	s.mu.Unlock()
}

// Claim pops the actor's session and returns its target task. Reports
// false when the actor has no open session or it has expired.
func (s *Sessions) Claim(actor string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.m[actor]
	if !ok {
		return "", false
	}
	delete(s.m, actor)
	if s.now().Sub(sess.OpenedAt) > s.ttl {
		return "", false
	}
	return sess.TaskID, true
}

// Cancel destroys the actor's session with no effect on the task.
// Reports whether a session was open.
func (s *Sessions) Cancel(actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.m[actor]
	delete(s.m, actor)
	return ok
}

// Len returns the number of open sessions, counting expired ones not
// yet claimed.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
