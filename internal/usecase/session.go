package usecase

import (
	"sync"
	"time"
)

// Session is the per-conversation turn state. Its in-flight flag is checked
// and set under one mutex, so two triggers for the same conversation can
// never both start a turn.
type Session struct {
	ConversationID string

	mu           sync.Mutex
	inFlight     bool
	turnID       string
	startedAt    time.Time
	lastProgress time.Time
}

// SessionState is a point-in-time copy of a Session.
type SessionState struct {
	InFlight     bool
	TurnID       string
	StartedAt    time.Time
	LastProgress time.Time
}

// begin claims the session for turnID. A flag that saw no progress for
// stallAfter is treated as abandoned and taken over; forced reports that.
func (s *Session) begin(turnID string, now time.Time, stallAfter time.Duration) (ok, forced bool, previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		if now.Sub(s.lastProgress) < stallAfter {
			return false, false, s.turnID
		}
		forced, previous = true, s.turnID
	}
	s.inFlight = true
	s.turnID = turnID
	s.startedAt = now
	s.lastProgress = now
	return true, forced, previous
}

// progress records activity for turnID. It returns false once the turn no
// longer owns the session.
func (s *Session) progress(turnID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFlight || s.turnID != turnID {
		return false
	}
	s.lastProgress = now
	return true
}

// finish clears the flag if turnID still owns it.
func (s *Session) finish(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFlight || s.turnID != turnID {
		return false
	}
	s.inFlight = false
	return true
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		InFlight:     s.inFlight,
		TurnID:       s.turnID,
		StartedAt:    s.startedAt,
		LastProgress: s.lastProgress,
	}
}

type sessions struct {
	mu   sync.Mutex
	byID map[string]*Session
}

func newSessions() *sessions {
	return &sessions{byID: make(map[string]*Session)}
}

func (r *sessions) get(conversationID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[conversationID]
	if !ok {
		s = &Session{ConversationID: conversationID}
		r.byID[conversationID] = s
	}
	return s
}
