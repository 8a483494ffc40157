package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one user's quiz session on a channel.
type Session struct {
	ID           string     `json:"id"`
	UserKey      string     `json:"user_key"` // "<channel>:<user id>"
	Channel      string     `json:"channel"`
	Language     string     `json:"language,omitempty"`
	LessonID     int        `json:"lesson_id,omitempty"` // last lesson shown, 0 for the quiz root
	StartedAt    time.Time  `json:"started_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// SessionStore persists quiz sessions.
type SessionStore interface {
	CreateSession(s Session) (string, error)
	GetSession(id string) (*Session, error)
	GetActiveSession(userKey string) (*Session, bool)
	SetLesson(id string, lessonID int) error
	Touch(id, language string) error
	EndSession(id string) error
}

// MemoryStore is an in-memory implementation of SessionStore.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStore) CreateSession(sess Session) (string, error) {
	if sess.UserKey == "" {
		return "", fmt.Errorf("user_key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	sess.ID = id
	sess.StartedAt = now
	sess.LastActiveAt = now
	s.sessions[id] = &sess
	return id, nil
}

func (s *MemoryStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetActiveSession(userKey string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.UserKey == userKey && sess.EndedAt == nil {
			cp := *sess
			return &cp, true
		}
	}
	return nil, false
}

func (s *MemoryStore) SetLesson(id string, lessonID int) error {
	return s.update(id, func(sess *Session) {
		sess.LessonID = lessonID
	})
}

func (s *MemoryStore) Touch(id, language string) error {
	return s.update(id, func(sess *Session) {
		sess.LastActiveAt = time.Now()
		if language != "" {
			sess.Language = language
		}
	})
}

func (s *MemoryStore) EndSession(id string) error {
	return s.update(id, func(sess *Session) {
		now := time.Now()
		sess.EndedAt = &now
	})
}

func (s *MemoryStore) update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	fn(sess)
	return nil
}
