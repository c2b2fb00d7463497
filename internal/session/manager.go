package session

import (
	"sort"
	"sync"
)

// Factory builds the context and bucket for a freshly created session.
type Factory func(id string, isGroup bool) (*Context, *TokenBucket)

// Manager is the explicit session registry. It owns session creation; the
// per-session mutex lives on the Session itself.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
}

func NewManager(factory Factory) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

// Get returns the session for id, creating it on first use.
func (m *Manager) Get(id, channel, chatID string, isGroup bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	ctx, bucket := m.factory(id, isGroup)
	s := &Session{
		ID:      id,
		Channel: channel,
		ChatID:  chatID,
		IsGroup: isGroup,
		Context: ctx,
		Bucket:  bucket,
	}
	m.sessions[id] = s
	return s
}

// Peek returns an existing session without creating one.
func (m *Manager) Peek(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns the registered sessions, ordered by id.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
