package session

import (
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Session is the runtime state of one conversation: its context buffer, the
// active stream handle and the tool-call counter. All mutation happens under
// the session mutex; callers take it through Lock/Unlock and hold it across
// one logical operation.
type Session struct {
	mu sync.Mutex

	ID      string
	Channel string
	ChatID  string
	IsGroup bool
	Name    string

	Context *Context
	Bucket  *TokenBucket

	streamID  string
	streamBuf strings.Builder
	toolOpen  bool

	toolCalls int
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// BeginStream invalidates any prior stream and installs id as the new
// generation token. Must be called with the lock held.
func (s *Session) BeginStream(id string) string {
	s.warnUnresolvedToolBufferLocked()
	if id == "" {
		id = uuid.NewString()
	}
	s.streamID = id
	s.streamBuf.Reset()
	s.toolOpen = false
	return s.streamID
}

// StreamAlive reports whether gen is still the active stream. Must be called
// with the lock held.
func (s *Session) StreamAlive(gen string) bool {
	return gen != "" && s.streamID == gen
}

// EndStream clears the stream handle if gen is still current. Must be called
// with the lock held.
func (s *Session) EndStream(gen string) {
	if s.streamID != gen {
		return
	}
	s.warnUnresolvedToolBufferLocked()
	s.streamID = ""
	s.streamBuf.Reset()
	s.toolOpen = false
}

// StopStream unconditionally clears the stream handle. Returns the id that
// was active, if any. Must be called with the lock held.
func (s *Session) StopStream() string {
	id := s.streamID
	s.warnUnresolvedToolBufferLocked()
	s.streamID = ""
	s.streamBuf.Reset()
	s.toolOpen = false
	return id
}

func (s *Session) warnUnresolvedToolBufferLocked() {
	if s.toolOpen && s.streamBuf.Len() > 0 {
		log.Printf("[session] %s: discarding unresolved tool-call buffer (%d bytes)", s.ID, s.streamBuf.Len())
	}
}

// StreamBuffer accumulates chunks while a tool-call tag block is open.
func (s *Session) StreamBuffer() *strings.Builder { return &s.streamBuf }

func (s *Session) ToolTagOpen() bool      { return s.toolOpen }
func (s *Session) SetToolTagOpen(on bool) { s.toolOpen = on }

// Tool-call budget within one chat cycle.
func (s *Session) ResetToolCalls() { s.toolCalls = 0 }

func (s *Session) CountToolCall() int {
	s.toolCalls++
	return s.toolCalls
}
func (s *Session) ToolCallCount() int { return s.toolCalls }
