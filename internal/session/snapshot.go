package session

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

const snapshotVersion = 1

// Snapshot is the serializable state of one session's conversation buffer.
// Runtime stream state is deliberately not persisted.
type Snapshot struct {
	Version      int       `json:"version"`
	ID           string    `json:"id"`
	Channel      string    `json:"channel,omitempty"`
	ChatID       string    `json:"chatId,omitempty"`
	IsGroup      bool      `json:"isGroup,omitempty"`
	Name         string    `json:"name,omitempty"`
	Ignore       []string  `json:"ignore,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	SummaryCount int       `json:"summaryCount,omitempty"`
}

// Snapshot captures the session for persistence. Must be called with the
// session lock held.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Version: snapshotVersion,
		ID:      s.ID,
		Channel: s.Channel,
		ChatID:  s.ChatID,
		IsGroup: s.IsGroup,
		Name:    s.Name,
	}
	if s.Context != nil {
		snap.Ignore = s.Context.IgnoredEntities()
		sort.Strings(snap.Ignore)
		snap.Messages = s.Context.Messages()
		snap.SummaryCount = s.Context.summaryCount
	}
	return snap
}

// Restore replaces the buffer from a decoded snapshot, validating required
// fields and skipping malformed messages. Must be called with the session
// lock held.
func (s *Session) Restore(snap Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("restore session: unsupported snapshot version %d", snap.Version)
	}
	if s.Context == nil {
		return fmt.Errorf("restore session: no context attached")
	}

	s.IsGroup = snap.IsGroup
	if snap.Channel != "" {
		s.Channel = snap.Channel
	}
	if snap.ChatID != "" {
		s.ChatID = snap.ChatID
	}
	if snap.Name != "" {
		s.Name = snap.Name
	}
	for _, id := range snap.Ignore {
		s.Context.IgnoreEntity(id)
	}

	msgs := make([]Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		if !validRole(m.Role) {
			log.Printf("[session] restore %s: skipping message with role %q", s.ID, m.Role)
			continue
		}
		if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 && len(m.Images) == 0 {
			continue
		}
		msgs = append(msgs, copyMessage(m))
	}
	s.Context.msgs = msgs
	if snap.SummaryCount >= 0 {
		s.Context.summaryCount = snap.SummaryCount
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}
