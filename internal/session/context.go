package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/aicore/internal/tag"
)

const nameRefreshInterval = time.Hour

// Summarizer condenses a message slice into one summary string. Used for
// both context compression and short-memory rollups.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}

// ContextConfig bounds one session's conversation buffer.
type ContextConfig struct {
	MaxRounds        int
	CompressEnabled  bool
	CompressSize     int
	SummaryThreshold int

	// Ignore seeds the entity ids excluded from name resolution.
	Ignore []string
}

// Context is the bounded conversation buffer of one session. It is not
// self-locking; the owning Session serializes access.
type Context struct {
	cfg  ContextConfig
	msgs []Message

	clearAll       bool
	clearAssistant bool
	clearUser      bool

	summaryCount int
	compressing  bool

	senderSeen map[string]time.Time
	ignore     map[string]struct{}

	// Collaborators, all optional. A nil collaborator disables the hook.
	Summarizer  Summarizer
	ResolveName func(senderID string) (string, bool)
	Reinforce   func(text, role, senderID string)
	OnShort     func(summary string)

	now func() time.Time
}

func NewContext(cfg ContextConfig) *Context {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 30
	}
	if cfg.CompressSize <= 0 {
		cfg.CompressSize = 20
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = 10
	}
	c := &Context{
		cfg:        cfg,
		senderSeen: make(map[string]time.Time),
		ignore:     make(map[string]struct{}),
		now:        time.Now,
	}
	for _, id := range cfg.Ignore {
		if id = strings.TrimSpace(id); id != "" {
			c.ignore[id] = struct{}{}
		}
	}
	return c
}

// IgnoreEntity excludes an entity id from name resolution.
func (c *Context) IgnoreEntity(id string) {
	if id = strings.TrimSpace(id); id != "" {
		c.ignore[id] = struct{}{}
	}
}

// UnignoreEntity lifts the exclusion again.
func (c *Context) UnignoreEntity(id string) {
	delete(c.ignore, id)
}

func (c *Context) EntityIgnored(id string) bool {
	_, ok := c.ignore[id]
	return ok
}

// IgnoredEntities lists the excluded ids in unspecified order.
func (c *Context) IgnoredEntities() []string {
	out := make([]string, 0, len(c.ignore))
	for id := range c.ignore {
		out = append(out, id)
	}
	return out
}

// AddMessage inserts one message: clear flags first, then sender name
// refresh, then merge-or-append, then the short-memory counter, weight
// reinforcement, compression and the round limit.
func (c *Context) AddMessage(ctx context.Context, m Message) {
	c.applyClearFlags()

	if m.Time == 0 {
		m.Time = c.now().Unix()
	}
	c.refreshSenderName(&m)

	merged := c.mergeOrAppend(m)

	if m.Role == RoleUser && !merged && !systemSender(m.SenderName) {
		c.summaryCount++
		if c.summaryCount >= c.cfg.SummaryThreshold {
			c.rollupShort(ctx)
			c.summaryCount = 0
		}
	}

	if c.Reinforce != nil && strings.TrimSpace(m.Content) != "" {
		c.Reinforce(m.Content, m.Role, m.SenderID)
	}

	c.CompressIfNeeded(ctx)
	c.LimitMessages()
}

// RequestClear marks pending deletions applied on the next insert.
// all wins over the role-scoped flags.
func (c *Context) RequestClear(all, assistantAndTool, user bool) {
	c.clearAll = c.clearAll || all
	c.clearAssistant = c.clearAssistant || assistantAndTool
	c.clearUser = c.clearUser || user
}

func (c *Context) applyClearFlags() {
	if c.clearAll {
		c.msgs = nil
		c.summaryCount = 0
	} else if c.clearAssistant || c.clearUser {
		kept := c.msgs[:0]
		for _, m := range c.msgs {
			if c.clearAssistant && (m.Role == RoleAssistant || m.Role == RoleTool) {
				continue
			}
			if c.clearUser && m.Role == RoleUser {
				continue
			}
			kept = append(kept, m)
		}
		c.msgs = kept
	}
	c.clearAll, c.clearAssistant, c.clearUser = false, false, false
}

// refreshSenderName resolves the display name at most once per hour of
// conversation per sender.
func (c *Context) refreshSenderName(m *Message) {
	if c.ResolveName == nil || m.SenderID == "" {
		return
	}
	now := c.now()
	if last, ok := c.senderSeen[m.SenderID]; ok && now.Sub(last) < nameRefreshInterval {
		c.senderSeen[m.SenderID] = now
		return
	}
	c.senderSeen[m.SenderID] = now
	if name, ok := c.ResolveName(m.SenderID); ok && name != "" {
		m.SenderName = name
	}
}

// mergeOrAppend folds the message into the previous one when both come from
// the same sender and neither side carries tool-call payload. Returns true
// when merged.
func (c *Context) mergeOrAppend(m Message) bool {
	if n := len(c.msgs); n > 0 {
		last := &c.msgs[n-1]
		if last.Role == m.Role && last.SenderID == m.SenderID &&
			m.Role != RoleTool &&
			len(m.ToolCalls) == 0 && len(last.ToolCalls) == 0 &&
			!tag.IsToolBlockOnly(m.Content) && !tag.IsToolBlockOnly(last.Content) {
			last.Content = strings.TrimSpace(last.Content + "\n" + m.Content)
			last.Images = append(last.Images, m.Images...)
			last.Time = m.Time
			if m.MsgID != "" {
				last.MsgID = m.MsgID
			}
			return true
		}
	}
	c.msgs = append(c.msgs, copyMessage(m))
	return false
}

func (c *Context) rollupShort(ctx context.Context) {
	if c.Summarizer == nil || c.OnShort == nil {
		return
	}
	recent := c.Messages()
	if len(recent) > c.cfg.SummaryThreshold {
		recent = recent[len(recent)-c.cfg.SummaryThreshold:]
	}
	summary, err := c.Summarizer.Summarize(ctx, recent)
	if err != nil {
		log.Printf("[session] short-memory rollup failed: %v", err)
		return
	}
	if strings.TrimSpace(summary) != "" {
		c.OnShort(summary)
	}
}

// CompressIfNeeded replaces a prefix of the buffer by a single synthetic
// summary message once the round count reaches the limit. The boundary walks
// left so a tool message is never separated from the assistant message that
// called it. Failures leave the buffer untouched.
func (c *Context) CompressIfNeeded(ctx context.Context) {
	if !c.cfg.CompressEnabled || c.compressing || c.Summarizer == nil {
		return
	}
	if c.Rounds() < c.cfg.MaxRounds {
		return
	}

	boundary := c.cfg.CompressSize
	if boundary > len(c.msgs)-1 {
		boundary = len(c.msgs) - 1
	}
	for boundary > 0 && c.splitsToolPair(boundary) {
		boundary--
	}
	if boundary <= 0 {
		return
	}

	c.compressing = true
	defer func() { c.compressing = false }()

	prefix := make([]Message, boundary)
	copy(prefix, c.msgs[:boundary])
	summary, err := c.Summarizer.Summarize(ctx, prefix)
	if err != nil {
		log.Printf("[session] compression failed, keeping %d messages: %v", boundary, err)
		return
	}

	synthetic := Message{
		Role:       RoleUser,
		SenderName: "_compressed",
		Content:    fmt.Sprintf("[earlier conversation summary]\n%s", summary),
		Time:       c.now().Unix(),
	}
	c.msgs = append([]Message{synthetic}, c.msgs[boundary:]...)
}

// splitsToolPair reports whether cutting before index b would separate a
// tool result from its assistant call.
func (c *Context) splitsToolPair(b int) bool {
	if b >= len(c.msgs) {
		return false
	}
	if c.msgs[b].Role == RoleTool {
		return true
	}
	prev := c.msgs[b-1]
	return prev.Role == RoleAssistant && len(prev.ToolCalls) > 0
}

// LimitMessages drops everything older than the newest MaxRounds rounds in
// one cut.
func (c *Context) LimitMessages() {
	count := 0
	for i := len(c.msgs) - 1; i >= 0; i-- {
		m := c.msgs[i]
		if m.Role == RoleUser && !systemSender(m.SenderName) {
			count++
			if count == c.cfg.MaxRounds {
				if i > 0 {
					c.msgs = append([]Message(nil), c.msgs[i:]...)
				}
				return
			}
		}
	}
}

// Rounds counts user messages whose sender is not system-injected.
func (c *Context) Rounds() int {
	n := 0
	for _, m := range c.msgs {
		if m.Role == RoleUser && !systemSender(m.SenderName) {
			n++
		}
	}
	return n
}

// Messages returns a copy of the buffer.
func (c *Context) Messages() []Message {
	out := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, copyMessage(m))
	}
	return out
}

// Len reports the buffer length.
func (c *Context) Len() int { return len(c.msgs) }

// AppendRaw appends without merge, counters or hooks. The orchestrator uses
// it for assistant and tool messages it fully controls.
func (c *Context) AppendRaw(m Message) {
	if m.Time == 0 {
		m.Time = c.now().Unix()
	}
	c.msgs = append(c.msgs, copyMessage(m))
}

// DropTrailingAssistant removes the newest contiguous run of assistant and
// tool messages, used when repeat detection exhausts its retries.
func (c *Context) DropTrailingAssistant() int {
	i := len(c.msgs) - 1
	for i >= 0 && c.msgs[i].Role != RoleAssistant && c.msgs[i].Role != RoleTool {
		i--
	}
	if i < 0 {
		return 0
	}
	hi := i + 1
	for i >= 0 && (c.msgs[i].Role == RoleAssistant || c.msgs[i].Role == RoleTool) {
		i--
	}
	lo := i + 1
	c.msgs = append(c.msgs[:lo], c.msgs[hi:]...)
	return hi - lo
}

// LastAssistantText returns the content of the newest assistant message.
func (c *Context) LastAssistantText() string {
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Role == RoleAssistant {
			return c.msgs[i].Content
		}
	}
	return ""
}

// Senders lists (id, name) pairs of buffer senders, newest first.
func (c *Context) Senders() [][2]string {
	var out [][2]string
	seen := map[string]struct{}{}
	for i := len(c.msgs) - 1; i >= 0; i-- {
		m := c.msgs[i]
		if m.SenderID == "" {
			continue
		}
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		out = append(out, [2]string{m.SenderID, m.SenderName})
	}
	return out
}

// ImageRefs lists image attachments in the buffer, newest first.
func (c *Context) ImageRefs() []string {
	var out []string
	for i := len(c.msgs) - 1; i >= 0; i-- {
		out = append(out, c.msgs[i].Images...)
	}
	return out
}
