package session

// Message roles as they appear on the wire to the model backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one structured tool invocation emitted by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry in a session's conversation buffer. Consecutive
// messages from the same sender are merged on insert, so one Message can
// carry several utterances.
type Message struct {
	Role       string     `json:"role"`
	SenderID   string     `json:"senderId,omitempty"`
	SenderName string     `json:"senderName,omitempty"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"`
	MsgID      string     `json:"msgId,omitempty"`
	Time       int64      `json:"time"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

func copyMessage(m Message) Message {
	c := m
	c.Images = append([]string(nil), m.Images...)
	if len(m.ToolCalls) > 0 {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(c.ToolCalls, m.ToolCalls)
	}
	return c
}

// systemSender reports whether a sender name marks a system-injected
// message. Those never count toward the round limit.
func systemSender(name string) bool {
	return len(name) > 0 && name[0] == '_'
}
