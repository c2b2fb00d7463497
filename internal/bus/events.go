package bus

import "time"

type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	IsGroup    bool
	MsgID      string
	Content    string
	Timestamp  time.Time
	Images     []string
	Metadata   map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
	Images  []string
}
