package llm

import "context"

// Message is one wire-format chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured invocation in a model response.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolDef describes one callable tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one model call: the message list, the tool inventory and a
// tool_choice hint ("auto", "none", "required" or empty).
type Request struct {
	Messages   []Message
	Tools      []ToolDef
	ToolChoice string
}

// Result is a non-streaming model response.
type Result struct {
	Content   string
	ToolCalls []ToolCall
}

// Stream poll statuses.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Poll is one streaming poll result. Chunk holds the text accumulated since
// the caller's cursor.
type Poll struct {
	Status     string
	Chunk      string
	NextCursor int
}

// Client is the language-model collaborator: one-shot chat, the streaming
// triplet and summarization.
type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
	StartStream(ctx context.Context, req Request) (string, error)
	PollStream(ctx context.Context, streamID string, cursor int) (Poll, error)
	EndStream(ctx context.Context, streamID string) error
	Summarize(ctx context.Context, msgs []Message) (string, error)
}
