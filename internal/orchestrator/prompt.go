package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/llm"
	"github.com/stellarlinkco/aicore/internal/memory"
	"github.com/stellarlinkco/aicore/internal/session"
	"github.com/stellarlinkco/aicore/internal/tag"
)

const promptToolInstructions = `You can call tools by replying with exactly one block of the form:
` + tag.ToolOpenTag + `{"name":"<tool name>","arguments":{...}}` + tag.ToolCloseTag + `
Text before the block is sent to the user. Never invent tool names.`

// buildRequest assembles the outgoing message list: system prompt (persona,
// relevant memories, short-memory rollups), then the conversation buffer.
func (o *Orchestrator) buildRequest(ctx context.Context, sess *session.Session, toolChoice string) llm.Request {
	sess.Lock()
	msgs := sess.Context.Messages()
	isGroup := sess.IsGroup
	sess.Unlock()

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s.", o.agentName)

	store := o.memoryFor(sess)
	if store != nil {
		if persona := store.Persona(); persona != "" {
			sys.WriteString("\n\n" + persona)
		}
		if recall := o.recallPrompt(ctx, sess, store, msgs); recall != "" {
			sys.WriteString("\n\n" + recall)
		}
		if store.ShortEnabled() {
			if shorts := store.Shorts(); len(shorts) > 0 {
				sys.WriteString("\n\nRecent conversation summaries:")
				for _, s := range shorts {
					sys.WriteString("\n- " + s)
				}
			}
		}
	}

	var tools []llm.ToolDef
	if o.tools != nil {
		if o.cfg.ToolMode == config.ToolModePrompt {
			sys.WriteString("\n\n" + promptToolInstructions + "\n\nAvailable tools:")
			for _, d := range o.tools.Definitions() {
				fmt.Fprintf(&sys, "\n- %s: %s", d.Name, d.Description)
			}
		} else {
			for _, d := range o.tools.Definitions() {
				tools = append(tools, llm.ToolDef{
					Name:        d.Name,
					Description: d.Description,
					Parameters:  d.Parameters,
				})
			}
		}
	}

	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: session.RoleSystem, Content: sys.String()})
	for _, m := range msgs {
		out = append(out, toWire(m, isGroup))
	}

	req := llm.Request{Messages: out, Tools: tools}
	if len(tools) > 0 {
		req.ToolChoice = toolChoice
	}
	return req
}

// recallPrompt searches the memory store with the newest user text.
func (o *Orchestrator) recallPrompt(ctx context.Context, sess *session.Session, store *memory.Store, msgs []session.Message) string {
	query := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser && strings.TrimSpace(msgs[i].Content) != "" {
			query = msgs[i].Content
			break
		}
	}
	if query == "" {
		return ""
	}

	units := store.Search(ctx, query, memory.SearchOptions{
		Method:   memory.MethodScore,
		TopK:     o.topK(),
		Keywords: memory.ExtractKeywords(query),
	})
	if len(units) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories:")
	for _, u := range units {
		b.WriteString("\n- " + u.Text)
	}
	return b.String()
}

func (o *Orchestrator) topK() int {
	if o.TopK > 0 {
		return o.TopK
	}
	return config.DefaultMemoryTopK
}

func (o *Orchestrator) memoryFor(sess *session.Session) *memory.Store {
	if o.Memory == nil {
		return nil
	}
	return o.Memory(sess)
}

// toWire converts a buffered message. In groups, user text is prefixed with
// the sender's display name so the model can tell speakers apart.
func toWire(m session.Message, isGroup bool) llm.Message {
	wm := llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if isGroup && m.Role == session.RoleUser && m.SenderName != "" && !strings.HasPrefix(m.SenderName, "_") {
		wm.Content = m.SenderName + ": " + m.Content
	}
	for _, tc := range m.ToolCalls {
		wm.ToolCalls = append(wm.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return wm
}
