package orchestrator

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/stellarlinkco/aicore/internal/bus"
	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/llm"
	"github.com/stellarlinkco/aicore/internal/memory"
	"github.com/stellarlinkco/aicore/internal/session"
	"github.com/stellarlinkco/aicore/internal/tag"
	"github.com/stellarlinkco/aicore/internal/tool"
)

// ReasonCallback marks the recursive cycle after tool dispatch. It bypasses
// the token-bucket gate.
const ReasonCallback = "function callback"

// Orchestrator drives one model conversation cycle per session: request
// building, tool interception, repeat detection and reply emission.
type Orchestrator struct {
	cfg config.OrchestratorConfig

	agentName string
	agentUID  string

	client llm.Client
	tools  *tool.Registry

	// TopK bounds memory recall in the system prompt. Zero means the
	// configured default.
	TopK int

	// Memory returns the memory store backing a session.
	Memory func(sess *session.Session) *memory.Store
	// Emit delivers one outbound message to the chat surface.
	Emit func(msg bus.OutboundMessage)
	// Persist flushes the session after a completed cycle. Optional.
	Persist func(sess *session.Session)

	randFloat func() float64
	sleep     func(d time.Duration)
}

func New(cfg config.OrchestratorConfig, agentName, agentUID string, client llm.Client, tools *tool.Registry) *Orchestrator {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = config.DefaultMaxToolCalls
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = config.DefaultMaxRetries
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = config.DefaultRepeatThreshold
	}
	return &Orchestrator{
		cfg:       cfg,
		agentName: agentName,
		agentUID:  agentUID,
		client:    client,
		tools:     tools,
		randFloat: rand.Float64,
		sleep:     time.Sleep,
	}
}

// Chat runs one non-streaming cycle. Unless this is a tool-callback
// continuation, an empty token bucket turns the call into a silent no-op.
func (o *Orchestrator) Chat(ctx context.Context, sess *session.Session, reason, toolChoice string) {
	if reason != ReasonCallback {
		if sess.Bucket != nil && !sess.Bucket.Take() {
			log.Printf("[orchestrator] %s: rate limited, skipping chat (%s)", sess.ID, reason)
			return
		}
		sess.Lock()
		sess.ResetToolCalls()
		if prior := sess.StopStream(); prior != "" {
			sess.Unlock()
			o.client.EndStream(ctx, prior)
		} else {
			sess.Unlock()
		}
	}

	req := o.buildRequest(ctx, sess, toolChoice)
	res, err := o.client.Chat(ctx, req)
	if err != nil {
		log.Printf("[orchestrator] %s: model call failed: %v", sess.ID, err)
		return
	}

	if o.interceptTools(ctx, sess, res) {
		return
	}

	content := o.retryOnRepeat(ctx, sess, req, res.Content)
	if strings.TrimSpace(content) == "" {
		return
	}
	o.reply(sess, content)
	o.persist(sess)
}

// interceptTools handles a tool invocation in the response, structured or
// tagged. Returns true when the cycle was handed to the recursive callback.
func (o *Orchestrator) interceptTools(ctx context.Context, sess *session.Session, res llm.Result) bool {
	if o.cfg.ToolMode == config.ToolModePrompt {
		return o.interceptTaggedTool(ctx, sess, res.Content)
	}

	if len(res.ToolCalls) == 0 {
		return false
	}

	// Pre-tool text goes out directly; the context record is the assistant
	// message carrying the call list below.
	if strings.TrimSpace(res.Content) != "" {
		o.emit(bus.OutboundMessage{Channel: sess.Channel, ChatID: sess.ChatID, Content: tag.PlainText(res.Content)})
	}

	calls := res.ToolCalls
	if len(calls) > o.cfg.MaxToolCalls {
		log.Printf("[orchestrator] %s: truncating %d tool calls to %d", sess.ID, len(calls), o.cfg.MaxToolCalls)
		calls = calls[:o.cfg.MaxToolCalls]
	}

	sess.Lock()
	assistant := session.Message{
		Role:       session.RoleAssistant,
		SenderID:   o.agentUID,
		SenderName: o.agentName,
		Content:    res.Content,
	}
	for _, c := range calls {
		assistant.ToolCalls = append(assistant.ToolCalls, session.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args})
	}
	sess.Context.AppendRaw(assistant)
	sess.Unlock()

	for _, c := range calls {
		sess.Lock()
		count := sess.CountToolCall()
		sess.Unlock()
		if count > o.cfg.MaxToolCalls {
			log.Printf("[orchestrator] %s: tool budget exhausted at %d calls", sess.ID, count-1)
			break
		}
		content := o.dispatchTool(ctx, sess, c.Name, c.Args)
		sess.Lock()
		sess.Context.AppendRaw(session.Message{
			Role:       session.RoleTool,
			Content:    content,
			ToolCallID: c.ID,
		})
		sess.Unlock()
	}

	o.Chat(ctx, sess, ReasonCallback, "auto")
	return true
}

// interceptTaggedTool handles prompt-engineered tool mode in the
// non-streaming cycle.
func (o *Orchestrator) interceptTaggedTool(ctx context.Context, sess *session.Session, content string) bool {
	return o.handleTaggedTool(ctx, sess, content, func() {
		o.Chat(ctx, sess, ReasonCallback, "")
	})
}

// handleTaggedTool processes a complete delimited tool block in content:
// flush pre-tag text, record the block, dispatch, write the result note,
// then resume via the caller's continuation. Returns false when content has
// no complete block.
func (o *Orchestrator) handleTaggedTool(ctx context.Context, sess *session.Session, content string, resume func()) bool {
	before, block, _, ok := tag.SplitToolBlock(content)
	if !ok {
		return false
	}

	if flushed := strings.TrimSpace(before); flushed != "" {
		o.reply(sess, flushed)
	}

	sess.Lock()
	count := sess.CountToolCall()
	sess.Context.AppendRaw(session.Message{
		Role:       session.RoleAssistant,
		SenderID:   o.agentUID,
		SenderName: o.agentName,
		Content:    tag.ToolOpenTag + block + tag.ToolCloseTag,
	})
	sess.Unlock()
	if count > o.cfg.MaxToolCalls {
		log.Printf("[orchestrator] %s: tool budget exhausted at %d calls", sess.ID, count-1)
		return true
	}

	var note string
	inv, err := tag.ParseToolBlock(block)
	if err != nil {
		note = "tool call could not be parsed: " + err.Error()
	} else {
		note = o.dispatchTool(ctx, sess, inv.Name, inv.Args)
	}

	// No tool role in prompt mode; the result rides a system-injected
	// user message.
	sess.Lock()
	sess.Context.AppendRaw(session.Message{
		Role:       session.RoleUser,
		SenderName: "_tool",
		Content:    note,
	})
	sess.Unlock()

	resume()
	return true
}

// dispatchTool runs one tool and folds failures into the result text so the
// model can react.
func (o *Orchestrator) dispatchTool(ctx context.Context, sess *session.Session, name string, args map[string]any) string {
	if o.tools == nil {
		return "no tools available"
	}
	res, err := o.tools.Dispatch(ctx, name, args)
	if err != nil {
		log.Printf("[orchestrator] %s: tool %s failed: %v", sess.ID, name, err)
		return "tool error: " + err.Error()
	}
	for _, img := range res.Images {
		o.emit(bus.OutboundMessage{Channel: sess.Channel, ChatID: sess.ChatID, Images: []string{img}})
	}
	if strings.TrimSpace(res.Content) == "" {
		return "tool returned no content"
	}
	return res.Content
}

// retryOnRepeat re-requests when the candidate repeats the previous
// assistant reply. After the retry budget, the trailing assistant block is
// purged and the last candidate goes out anyway.
func (o *Orchestrator) retryOnRepeat(ctx context.Context, sess *session.Session, req llm.Request, candidate string) string {
	for attempt := 1; attempt < o.cfg.MaxRetries; attempt++ {
		sess.Lock()
		last := sess.Context.LastAssistantText()
		sess.Unlock()
		if candidate == "" || last == "" || textSimilarity(candidate, last) < o.cfg.RepeatThreshold {
			return candidate
		}
		log.Printf("[orchestrator] %s: repeated reply detected, retrying (%d/%d)", sess.ID, attempt, o.cfg.MaxRetries)
		res, err := o.client.Chat(ctx, req)
		if err != nil {
			log.Printf("[orchestrator] %s: retry failed: %v", sess.ID, err)
			return candidate
		}
		candidate = res.Content
	}

	sess.Lock()
	last := sess.Context.LastAssistantText()
	repeated := candidate != "" && last != "" && textSimilarity(candidate, last) >= o.cfg.RepeatThreshold
	if repeated {
		dropped := sess.Context.DropTrailingAssistant()
		log.Printf("[orchestrator] %s: retries exhausted, purged %d trailing messages", sess.ID, dropped)
	}
	sess.Unlock()
	return candidate
}

// reply sends the display rendering of text and appends the raw text as an
// assistant message. A small configured probability attaches one stored
// image.
func (o *Orchestrator) reply(sess *session.Session, text string) {
	display := tag.PlainText(text)
	out := bus.OutboundMessage{Channel: sess.Channel, ChatID: sess.ChatID, Content: display}

	if o.cfg.ReplyImageProb > 0 && o.randFloat() < o.cfg.ReplyImageProb {
		if imgs := o.sessionImages(sess); len(imgs) > 0 {
			out.Images = []string{imgs[int(o.randFloat()*float64(len(imgs)))%len(imgs)]}
		}
	}
	o.emit(out)

	sess.Lock()
	sess.Context.AppendRaw(session.Message{
		Role:       session.RoleAssistant,
		SenderID:   o.agentUID,
		SenderName: o.agentName,
		Content:    text,
	})
	sess.Unlock()
}

func (o *Orchestrator) sessionImages(sess *session.Session) []string {
	if o.Memory == nil {
		return nil
	}
	store := o.Memory(sess)
	if store == nil {
		return nil
	}
	return store.ImageRefs()
}

func (o *Orchestrator) emit(msg bus.OutboundMessage) {
	if o.Emit == nil {
		return
	}
	o.Emit(msg)
}

func (o *Orchestrator) persist(sess *session.Session) {
	if o.Persist != nil {
		o.Persist(sess)
	}
}

// textSimilarity is a normalized edit-distance similarity in [0,1].
func textSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
