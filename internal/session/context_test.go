package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	lastLen int
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []Message) (string, error) {
	f.calls++
	f.lastLen = len(msgs)
	return f.summary, f.err
}

func userMsg(sender, content string) Message {
	return Message{Role: RoleUser, SenderID: sender, SenderName: sender, Content: content}
}

func assistantMsg(content string) Message {
	return Message{Role: RoleAssistant, SenderID: "bot", SenderName: "bot", Content: content}
}

func TestAddMessageMergesSameSender(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 10})
	ctx := context.Background()

	c.AddMessage(ctx, userMsg("alice", "hello"))
	c.AddMessage(ctx, userMsg("alice", "are you there?"))
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1 merged message", c.Len())
	}
	got := c.Messages()[0].Content
	if got != "hello\nare you there?" {
		t.Errorf("merged content = %q", got)
	}

	c.AddMessage(ctx, userMsg("bob", "hi"))
	if c.Len() != 2 {
		t.Errorf("len = %d, different sender must append", c.Len())
	}
}

func TestAddMessageNoMergeForToolBlock(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 10})
	ctx := context.Background()

	c.AddMessage(ctx, assistantMsg("working on it"))
	c.AddMessage(ctx, assistantMsg(`<tool_call>{"name":"show_memory","arguments":{}}</tool_call>`))
	if c.Len() != 2 {
		t.Fatalf("len = %d, tool block must not merge", c.Len())
	}
}

func TestLimitMessagesKeepsNewestRounds(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 2})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		c.AddMessage(ctx, userMsg(fmt.Sprintf("user%d", i), fmt.Sprintf("question %d", i)))
		c.AddMessage(ctx, assistantMsg(fmt.Sprintf("answer %d", i)))
	}

	if got := c.Rounds(); got != 2 {
		t.Fatalf("rounds = %d, want 2", got)
	}
	msgs := c.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Content != "question 4" || msgs[3].Content != "answer 5" {
		t.Errorf("kept window = [%q .. %q]", msgs[0].Content, msgs[len(msgs)-1].Content)
	}
}

func TestSystemSendersDoNotCountAsRounds(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 2})
	ctx := context.Background()

	c.AddMessage(ctx, userMsg("alice", "one"))
	c.AddMessage(ctx, Message{Role: RoleUser, SenderID: "sys", SenderName: "_notice", Content: "injected"})
	c.AddMessage(ctx, userMsg("bob", "two"))

	if got := c.Rounds(); got != 2 {
		t.Errorf("rounds = %d, injected message must not count", got)
	}
	if c.Len() != 3 {
		t.Errorf("len = %d, nothing should be trimmed yet", c.Len())
	}
}

func TestClearFlags(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 10})
	ctx := context.Background()

	c.AddMessage(ctx, userMsg("alice", "hello"))
	c.AddMessage(ctx, assistantMsg("hi"))
	c.RequestClear(false, true, false)
	c.AddMessage(ctx, userMsg("bob", "next"))

	for _, m := range c.Messages() {
		if m.Role == RoleAssistant {
			t.Error("assistant messages should be cleared")
		}
	}

	c.RequestClear(true, false, false)
	c.AddMessage(ctx, userMsg("carol", "fresh"))
	if c.Len() != 1 {
		t.Errorf("len after clear-all = %d, want 1", c.Len())
	}
}

func TestSenderNameRefreshHourly(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	resolves := 0
	c := NewContext(ContextConfig{MaxRounds: 50})
	c.now = func() time.Time { return clock }
	c.ResolveName = func(id string) (string, bool) {
		resolves++
		return "Alice Liddell", true
	}
	ctx := context.Background()

	c.AddMessage(ctx, Message{Role: RoleUser, SenderID: "a1", Content: "hi"})
	if resolves != 1 {
		t.Fatalf("resolves = %d, want 1", resolves)
	}
	if got := c.Messages()[0].SenderName; got != "Alice Liddell" {
		t.Errorf("sender name = %q", got)
	}

	clock = clock.Add(10 * time.Minute)
	c.AddMessage(ctx, Message{Role: RoleUser, SenderID: "a1", Content: "again"})
	if resolves != 1 {
		t.Errorf("resolves = %d, recent speaker must be skipped", resolves)
	}

	clock = clock.Add(2 * time.Hour)
	c.AddMessage(ctx, Message{Role: RoleUser, SenderID: "a1", Content: "later"})
	if resolves != 2 {
		t.Errorf("resolves = %d, stale name must refresh", resolves)
	}
}

func TestShortMemoryRollupAtThreshold(t *testing.T) {
	sum := &fakeSummarizer{summary: "they talked about tea"}
	var short []string
	c := NewContext(ContextConfig{MaxRounds: 50, SummaryThreshold: 3})
	c.Summarizer = sum
	c.OnShort = func(s string) { short = append(short, s) }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.AddMessage(ctx, userMsg(fmt.Sprintf("u%d", i), "message"))
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls)
	}
	if len(short) != 1 || short[0] != "they talked about tea" {
		t.Errorf("short rollups = %v", short)
	}

	// Counter reset: the next two messages stay below the threshold.
	c.AddMessage(ctx, userMsg("u9", "more"))
	c.AddMessage(ctx, userMsg("u10", "more"))
	if sum.calls != 1 {
		t.Errorf("summarizer calls = %d after reset, want still 1", sum.calls)
	}
}

func TestReinforceHookCarriesSender(t *testing.T) {
	type call struct{ text, role, sender string }
	var calls []call
	c := NewContext(ContextConfig{MaxRounds: 50})
	c.Reinforce = func(text, role, senderID string) {
		calls = append(calls, call{text, role, senderID})
	}

	c.AddMessage(context.Background(), userMsg("alice", "I love tea"))
	c.AddMessage(context.Background(), userMsg("bob", "me too"))

	if len(calls) != 2 {
		t.Fatalf("reinforce calls = %d, want one per message", len(calls))
	}
	if calls[0] != (call{"I love tea", RoleUser, "alice"}) {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].sender != "bob" {
		t.Errorf("second call sender = %q, want bob", calls[1].sender)
	}
}

func TestReinforceHookSkipsBlankContent(t *testing.T) {
	calls := 0
	c := NewContext(ContextConfig{MaxRounds: 50})
	c.Reinforce = func(string, string, string) { calls++ }

	m := userMsg("alice", "   ")
	m.Images = []string{"file:///p.png"}
	c.AddMessage(context.Background(), m)
	if calls != 0 {
		t.Errorf("reinforce calls = %d for blank text, want 0", calls)
	}
}

func TestIgnoreList(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 10, Ignore: []string{" 13 ", "", "42"}})

	for _, id := range []string{"13", "42"} {
		if !c.EntityIgnored(id) {
			t.Errorf("seeded id %q not ignored", id)
		}
	}
	if c.EntityIgnored("") {
		t.Error("blank seed must be dropped")
	}

	c.IgnoreEntity("99")
	if !c.EntityIgnored("99") {
		t.Error("IgnoreEntity did not take")
	}
	c.UnignoreEntity("13")
	if c.EntityIgnored("13") {
		t.Error("UnignoreEntity did not take")
	}
	got := c.IgnoredEntities()
	if len(got) != 2 {
		t.Errorf("ignored entities = %v, want 42 and 99", got)
	}
}

func TestCompressReplacesPrefixWithSummary(t *testing.T) {
	sum := &fakeSummarizer{summary: "old talk condensed"}
	c := NewContext(ContextConfig{MaxRounds: 3, CompressEnabled: true, CompressSize: 4})
	c.Summarizer = sum
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		c.AddMessage(ctx, userMsg(fmt.Sprintf("u%d", i), fmt.Sprintf("q%d", i)))
		c.AddMessage(ctx, assistantMsg(fmt.Sprintf("a%d", i)))
	}

	msgs := c.Messages()
	if msgs[0].SenderName != "_compressed" {
		t.Fatalf("first message = %+v, want synthetic summary", msgs[0])
	}
	if msgs[0].Role != RoleUser {
		t.Errorf("summary role = %q, want user", msgs[0].Role)
	}
	if sum.calls == 0 {
		t.Error("summarizer never called")
	}
}

func TestCompressBoundaryNeverSplitsToolPair(t *testing.T) {
	sum := &fakeSummarizer{summary: "s"}
	c := NewContext(ContextConfig{MaxRounds: 2, CompressEnabled: true, CompressSize: 3})
	c.Summarizer = sum

	// Hand-build a buffer where index 3 is the tool result of the assistant
	// call at index 2. A boundary of 3 must pull left to 2.
	c.msgs = []Message{
		userMsg("u1", "q1"),
		assistantMsg("a1"),
		{Role: RoleAssistant, SenderID: "bot", Content: "", ToolCalls: []ToolCall{{ID: "t1", Name: "show_memory"}}},
		{Role: RoleTool, ToolCallID: "t1", Content: "result"},
		userMsg("u2", "q2"),
	}

	c.CompressIfNeeded(context.Background())

	msgs := c.Messages()
	if sum.lastLen != 2 {
		t.Fatalf("summarized prefix length = %d, want 2 (pulled left of tool pair)", sum.lastLen)
	}
	// The assistant call and its tool result stay adjacent.
	for i, m := range msgs {
		if len(m.ToolCalls) > 0 {
			if i+1 >= len(msgs) || msgs[i+1].Role != RoleTool {
				t.Errorf("tool pair split at index %d", i)
			}
		}
	}
}

func TestCompressFailureLeavesBufferUntouched(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("backend down")}
	c := NewContext(ContextConfig{MaxRounds: 2, CompressEnabled: true, CompressSize: 2})
	c.Summarizer = sum
	ctx := context.Background()

	c.AddMessage(ctx, userMsg("u1", "q1"))
	c.AddMessage(ctx, assistantMsg("a1"))
	c.AddMessage(ctx, userMsg("u2", "q2"))
	before := c.Len()

	c.CompressIfNeeded(ctx)
	if c.Len() != before {
		t.Errorf("len changed from %d to %d on summarizer failure", before, c.Len())
	}
}

func TestDropTrailingAssistant(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 10})
	c.msgs = []Message{
		userMsg("u1", "q"),
		{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{{ID: "t1", Name: "x"}}},
		{Role: RoleTool, ToolCallID: "t1", Content: "r"},
		assistantMsg("same answer"),
	}
	dropped := c.DropTrailingAssistant()
	if dropped != 3 {
		t.Fatalf("dropped = %d, want 3", dropped)
	}
	if c.Len() != 1 || c.Messages()[0].Role != RoleUser {
		t.Errorf("remaining = %+v", c.Messages())
	}
}

func TestLastAssistantTextAndSenders(t *testing.T) {
	c := NewContext(ContextConfig{MaxRounds: 10})
	ctx := context.Background()
	c.AddMessage(ctx, userMsg("alice", "hi"))
	c.AddMessage(ctx, assistantMsg("hello"))
	c.AddMessage(ctx, userMsg("bob", "yo"))

	if got := c.LastAssistantText(); got != "hello" {
		t.Errorf("last assistant text = %q", got)
	}
	senders := c.Senders()
	if len(senders) != 3 || senders[0][0] != "bob" {
		t.Errorf("senders = %v, want newest first", senders)
	}
}
