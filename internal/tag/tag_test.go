package tag

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	toks := Tokenize("hi [@alice] look [img:cat.png] ok")
	kinds := make([]Kind, 0, len(toks))
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
	}
	want := []Kind{KindText, KindMention, KindText, KindAttachment, KindText}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	if toks[1].Value != "alice" {
		t.Errorf("mention value = %q, want alice", toks[1].Value)
	}
	if toks[3].Value != "cat.png" {
		t.Errorf("attachment value = %q, want cat.png", toks[3].Value)
	}
}

func TestTokenize_Unterminated(t *testing.T) {
	toks := Tokenize("broken [img:cat")
	if len(toks) != 1 || toks[0].Kind != KindText {
		t.Fatalf("expected single text token, got %+v", toks)
	}
}

func TestSplitToolBlock(t *testing.T) {
	s := "let me check<tool_call>{\"name\":\"roll\",\"arguments\":{\"n\":6}}</tool_call>tail"
	before, block, after, ok := SplitToolBlock(s)
	if !ok {
		t.Fatal("expected a complete tool block")
	}
	if before != "let me check" {
		t.Errorf("before = %q", before)
	}
	if after != "tail" {
		t.Errorf("after = %q", after)
	}

	inv, err := ParseToolBlock(block)
	if err != nil {
		t.Fatalf("ParseToolBlock error: %v", err)
	}
	if inv.Name != "roll" {
		t.Errorf("name = %q, want roll", inv.Name)
	}
	if inv.Args["n"].(float64) != 6 {
		t.Errorf("args n = %v, want 6", inv.Args["n"])
	}
}

func TestSplitToolBlock_Incomplete(t *testing.T) {
	if _, _, _, ok := SplitToolBlock("text <tool_call>{\"name\":\"x\""); ok {
		t.Fatal("incomplete block should not split")
	}
	if _, _, _, ok := SplitToolBlock("no tags"); ok {
		t.Fatal("plain text should not split")
	}
}

func TestParseToolBlock_Invalid(t *testing.T) {
	if _, err := ParseToolBlock("not json"); err == nil {
		t.Fatal("expected error for bad json")
	}
	if _, err := ParseToolBlock(`{"arguments":{}}`); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestRenderToolBlockRoundTrip(t *testing.T) {
	inv := &ToolInvocation{Name: "set_memory", Args: map[string]any{"text": "likes tea"}}
	s := RenderToolBlock(inv)
	_, block, _, ok := SplitToolBlock(s)
	if !ok {
		t.Fatal("rendered block should split")
	}
	got, err := ParseToolBlock(block)
	if err != nil {
		t.Fatalf("parse rendered block: %v", err)
	}
	if got.Name != inv.Name {
		t.Errorf("name = %q, want %q", got.Name, inv.Name)
	}
}

func TestPlainText(t *testing.T) {
	s := "hello [@bob] <tool_call>{\"name\":\"x\"}</tool_call> bye [img:dog]"
	got := PlainText(s)
	if got != "hello @bob  bye " {
		t.Errorf("PlainText = %q", got)
	}
}

func TestIsToolBlockOnly(t *testing.T) {
	if !IsToolBlockOnly("  <tool_call>{\"name\":\"x\"}</tool_call>\n") {
		t.Error("whitespace-wrapped block should count as block-only")
	}
	if IsToolBlockOnly("say <tool_call>{\"name\":\"x\"}</tool_call>") {
		t.Error("leading text means not block-only")
	}
}

func TestAttachments(t *testing.T) {
	got := Attachments("[img:a] text [img:b]")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Attachments = %v", got)
	}
}
