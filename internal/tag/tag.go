// Package tag parses the small string-tag protocol embedded in message and
// model text: inline attachments, mentions, quotes, pokes, and the delimited
// tool-call block used when the backend has no native tool-call support.
package tag

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Kind int

const (
	KindText Kind = iota
	KindAttachment
	KindMention
	KindQuote
	KindPoke
	KindToolOpen
	KindToolClose
)

const (
	ToolOpenTag  = "<tool_call>"
	ToolCloseTag = "</tool_call>"
)

// Token is one piece of tokenized text. Value holds the payload for tagged
// tokens (image name, mentioned name, quoted id); Raw is the original slice.
type Token struct {
	Kind  Kind
	Value string
	Raw   string
}

var inlineTags = []struct {
	prefix string
	kind   Kind
}{
	{"[img:", KindAttachment},
	{"[@", KindMention},
	{"[quote:", KindQuote},
	{"[poke:", KindPoke},
}

// Tokenize splits s into a flat token stream. Unterminated tags are kept as
// plain text.
func Tokenize(s string) []Token {
	tokens := make([]Token, 0, 4)
	text := strings.Builder{}

	flush := func() {
		if text.Len() > 0 {
			tokens = append(tokens, Token{Kind: KindText, Value: text.String(), Raw: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], ToolOpenTag) {
			flush()
			tokens = append(tokens, Token{Kind: KindToolOpen, Raw: ToolOpenTag})
			i += len(ToolOpenTag)
			continue
		}
		if strings.HasPrefix(s[i:], ToolCloseTag) {
			flush()
			tokens = append(tokens, Token{Kind: KindToolClose, Raw: ToolCloseTag})
			i += len(ToolCloseTag)
			continue
		}

		matched := false
		for _, it := range inlineTags {
			if !strings.HasPrefix(s[i:], it.prefix) {
				continue
			}
			end := strings.IndexByte(s[i+len(it.prefix):], ']')
			if end < 0 {
				break // unterminated, fall through to text
			}
			raw := s[i : i+len(it.prefix)+end+1]
			value := s[i+len(it.prefix) : i+len(it.prefix)+end]
			flush()
			tokens = append(tokens, Token{Kind: it.kind, Value: value, Raw: raw})
			i += len(raw)
			matched = true
			break
		}
		if matched {
			continue
		}

		text.WriteByte(s[i])
		i++
	}
	flush()
	return tokens
}

// PlainText renders the stream back to displayable text: mentions keep their
// @name form, attachments and pokes are dropped, quotes are dropped, tool
// blocks (open through close) are dropped entirely.
func PlainText(s string) string {
	var sb strings.Builder
	inTool := false
	for _, tok := range Tokenize(s) {
		switch tok.Kind {
		case KindToolOpen:
			inTool = true
		case KindToolClose:
			inTool = false
		case KindText:
			if !inTool {
				sb.WriteString(tok.Value)
			}
		case KindMention:
			if !inTool {
				sb.WriteString("@" + tok.Value)
			}
		}
	}
	return sb.String()
}

// Attachments returns the image names referenced in s, in order.
func Attachments(s string) []string {
	var names []string
	for _, tok := range Tokenize(s) {
		if tok.Kind == KindAttachment {
			names = append(names, tok.Value)
		}
	}
	return names
}

// HasToolBlock reports whether s contains a tool-call open tag, and its index.
func HasToolBlock(s string) (int, bool) {
	idx := strings.Index(s, ToolOpenTag)
	return idx, idx >= 0
}

// SplitToolBlock splits s around the first complete tool-call block.
// block excludes the delimiters. ok is false when no complete block exists.
func SplitToolBlock(s string) (before, block, after string, ok bool) {
	open := strings.Index(s, ToolOpenTag)
	if open < 0 {
		return s, "", "", false
	}
	rest := s[open+len(ToolOpenTag):]
	cls := strings.Index(rest, ToolCloseTag)
	if cls < 0 {
		return s, "", "", false
	}
	return s[:open], strings.TrimSpace(rest[:cls]), rest[cls+len(ToolCloseTag):], true
}

// ToolInvocation is a parsed prompt-engineered tool call.
type ToolInvocation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ParseToolBlock decodes the JSON body of a tool-call block.
func ParseToolBlock(block string) (*ToolInvocation, error) {
	var inv ToolInvocation
	if err := json.Unmarshal([]byte(block), &inv); err != nil {
		return nil, fmt.Errorf("parse tool block: %w", err)
	}
	if strings.TrimSpace(inv.Name) == "" {
		return nil, fmt.Errorf("parse tool block: missing tool name")
	}
	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	return &inv, nil
}

// RenderToolBlock encodes an invocation into its delimited text form, used
// when recording the assistant's tool call into context in prompt mode.
func RenderToolBlock(inv *ToolInvocation) string {
	body, err := json.Marshal(inv)
	if err != nil {
		return ToolOpenTag + ToolCloseTag
	}
	return ToolOpenTag + string(body) + ToolCloseTag
}

// IsToolBlockOnly reports whether s is nothing but a tool-call block with
// optional surrounding whitespace. Context merging refuses to merge these.
func IsToolBlockOnly(s string) bool {
	before, _, after, ok := SplitToolBlock(s)
	if !ok {
		return false
	}
	return strings.TrimSpace(before) == "" && strings.TrimSpace(after) == ""
}

// Mention renders a mention tag for the given display name.
func Mention(name string) string {
	return "[@" + name + "]"
}

// Attachment renders an attachment tag for the given image name.
func Attachment(name string) string {
	return "[img:" + name + "]"
}
