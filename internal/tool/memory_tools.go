package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/aicore/internal/memory"
)

// RegisterMemoryTools wires the built-in memory tools against one session's
// store. The model records, forgets and inspects memories through these.
func RegisterMemoryTools(r *Registry, store *memory.Store) error {
	defs := []Definition{
		{
			Name:        "set_memory",
			Description: "Record a durable memory about a user, a group or the conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":     map[string]any{"type": "string", "description": "the fact to remember"},
					"keywords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"users":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"groups":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"text"},
			},
			Required: []string{"text"},
			Handler: func(ctx context.Context, args map[string]any) (Result, error) {
				text := stringArg(args, "text")
				keywords := stringListArg(args, "keywords")
				if len(keywords) == 0 {
					keywords = memory.ExtractKeywords(text)
				}
				err := store.Add(ctx, memory.AddParams{
					Text:     text,
					Users:    stringListArg(args, "users"),
					Groups:   stringListArg(args, "groups"),
					Keywords: keywords,
				})
				if err != nil {
					return Result{}, err
				}
				return Result{Content: "memory recorded"}, nil
			},
		},
		{
			Name:        "del_memory",
			Description: "Forget memories matching the given text or keyword.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "text or keyword to forget"},
				},
				"required": []string{"text"},
			},
			Required: []string{"text"},
			Handler: func(_ context.Context, args map[string]any) (Result, error) {
				removed := store.Delete(stringArg(args, "text"))
				return Result{Content: fmt.Sprintf("removed %d memories", removed)}, nil
			},
		},
		{
			Name:        "show_memory",
			Description: "List stored memories, optionally filtered by a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":  map[string]any{"type": "string"},
					"method": map[string]any{"type": "string", "enum": []string{"weight", "similarity", "score", "early", "late", "recent"}},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (Result, error) {
				method := stringArg(args, "method")
				if method == "" {
					method = memory.MethodRecent
				}
				units := store.Search(ctx, stringArg(args, "query"), memory.SearchOptions{
					Method: method,
					TopK:   10,
				})
				if len(units) == 0 {
					return Result{Content: "no memories stored"}, nil
				}
				var b strings.Builder
				var images []string
				for i, u := range units {
					fmt.Fprintf(&b, "%d. %s (weight %.1f)\n", i+1, u.Text, u.Weight)
					images = append(images, u.Images...)
				}
				return Result{Content: strings.TrimRight(b.String(), "\n"), Images: images}, nil
			},
		},
		{
			Name:        "set_persona",
			Description: "Set the persona text injected into this session's system prompt. Empty or omitted text clears it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "the persona description"},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (Result, error) {
				text := strings.TrimSpace(stringArg(args, "text"))
				store.SetPersona(text)
				if text == "" {
					return Result{Content: "persona cleared"}, nil
				}
				return Result{Content: "persona updated"}, nil
			},
		},
		{
			Name:        "show_persona",
			Description: "Show the persona currently applied to this session.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(_ context.Context, _ map[string]any) (Result, error) {
				p := store.Persona()
				if p == "" {
					return Result{Content: "no persona set"}, nil
				}
				return Result{Content: p}, nil
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
