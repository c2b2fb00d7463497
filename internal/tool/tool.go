package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is what a tool hands back to the orchestration cycle.
type Result struct {
	Content string
	Images  []string
}

// Handler executes one tool call. Arguments are pre-validated against the
// definition's required list.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Definition describes one callable tool: its JSON-schema parameters, the
// required argument names and the handler.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
	Handler     Handler
}

// Registry is the explicit tool inventory, built at startup and injected
// into the orchestrator.
type Registry struct {
	mu   sync.Mutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Definitions lists registered tools, ordered by name.
func (r *Registry) Definitions() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.defs)
}

// Dispatch validates arguments and runs the named tool. Unknown names and
// missing arguments come back as errors for the caller to surface as a
// tool-role message.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.Lock()
	def, ok := r.defs[name]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("dispatch: unknown tool %q", name)
	}
	for _, req := range def.Required {
		v, present := args[req]
		if !present || v == nil {
			return Result{}, fmt.Errorf("dispatch %s: missing required argument %q", name, req)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return Result{}, fmt.Errorf("dispatch %s: empty required argument %q", name, req)
		}
	}
	res, err := def.Handler(ctx, args)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", name, err)
	}
	return res, nil
}

// stringArg reads an optional string argument.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// stringListArg reads an argument that may arrive as a JSON array or a
// single string.
func stringListArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
