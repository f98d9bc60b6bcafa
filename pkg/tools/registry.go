package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes one capability. Handlers may block; the dispatcher runs
// them off the relay loops.
type Handler func(args map[string]any) (string, error)

// Tool declares one named capability exposed to the speech model.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	Handler    Handler
}

// Registry maps tool names to handlers and exposes their schemas for the
// session configuration.
type Registry interface {
	Tools() []Tool
	Invoke(name string, args map[string]any) (string, error)
}

// ErrUnknownTool is returned when a requested capability is not registered.
type ErrUnknownTool struct {
	Name string
}

func (e ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// FuncRegistry is a map-backed Registry safe for concurrent use.
type FuncRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool. Names are case-insensitive.
func (r *FuncRegistry) Register(t Tool) error {
	name := strings.ToLower(strings.TrimSpace(t.Name))
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler required", t.Name)
	}
	r.mu.Lock()
	r.tools[name] = t
	r.mu.Unlock()
	return nil
}

func (r *FuncRegistry) Tools() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *FuncRegistry) Invoke(name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUnknownTool{Name: name}
	}
	return t.Handler(args)
}

// Has reports whether a tool is registered under the given name.
func (r *FuncRegistry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	return ok
}
