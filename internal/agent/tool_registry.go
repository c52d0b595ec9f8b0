package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry is the merged name to tool table. Built-in tools are
// registered once; the external subset is replaced wholesale by
// ReplaceExternal so readers never observe a table mid-rebuild.
type ToolRegistry struct {
	mu         sync.RWMutex
	builtin    map[string]Tool
	external   map[string]Tool
	generation uint64
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		builtin:  make(map[string]Tool),
		external: make(map[string]Tool),
	}
}

// Register adds a built-in tool. Names in the external namespace are
// rejected, and a tool with the same name replaces the old one.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}
	name := tool.Name()
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	case len(name) > MaxToolNameLength:
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidTool, MaxToolNameLength)
	case strings.HasPrefix(name, ExternalToolPrefix):
		return fmt.Errorf("%w: %q uses the reserved %q prefix", ErrInvalidTool, name, ExternalToolPrefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtin[name] = tool
	return nil
}

// ReplaceExternal swaps in a new external subset in one step.
func (r *ToolRegistry) ReplaceExternal(tools []Tool) {
	next := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		next[tool.Name()] = tool
	}

	r.mu.Lock()
	r.external = next
	r.generation++
	r.mu.Unlock()
}

// Generation counts ReplaceExternal calls.
func (r *ToolRegistry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Get looks a tool up by name. Built-in tools shadow external ones.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.builtin[name]; ok {
		return tool, true
	}
	tool, ok := r.external[name]
	return tool, ok
}

// Tools returns a snapshot of the table: built-in tools first, then external
// tools, each group sorted by name.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.builtin)+len(r.external))
	out = append(out, sortedTools(r.builtin)...)
	for _, tool := range sortedTools(r.external) {
		if _, shadowed := r.builtin[tool.Name()]; !shadowed {
			out = append(out, tool)
		}
	}
	return out
}

// Len is the number of distinct tool names.
func (r *ToolRegistry) Len() int {
	return len(r.Tools())
}

func sortedTools(set map[string]Tool) []Tool {
	tools := make([]Tool, 0, len(set))
	for _, tool := range set {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}
