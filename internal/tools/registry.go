package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/opchain/pkg/schema"
)

// Registry is a thread-safe name to Tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are a CONFLICT.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get looks up a tool. Unknown names fail with TOOL_NOT_FOUND.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for name, t := range r.tools {
		info := Info{Name: name, Description: t.Description()}
		if sp, ok := t.(SchemaProvider); ok {
			info.InputSchema = sp.InputSchema()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// RegisterPlugin registers tools under "prefix.name". It is all or nothing:
// on a name conflict no tool is registered.
func (r *Registry) RegisterPlugin(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string]Tool, len(tools))
	for _, t := range tools {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[prefixed]; exists {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin tool %q already registered", prefixed)
		}
		if _, dup := staged[prefixed]; dup {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin tool %q listed twice", prefixed)
		}
		staged[prefixed] = &prefixedTool{Tool: t, name: prefixed}
	}
	for name, t := range staged {
		r.tools[name] = t
	}
	return len(staged), nil
}

// UnregisterPlugin removes every tool registered under prefix.
func (r *Registry) UnregisterPlugin(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, t := range r.tools {
		if _, ok := t.(*prefixedTool); ok && strings.HasPrefix(name, prefix+".") {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// prefixedTool renames a plugin tool.
type prefixedTool struct {
	Tool
	name string
}

func (p *prefixedTool) Name() string { return p.name }

func (p *prefixedTool) InputSchema() json.RawMessage {
	if sp, ok := p.Tool.(SchemaProvider); ok {
		return sp.InputSchema()
	}
	return nil
}
