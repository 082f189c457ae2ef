// Package tools defines the tool capability contract, the registry the
// engine hands to the model, and the dispatcher that executes calls
// under timeout, panic recovery, and result normalisation.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/pkg/llm"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeFloat   ParamType = "float"
	TypeBoolean ParamType = "boolean"
	TypeAny     ParamType = "any"
)

// Param describes one parameter in a tool's schema.
type Param struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
	Doc      string    `json:"doc"`
}

// ToolContext carries the invocation environment into a tool.
type ToolContext struct {
	ProjectPath string
	SessionID   string
}

// Tool is one capability the model can call. Run returns a raw result
// that the dispatcher renders to text; errors become "Error: …" results
// rather than failing the loop.
type Tool interface {
	Name() string
	Description() string
	Schema() []Param
	Run(ctx context.Context, args map[string]any, tc ToolContext) (any, error)
}

// Registry maps tool names to capabilities.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restricted returns a new registry containing only the named tools.
// Unknown names are skipped.
func (r *Registry) Restricted(names ...string) *Registry {
	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			sub.tools[name] = tool
		}
	}
	return sub
}

// Definitions renders the registry as transport tool definitions, in
// sorted name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  schemaToJSON(tool.Schema()),
		})
	}
	return defs
}

// schemaToJSON renders a parameter schema as a JSON-schema-shaped map,
// the form every provider API accepts.
func schemaToJSON(params []Param) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		jsonType := string(p.Type)
		switch p.Type {
		case TypeFloat:
			jsonType = "number"
		case TypeAny:
			jsonType = "object"
		}
		properties[p.Name] = map[string]any{
			"type":        jsonType,
			"description": p.Doc,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// MissingParamError reports a required parameter absent from the
// arguments.
type MissingParamError struct {
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("%s is required", e.Param)
}
