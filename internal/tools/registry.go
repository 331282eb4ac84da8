package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"contextd/internal/logging"
)

// Handler executes one tool call against decoded arguments.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Tool is one dispatch-table entry.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Handler     Handler                `json:"-"`
}

// Registry is the name-keyed dispatch table.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Last registration wins on name collision.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get looks up one tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every tool sorted by name.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Call dispatches one tool invocation. Errors come back classified.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (interface{}, *Error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, Errf(KindNotFound, "unknown tool %q", name)
	}

	timer := logging.StartTimer(logging.CategoryTools, name)
	defer timer.Stop()

	result, err := t.Handler(ctx, args)
	if err != nil {
		terr := Classify(err)
		logging.Get(logging.CategoryTools).Warn("Tool %s failed: %s", name, terr.Message)
		return nil, terr
	}
	logging.ToolsDebug("Tool %s ok", name)
	return result, nil
}

// decode unmarshals tool arguments strictly: unknown fields are validation
// errors, per the explicit-options design.
func decode(args json.RawMessage, into interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return Errf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	return nil
}

// schema builds the minimal JSON-schema object the MCP listing needs.
func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}
