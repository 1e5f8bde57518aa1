package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/beacon/internal/beaconerr"
	"github.com/nextlevelbuilder/beacon/internal/providers"
)

// Registry is a name-indexed tool collection. Arguments are validated
// against each tool's advertised JSON schema before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool of the same name with a
// warning. A schema that fails to compile disables validation for that tool
// but does not reject it.
func (r *Registry) Register(tool Tool) {
	name := tool.Name()

	var sch *jsonschema.Schema
	if params := tool.Parameters(); params != nil {
		compiled, err := compileSchema(name, params)
		if err != nil {
			slog.Warn("tool registry: schema does not compile, skipping validation",
				"tool", name, "error", err)
		} else {
			sch = compiled
		}
	}

	r.mu.Lock()
	if _, exists := r.tools[name]; exists {
		slog.Warn("tool registry: replacing existing tool", "tool", name)
	}
	r.tools[name] = tool
	if sch != nil {
		r.schemas[name] = sch
	} else {
		delete(r.schemas, name)
	}
	r.mu.Unlock()
}

// Unregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	delete(r.schemas, name)
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a registered tool or a ToolNotFoundError.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, beaconerr.NewToolNotFound(name)
	}
	return tool, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions renders every tool in the provider function-calling shape.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, r.Size())
	for _, t := range r.List() {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates args and runs the named tool. Failures come back as
// error results whose Err is always a ToolExecutionError (or
// ToolNotFoundError) carrying the tool name and the exact argument map.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	sch := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		err := beaconerr.NewToolNotFound(name)
		return ErrorResult(err.Error()).WithError(err)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if sch != nil {
		if err := sch.Validate(map[string]interface{}(args)); err != nil {
			werr := beaconerr.NewToolExecution(name, args, fmt.Errorf("invalid arguments: %w", err))
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err)).WithError(werr)
		}
	}

	result := tool.Execute(ctx, args)
	if result == nil {
		err := beaconerr.NewToolExecution(name, args, errors.New("tool returned no result"))
		return ErrorResult(err.Error()).WithError(err)
	}
	if result.IsError {
		inner := result.Err
		if inner == nil {
			inner = errors.New(result.ForLLM)
		}
		result.Err = beaconerr.NewToolExecution(name, args, inner)
	}
	return result
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	url := fmt.Sprintf("tool://%s/schema.json", name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
