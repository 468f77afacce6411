package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/adiwidjaja/nalar/pkg/llms"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/registry"
)

// Registry holds the tools available to the reasoning engine.
type Registry struct {
	*registry.BaseRegistry[Tool]
	timeout time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
		timeout:      timeout,
	}
}

func (r *Registry) RegisterTool(tool Tool) error {
	return r.Register(tool.GetName(), tool)
}

func (r *Registry) GetTool(name string) (Tool, error) {
	tool, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// Definitions renders every registered tool for the model API.
func (r *Registry) Definitions() []llms.ToolDefinition {
	names := r.Names()
	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, exists := r.Get(name)
		if !exists {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.GetName(),
			Description: tool.GetDescription(),
			Parameters:  tool.GetSchema(),
		})
	}
	return defs
}

// Execute runs a tool under the registry timeout. An unknown tool or a tool
// error comes back as a failed ToolResult, not a Go error, so the reasoning
// loop can feed it to the model as an observation.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	tool, err := r.GetTool(name)
	if err != nil {
		return ToolResult{
			Success:  false,
			Error:    err.Error(),
			ToolName: name,
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Execute(execCtx, args)
	elapsed := time.Since(start)

	result.ToolName = name
	result.ExecutionTime = elapsed

	if err != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
		slog.Warn("Tool execution failed", "tool", name, "error", err)
	}

	observability.GetGlobalMetrics().RecordToolExecution(ctx, name, elapsed, err)
	return result
}

// schemaFor reflects a Go struct into an inline JSON schema object.
func schemaFor(v interface{}) map[string]interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: false,
	}

	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
