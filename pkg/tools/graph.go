package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/adiwidjaja/nalar/pkg/knowledge"
)

// GraphTool lets the reasoning engine walk the knowledge graph of permits,
// legal entities and agencies.
type GraphTool struct {
	graph *knowledge.Graph
}

type graphArgs struct {
	Operation string   `json:"operation" jsonschema:"required,enum=lookup,enum=neighbors,enum=path,description=lookup resolves an entity; neighbors lists related entities; path connects two entities"`
	Entity    string   `json:"entity" jsonschema:"required,description=Entity name or alias, e.g. 'Investor KITAS' or 'PT PMA'"`
	Target    string   `json:"target,omitempty" jsonschema:"description=Second entity, required for the path operation"`
	Depth     int      `json:"depth,omitempty" jsonschema:"description=Neighbor traversal depth, 1 or 2 (default 1)"`
	EdgeTypes []string `json:"edge_types,omitempty" jsonschema:"description=Restrict neighbors to these relation types, e.g. 'requires'"`
	MaxHops   int      `json:"max_hops,omitempty" jsonschema:"description=Longest path to consider, 1 to 6 (default 6)"`
}

func NewGraphTool(graph *knowledge.Graph) *GraphTool {
	return &GraphTool{graph: graph}
}

func (t *GraphTool) GetName() string {
	return "knowledge_graph_search"
}

func (t *GraphTool) GetDescription() string {
	return "Query the knowledge graph of visas, permits, legal entities and agencies: resolve an entity, list its relations, or find how two entities connect."
}

func (t *GraphTool) GetSchema() map[string]interface{} {
	return schemaFor(&graphArgs{})
}

func (t *GraphTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	var params graphArgs
	if err := mapstructure.Decode(args, &params); err != nil {
		return ToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Entity == "" {
		return ToolResult{}, fmt.Errorf("entity is required")
	}

	switch params.Operation {
	case "lookup":
		return t.lookup(params.Entity)
	case "neighbors":
		return t.neighbors(params.Entity, params.Depth, params.EdgeTypes)
	case "path":
		if params.Target == "" {
			return ToolResult{}, fmt.Errorf("target is required for the path operation")
		}
		return t.path(params.Entity, params.Target, params.MaxHops)
	default:
		return ToolResult{}, fmt.Errorf("unknown operation %q (supported: lookup, neighbors, path)", params.Operation)
	}
}

func (t *GraphTool) lookup(name string) (ToolResult, error) {
	entity, ok := t.graph.Lookup(name)
	if !ok {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("No entity named %q in the knowledge graph.", name),
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", entity.Name, entity.Type)
	if len(entity.Aliases) > 0 {
		fmt.Fprintf(&b, ", also known as: %s", strings.Join(entity.Aliases, ", "))
	}
	for k, v := range entity.Attrs {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}

	return ToolResult{Success: true, Content: b.String(), Output: entity}, nil
}

func (t *GraphTool) neighbors(name string, depth int, edgeTypes []string) (ToolResult, error) {
	neighbors, err := t.graph.Neighbors(name, depth, edgeTypes)
	if err != nil {
		return ToolResult{}, err
	}
	if len(neighbors) == 0 {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("%q has no recorded relations.", name),
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Entities related to %q:\n", name)
	for _, n := range neighbors {
		fmt.Fprintf(&b, "- %s (%s), relation: %s, distance: %d\n", n.Entity.Name, n.Entity.Type, n.Relation, n.Depth)
	}

	return ToolResult{Success: true, Content: strings.TrimSpace(b.String()), Output: neighbors}, nil
}

func (t *GraphTool) path(from, to string, maxHops int) (ToolResult, error) {
	path, err := t.graph.FindPath(from, to, maxHops)
	if err != nil {
		return ToolResult{}, err
	}
	if path == nil {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("No connection between %q and %q in the knowledge graph.", from, to),
		}, nil
	}

	parts := make([]string, 0, len(path))
	for _, step := range path {
		if step.Relation == "" {
			parts = append(parts, step.Entity.Name)
			continue
		}
		parts = append(parts, fmt.Sprintf("-[%s]-> %s", step.Relation, step.Entity.Name))
	}

	return ToolResult{
		Success: true,
		Content: strings.Join(parts, " "),
		Output:  path,
	}, nil
}
