package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/adiwidjaja/nalar/pkg/retriever"
)

// SearchTool exposes hybrid document search to the reasoning engine. The
// ceiling tier is fixed at construction; each query narrows it to the calling
// user's tier from the context. The model cannot widen access through
// arguments.
type SearchTool struct {
	retriever *retriever.Retriever
	maxTier   int
}

type searchArgs struct {
	Query       string   `json:"query" jsonschema:"required,description=The search query in English or Indonesian"`
	Collections []string `json:"collections,omitempty" jsonschema:"description=Restrict to specific collections; empty searches all"`
	TopK        int      `json:"top_k,omitempty" jsonschema:"description=Number of results to return (default 8)"`
}

func NewSearchTool(r *retriever.Retriever, maxTier int) *SearchTool {
	return &SearchTool{retriever: r, maxTier: maxTier}
}

func (t *SearchTool) GetName() string {
	return "vector_search"
}

func (t *SearchTool) GetDescription() string {
	return fmt.Sprintf(
		"Search the document collections (%s) for regulations, procedures and fees. Returns ranked passages with sources.",
		strings.Join(t.retriever.Collections(), ", "))
}

func (t *SearchTool) GetSchema() map[string]interface{} {
	return schemaFor(&searchArgs{})
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	var params searchArgs
	if err := mapstructure.Decode(args, &params); err != nil {
		return ToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return ToolResult{}, fmt.Errorf("query is required")
	}

	maxTier := t.maxTier
	if userTier, ok := UserTierFrom(ctx); ok && userTier < maxTier {
		maxTier = userTier
	}

	hits, err := t.retriever.Search(ctx, params.Query, retriever.SearchOptions{
		MaxTier:     maxTier,
		Collections: params.Collections,
		TopK:        params.TopK,
	})
	if err != nil {
		return ToolResult{}, err
	}

	if len(hits) == 0 {
		return ToolResult{
			Success: true,
			Content: "No matching documents found.",
			Output:  hits,
		}, nil
	}

	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] %s (collection: %s", i+1, hit.Title, hit.Collection)
		if hit.SourceURL != "" {
			fmt.Fprintf(&b, ", source: %s", hit.SourceURL)
		}
		b.WriteString(")\n")
		b.WriteString(hit.Body)
		b.WriteString("\n\n")
	}

	return ToolResult{
		Success: true,
		Content: strings.TrimSpace(b.String()),
		Output:  hits,
	}, nil
}
