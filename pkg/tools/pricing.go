package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/adiwidjaja/nalar/pkg/config"
)

// PricingTool answers price questions from the verified service catalog.
// Catalog entries are operator-maintained ground truth; when a service is
// listed here, its range wins over anything retrieval found.
type PricingTool struct {
	services []config.ServiceDescriptor
}

type pricingArgs struct {
	Service string `json:"service" jsonschema:"required,description=Service name or topic to look up, e.g. 'investor kitas' or 'company registration'"`
}

func NewPricingTool(services []config.ServiceDescriptor) *PricingTool {
	return &PricingTool{services: services}
}

func (t *PricingTool) GetName() string {
	return "structured_pricing_lookup"
}

func (t *PricingTool) GetDescription() string {
	return "Look up verified price ranges and timelines for offered services. Always check here before quoting any price."
}

func (t *PricingTool) GetSchema() map[string]interface{} {
	return schemaFor(&pricingArgs{})
}

func (t *PricingTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	var params pricingArgs
	if err := mapstructure.Decode(args, &params); err != nil {
		return ToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	query := strings.ToLower(strings.TrimSpace(params.Service))
	if query == "" {
		return ToolResult{}, fmt.Errorf("service is required")
	}

	var matches []config.ServiceDescriptor
	for _, s := range t.services {
		name := strings.ToLower(s.Name)
		topic := strings.ToLower(s.Topic)
		if strings.Contains(name, query) || strings.Contains(query, name) ||
			strings.Contains(topic, query) || strings.Contains(query, topic) {
			matches = append(matches, s)
		}
	}

	if len(matches) == 0 {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("No verified pricing for %q. Do not quote a specific price; offer to confirm with the team instead.", params.Service),
		}, nil
	}

	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s: %s %s", m.Name, m.Currency, formatPriceRange(m.PriceMin, m.PriceMax))
		if m.Timeline != "" {
			fmt.Fprintf(&b, ", timeline: %s", m.Timeline)
		}
		if m.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", m.Source)
		}
		b.WriteString("\n")
	}

	return ToolResult{
		Success: true,
		Content: strings.TrimSpace(b.String()),
		Output:  matches,
	}, nil
}

func formatPriceRange(min, max float64) string {
	if min == max || max == 0 {
		return formatNumber(min)
	}
	return fmt.Sprintf("%s - %s", formatNumber(min), formatNumber(max))
}
