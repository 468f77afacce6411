// Package tools defines the tool surface exposed to the reasoning engine and
// the built-in tools backed by the search, graph and pricing subsystems.
package tools

import (
	"context"
	"time"
)

// ToolResult is a completed tool execution. Content is what the model sees;
// Output carries the structured form for listeners and tests.
type ToolResult struct {
	Success       bool          `json:"success"`
	Content       string        `json:"content,omitempty"`
	Output        interface{}   `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ToolName      string        `json:"tool_name"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

type Tool interface {
	GetName() string

	GetDescription() string

	// GetSchema returns the JSON schema of the tool's arguments.
	GetSchema() map[string]interface{}

	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

type userTierKey struct{}

// WithUserTier attaches the calling user's access tier to the context so
// access-controlled tools can narrow their reach per query. The tier rides on
// the context rather than the arguments because the model must not be able to
// set it.
func WithUserTier(ctx context.Context, tier int) context.Context {
	return context.WithValue(ctx, userTierKey{}, tier)
}

// UserTierFrom reads the access tier set by WithUserTier.
func UserTierFrom(ctx context.Context) (int, bool) {
	tier, ok := ctx.Value(userTierKey{}).(int)
	return tier, ok
}
