// Package llms defines the chat-model provider abstraction and its concrete
// implementations (Gemini, OpenAI-compatible).
package llms

import (
	"context"

	"github.com/adiwidjaja/nalar/pkg/protocol"
)

// ToolDefinition is the provider-neutral tool schema injected into prompts.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Result is a completed non-streaming generation.
type Result struct {
	Text      string
	ToolCalls []*protocol.ToolCall
	Usage     protocol.Usage
}

// StreamChunk is one unit of a streaming generation.
type StreamChunk struct {
	Type     string // text, tool_call, done, error
	Text     string
	ToolCall *protocol.ToolCall
	Usage    *protocol.Usage
	Err      error
}

// Provider is a chat model. Implementations must honor ctx cancellation on
// every network call.
type Provider interface {
	Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Result, error)

	GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	ModelName() string

	Close() error
}
