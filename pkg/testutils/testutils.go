// Package testutils provides shared fakes for package tests.
package testutils

import (
	"context"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/llms"
	"github.com/adiwidjaja/nalar/pkg/protocol"
)

// ScriptedProvider is an llms.Provider that replays canned results in order.
// When the script runs out it repeats the last result. A nil Err on a step
// returns its Result; a non-nil Err fails the call.
type ScriptedProvider struct {
	Steps []ScriptStep
	Calls int

	// LastMessages captures the prompt of the most recent call.
	LastMessages []*protocol.Message
	// LastTools captures the tool definitions of the most recent call.
	LastTools []llms.ToolDefinition
}

type ScriptStep struct {
	Result *llms.Result
	Err    error
}

// TextStep is a convenience for a plain text reply.
func TextStep(text string) ScriptStep {
	return ScriptStep{Result: &llms.Result{
		Text:  text,
		Usage: protocol.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}

// ToolCallStep is a convenience for a reply that invokes one tool.
func ToolCallStep(id, name string, args map[string]interface{}) ScriptStep {
	return ScriptStep{Result: &llms.Result{
		ToolCalls: []*protocol.ToolCall{{ID: id, Name: name, Arguments: args}},
		Usage:     protocol.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}

func (p *ScriptedProvider) step() ScriptStep {
	idx := p.Calls
	if idx >= len(p.Steps) {
		idx = len(p.Steps) - 1
	}
	p.Calls++
	return p.Steps[idx]
}

func (p *ScriptedProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []llms.ToolDefinition) (*llms.Result, error) {
	p.LastMessages = messages
	p.LastTools = tools

	if len(p.Steps) == 0 {
		return &llms.Result{Text: "ok"}, nil
	}
	s := p.step()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Result, nil
}

func (p *ScriptedProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	result, err := p.Generate(ctx, messages, tools)
	if err != nil {
		return nil, err
	}

	out := make(chan llms.StreamChunk, len(result.ToolCalls)+2)
	if result.Text != "" {
		out <- llms.StreamChunk{Type: "text", Text: result.Text}
	}
	for _, tc := range result.ToolCalls {
		out <- llms.StreamChunk{Type: "tool_call", ToolCall: tc}
	}
	usage := result.Usage
	out <- llms.StreamChunk{Type: "done", Usage: &usage}
	close(out)
	return out, nil
}

func (p *ScriptedProvider) ModelName() string { return "scripted" }
func (p *ScriptedProvider) Close() error      { return nil }

// NewTestGateway wires a gateway whose every tier resolves to the given
// provider under the name "mock".
func NewTestGateway(provider llms.Provider) (*gateway.Gateway, error) {
	reg := llms.NewRegistry()
	if err := reg.RegisterProvider("mock", provider); err != nil {
		return nil, err
	}

	gwCfg := config.GatewayConfig{
		Chains: map[string][]string{"default": {"mock"}},
	}
	gwCfg.SetDefaults()

	llmCfg := &config.LLMProviderConfig{Type: "openai", Model: "gpt-4o-mini"}
	llmCfg.SetDefaults()

	return gateway.New(reg, &gwCfg, map[string]*config.LLMProviderConfig{"mock": llmCfg})
}
