package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/protocol"
	"github.com/adiwidjaja/nalar/pkg/tools"
)

// Listener receives progress callbacks during a run. All methods are called
// from the engine goroutine; implementations must not block for long.
type Listener interface {
	OnStep(step int)
	OnToolCall(step int, name string, args map[string]interface{})
	OnToolResult(step int, result tools.ToolResult)
}

// NopListener discards all callbacks.
type NopListener struct{}

func (NopListener) OnStep(int)                                     {}
func (NopListener) OnToolCall(int, string, map[string]interface{}) {}
func (NopListener) OnToolResult(int, tools.ToolResult)             {}

const systemPromptTemplate = `You are the research phase of an assistant for questions about
Indonesian immigration, tax and corporate law. Gather evidence with the available tools.
Search before you state any regulation, procedure or fee. Use the calculator for every
computation.

When you have enough evidence, stop calling tools and reply with one JSON object and
nothing else:
{"key_points": [], "warnings": [], "cost_estimates": [], "timeline_estimates": [], "suggestions": []}
Put every finding in key_points, caveats in warnings, prices in cost_estimates,
processing times in timeline_estimates and recommended next steps in suggestions.
Do not write a user-facing answer; a later phase does that.

Never invent prices, legal references or processing times. If the tools return nothing
relevant, record that in warnings.%s`

// Engine drives the tool-calling loop: the model either calls tools, whose
// results feed back as observations, or produces a final answer.
type Engine struct {
	gw    *gateway.Gateway
	tools *tools.Registry
	cfg   config.ReasoningConfig
}

func NewEngine(gw *gateway.Gateway, registry *tools.Registry, cfg config.ReasoningConfig) *Engine {
	return &Engine{gw: gw, tools: registry, cfg: cfg}
}

// stepBudget returns how many model calls an intent may spend.
func (e *Engine) stepBudget(intentLabel string) int {
	if budget, ok := e.cfg.StepBudgets[intentLabel]; ok && budget > 0 {
		return budget
	}
	return e.cfg.MaxSteps
}

// earlyExitEligible intents may finish on the first tool-free reply, or right
// after a single substantial retrieval.
func (e *Engine) earlyExitEligible(intentLabel string) bool {
	return e.cfg.EarlyExit[intentLabel]
}

const (
	searchToolName = "vector_search"

	// A retrieval payload above this size is enough context for a simple
	// question to answer from.
	earlyExitPayloadChars = 500

	qualityThreshold = 0.3
)

// Run executes the loop until the model answers, the step budget runs out or
// the context is cancelled. The state is mutated in place and returned.
func (e *Engine) Run(ctx context.Context, state *State, budget *gateway.Budget, listener Listener) (*State, error) {
	if listener == nil {
		listener = NopListener{}
	}

	messages := e.buildInitialMessages(state)
	toolDefs := e.tools.Definitions()
	maxSteps := e.stepBudget(state.Intent)

	// Tools see the user's access tier, never the model's arguments.
	toolCtx := tools.WithUserTier(ctx, state.UserTier)

	canRetrieve := false
	if _, err := e.tools.GetTool(searchToolName); err == nil {
		canRetrieve = true
	}

	forceAnswer := false
	retrievalNudged := false

	for step := 1; step <= maxSteps; step++ {
		state.Steps = step
		listener.OnStep(step)

		if err := ctx.Err(); err != nil {
			return state, err
		}

		// Last step gets no tools so the model must commit to an answer.
		callTools := toolDefs
		if step == maxSteps || forceAnswer {
			callTools = nil
		}

		resp, err := e.gw.Send(ctx, &gateway.Request{
			Messages: messages,
			Tools:    callTools,
			Tier:     state.Tier,
			Budget:   budget,
		})
		if err != nil {
			return state, fmt.Errorf("reasoning step %d failed: %w", step, err)
		}

		state.ModelUsed = resp.ModelUsed
		state.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			state.Answer = strings.TrimSpace(resp.Text)
			state.Artifact = ParseArtifact(resp.Text)
			if state.Answer == "" && step < maxSteps {
				// Empty reply with no tool calls; nudge once.
				messages = append(messages, protocol.AssistantMessage(""),
					protocol.UserMessage("Provide your answer now."))
				continue
			}
			if forceAnswer || (step == 1 && e.earlyExitEligible(state.Intent)) {
				state.EarlyExit = true
				observability.GetGlobalMetrics().RecordEarlyExit(ctx, state.Intent)
				return state, nil
			}
			// Context-quality gate: a thin evidence base gets one extra
			// retrieval round before the answer stands.
			if canRetrieve && !retrievalNudged && step < maxSteps && contextQuality(state) < qualityThreshold {
				retrievalNudged = true
				messages = append(messages, protocol.AssistantMessage(resp.Text),
					protocol.UserMessage("The evidence gathered so far is thin. Search the knowledge base for the key terms of the question, then give your final answer."))
				continue
			}
			return state, nil
		}

		messages = append(messages, &protocol.Message{
			Role:    protocol.RoleAssistant,
			Content: resp.Text,
		})

		for _, call := range resp.ToolCalls {
			listener.OnToolCall(step, call.Name, call.Arguments)

			result := e.tools.Execute(toolCtx, call.Name, call.Arguments)
			listener.OnToolResult(step, result)

			content := result.Content
			if !result.Success {
				content = fmt.Sprintf("Tool failed: %s", result.Error)
			}

			state.Observations = append(state.Observations, Observation{
				Step:    step,
				Tool:    call.Name,
				Args:    call.Arguments,
				Content: content,
				Success: result.Success,
			})
			messages = append(messages, protocol.ToolMessage(call.ID, call.Name, content))
		}

		// A single substantial retrieval settles a simple question; the next
		// call must answer. Complex intents keep going so graph search can
		// follow retrieval.
		if e.earlyExitEligible(state.Intent) {
			last := state.Observations[len(state.Observations)-1]
			if last.Tool == searchToolName && last.Success && len(last.Content) > earlyExitPayloadChars {
				forceAnswer = true
			}
		}
	}

	// Step budget exhausted without a final reply.
	slog.Warn("Reasoning loop exhausted step budget", "intent", state.Intent, "steps", maxSteps)
	if state.Answer == "" {
		return state, fmt.Errorf("no answer after %d reasoning steps", maxSteps)
	}
	return state, nil
}

// contextQuality scores the gathered evidence against the query: mean keyword
// overlap per observation weighted 0.7, observation count (capped at 5)
// weighted 0.3.
func contextQuality(state *State) float64 {
	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(state.Query)) {
		w = strings.Trim(w, ".,!?\"'")
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}

	var successful []Observation
	for _, obs := range state.Observations {
		if obs.Success {
			successful = append(successful, obs)
		}
	}
	if len(successful) == 0 || len(keywords) == 0 {
		return 0
	}

	var overlapSum float64
	for _, obs := range successful {
		content := strings.ToLower(obs.Content)
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				hits++
			}
		}
		overlapSum += float64(hits) / float64(len(keywords))
	}
	overlap := overlapSum / float64(len(successful))

	volume := float64(len(successful)) / 5
	if volume > 1 {
		volume = 1
	}
	return 0.7*overlap + 0.3*volume
}

func (e *Engine) buildInitialMessages(state *State) []*protocol.Message {
	var contextBlock string
	if state.UserContext != "" {
		contextBlock = "\n\n" + state.UserContext
	}

	messages := []*protocol.Message{
		protocol.SystemMessage(fmt.Sprintf(systemPromptTemplate, contextBlock)),
	}
	messages = append(messages, state.History...)
	messages = append(messages, protocol.UserMessage(state.Query))
	return messages
}

// DirectReply is the smalltalk path for greeting and casual intents: one
// model call, no tools, no observations.
func (e *Engine) DirectReply(ctx context.Context, state *State, budget *gateway.Budget) (*State, error) {
	prompt := `You are a friendly assistant for an Indonesian immigration and business
consultancy. Reply briefly and warmly in the user's language. If the user seems to have
a business question, invite them to ask it.`

	messages := []*protocol.Message{protocol.SystemMessage(prompt)}
	messages = append(messages, state.History...)
	messages = append(messages, protocol.UserMessage(state.Query))

	resp, err := e.gw.Send(ctx, &gateway.Request{
		Messages: messages,
		Tier:     state.Tier,
		Budget:   budget,
	})
	if err != nil {
		return state, err
	}

	state.Steps = 1
	state.Answer = strings.TrimSpace(resp.Text)
	state.ModelUsed = resp.ModelUsed
	state.Usage.Add(resp.Usage)
	if e.earlyExitEligible(state.Intent) {
		state.EarlyExit = true
		observability.GetGlobalMetrics().RecordEarlyExit(ctx, state.Intent)
	}
	return state, nil
}
