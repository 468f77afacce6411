// Package gateway is the unified send-message surface over a fallback chain
// of chat models, with per-model circuit breakers and per-query cost caps.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/llms"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/protocol"
	"github.com/adiwidjaja/nalar/pkg/utils"
)

// Outcome is the result class of a Send, matched on by the orchestrator to
// decide degradation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeCostCapped
	OutcomeAllFailed
)

// Budget is the per-query spend ledger. One Budget is created per query and
// threaded through every model call the query makes.
type Budget struct {
	mu    sync.Mutex
	cap   float64
	spent float64
}

func NewBudget(capUSD float64) *Budget {
	return &Budget{cap: capUSD}
}

func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Charge records actual spend after a completed call.
func (b *Budget) Charge(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent += costUSD
}

// WouldExceed reports whether an estimated additional spend breaches the cap.
func (b *Budget) WouldExceed(estimateUSD float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent+estimateUSD > b.cap
}

// Request is one logical send through the fallback chain.
type Request struct {
	Messages []*protocol.Message
	Tools    []llms.ToolDefinition
	Tier     string
	Budget   *Budget
}

// Response carries the winning model's output plus accounting.
type Response struct {
	Text      string
	ToolCalls []*protocol.ToolCall
	ModelUsed string
	Usage     protocol.Usage
	Outcome   Outcome
}

type modelPricing struct {
	inputPerTok  float64
	outputPerTok float64
}

// Gateway iterates a tier's model chain under four guards: breaker state,
// cost cap, fallback depth and per-call deadline.
type Gateway struct {
	providers *llms.Registry
	cfg       *config.GatewayConfig
	breakers  *BreakerSet
	pricing   map[string]modelPricing
	counters  map[string]*utils.TokenCounter
	maxTokens map[string]int
}

func New(providers *llms.Registry, cfg *config.GatewayConfig, llmConfigs map[string]*config.LLMProviderConfig) (*Gateway, error) {
	g := &Gateway{
		providers: providers,
		cfg:       cfg,
		breakers:  NewBreakerSet(cfg.Breaker),
		pricing:   make(map[string]modelPricing),
		counters:  make(map[string]*utils.TokenCounter),
		maxTokens: make(map[string]int),
	}

	for name, llmCfg := range llmConfigs {
		g.pricing[name] = modelPricing{
			inputPerTok:  llmCfg.InputPricePerMTok / 1e6,
			outputPerTok: llmCfg.OutputPricePerMTok / 1e6,
		}
		g.maxTokens[name] = llmCfg.MaxTokens
		counter, err := utils.NewTokenCounter(llmCfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create token counter for %s: %w", name, err)
		}
		g.counters[name] = counter
	}

	return g, nil
}

// Chain returns the model chain for a tier, falling back to "default".
func (g *Gateway) Chain(tier string) []string {
	if chain, ok := g.cfg.Chains[tier]; ok {
		return chain
	}
	return g.cfg.Chains["default"]
}

// Breakers exposes the breaker set for health reporting.
func (g *Gateway) Breakers() *BreakerSet {
	return g.breakers
}

// Send walks the chain for the request's tier. Transient failures move to the
// next model; invalid requests stop the cascade; the cost cap aborts on the
// call that would breach it.
func (g *Gateway) Send(ctx context.Context, req *Request) (*Response, error) {
	chain := g.Chain(req.Tier)
	if len(chain) == 0 {
		return &Response{Outcome: OutcomeAllFailed}, fmt.Errorf("no model chain for tier %q: %w", req.Tier, ErrAllModelsFailed)
	}

	budget := req.Budget
	if budget == nil {
		budget = NewBudget(g.cfg.CostCapUSD)
	}

	metrics := observability.GetGlobalMetrics()
	var lastErr error

	for depth, model := range chain {
		if depth >= g.cfg.MaxFallbackDepth {
			lastErr = ErrMaxDepthExceeded
			break
		}

		breaker := g.breakers.Get(model)
		if !breaker.Allow() {
			slog.Debug("Skipping model with open breaker", "model", model)
			continue
		}

		estimate := g.estimateCost(model, req.Messages)
		if budget.WouldExceed(estimate) {
			metrics.RecordCostCapHit(ctx)
			metrics.RecordError(ctx, "gateway", "cost_cap")
			return &Response{Outcome: OutcomeCostCapped},
				fmt.Errorf("model %s estimated $%.4f over remaining budget: %w", model, estimate, ErrCostCapExceeded)
		}

		provider, err := g.providers.GetProvider(model)
		if err != nil {
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout())
		start := time.Now()
		result, err := provider.Generate(callCtx, req.Messages, req.Tools)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			kind := Classify(err)
			metrics.RecordLLMCall(ctx, model, elapsed, 0, 0, 0, err)
			metrics.RecordError(ctx, "gateway", kind.String())

			if kind.Countable() {
				breaker.RecordFailure()
			}
			slog.Warn("Model call failed", "model", model, "kind", kind.String(), "error", err)

			if kind == KindInvalidRequest {
				return &Response{Outcome: OutcomePermanent},
					fmt.Errorf("invalid request to model %s: %w", model, err)
			}
			lastErr = err
			continue
		}

		breaker.RecordSuccess()

		cost := g.actualCost(model, result.Usage)
		result.Usage.Cost = cost
		budget.Charge(cost)
		metrics.RecordLLMCall(ctx, model, elapsed, result.Usage.PromptTokens, result.Usage.CompletionTokens, cost, nil)

		return &Response{
			Text:      result.Text,
			ToolCalls: result.ToolCalls,
			ModelUsed: model,
			Usage:     result.Usage,
			Outcome:   OutcomeOK,
		}, nil
	}

	if lastErr == nil {
		lastErr = ErrAllModelsFailed
	}
	metrics.RecordError(ctx, "gateway", "all_failed")
	return &Response{Outcome: OutcomeAllFailed},
		fmt.Errorf("chain exhausted for tier %q: %w (last: %v)", req.Tier, ErrAllModelsFailed, lastErr)
}

// SendStreaming picks the first admissible model in the chain and streams
// from it. The cost of a failed stream start falls through to the next model;
// mid-stream failures surface as error chunks.
func (g *Gateway) SendStreaming(ctx context.Context, req *Request) (<-chan llms.StreamChunk, string, error) {
	chain := g.Chain(req.Tier)
	budget := req.Budget
	if budget == nil {
		budget = NewBudget(g.cfg.CostCapUSD)
	}

	var lastErr error
	for depth, model := range chain {
		if depth >= g.cfg.MaxFallbackDepth {
			break
		}

		breaker := g.breakers.Get(model)
		if !breaker.Allow() {
			continue
		}

		estimate := g.estimateCost(model, req.Messages)
		if budget.WouldExceed(estimate) {
			observability.GetGlobalMetrics().RecordCostCapHit(ctx)
			return nil, "", fmt.Errorf("model %s estimated $%.4f over remaining budget: %w", model, estimate, ErrCostCapExceeded)
		}

		provider, err := g.providers.GetProvider(model)
		if err != nil {
			lastErr = err
			continue
		}

		upstream, err := provider.GenerateStreaming(ctx, req.Messages, req.Tools)
		if err != nil {
			kind := Classify(err)
			if kind.Countable() {
				breaker.RecordFailure()
			}
			if kind == KindInvalidRequest {
				return nil, "", fmt.Errorf("invalid request to model %s: %w", model, err)
			}
			lastErr = err
			continue
		}

		out := make(chan llms.StreamChunk, 16)
		go g.relayStream(ctx, model, breaker, budget, upstream, out)
		return out, model, nil
	}

	if lastErr == nil {
		lastErr = ErrAllModelsFailed
	}
	return nil, "", fmt.Errorf("chain exhausted for tier %q: %w (last: %v)", req.Tier, ErrAllModelsFailed, lastErr)
}

func (g *Gateway) relayStream(ctx context.Context, model string, breaker *Breaker, budget *Budget, upstream <-chan llms.StreamChunk, out chan<- llms.StreamChunk) {
	defer close(out)

	start := time.Now()
	failed := false

	for chunk := range upstream {
		switch chunk.Type {
		case "error":
			failed = true
			breaker.RecordFailure()
			observability.GetGlobalMetrics().RecordError(ctx, "gateway", Classify(chunk.Err).String())
		case "done":
			if chunk.Usage != nil {
				cost := g.actualCost(model, *chunk.Usage)
				chunk.Usage.Cost = cost
				budget.Charge(cost)
				observability.GetGlobalMetrics().RecordLLMCall(ctx, model, time.Since(start),
					chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, cost, nil)
			}
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if !failed {
		breaker.RecordSuccess()
	}
}

// estimateCost is the pre-check estimate: counted prompt tokens at the input
// price plus a worst-case completion at the output price.
func (g *Gateway) estimateCost(model string, messages []*protocol.Message) float64 {
	pricing := g.pricing[model]
	promptTokens := g.counters[model].CountMessages(messages)
	return float64(promptTokens)*pricing.inputPerTok + float64(g.maxTokens[model])*pricing.outputPerTok
}

func (g *Gateway) actualCost(model string, usage protocol.Usage) float64 {
	pricing := g.pricing[model]
	return float64(usage.PromptTokens)*pricing.inputPerTok + float64(usage.CompletionTokens)*pricing.outputPerTok
}
