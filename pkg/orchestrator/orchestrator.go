// Package orchestrator coordinates one query end to end: classify, prefetch
// context, reason, answer, persist. Degraded subsystems lose features, not
// the query.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/intent"
	"github.com/adiwidjaja/nalar/pkg/memory"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/pipeline"
	"github.com/adiwidjaja/nalar/pkg/protocol"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
	"github.com/adiwidjaja/nalar/pkg/session"
	"github.com/adiwidjaja/nalar/pkg/stream"
	"github.com/adiwidjaja/nalar/pkg/tools"
)

const (
	maxQueryChars = 5000

	// Older turns beyond this never reach the model context.
	maxHistoryMessages = 50
)

// ErrInvalidRequest marks envelope validation failures so the HTTP layer can
// map them to a 400.
var ErrInvalidRequest = errors.New("invalid request")

// QueryRequest is the inbound envelope shared by the JSON and SSE endpoints.
// ConversationID is the older name for SessionID; either keys the history.
type QueryRequest struct {
	Query          string `json:"query"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	UserTier       int    `json:"user_tier,omitempty"`
}

func (r *QueryRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query is required: %w", ErrInvalidRequest)
	}
	if len(r.Query) > maxQueryChars {
		return fmt.Errorf("query exceeds %d characters: %w", maxQueryChars, ErrInvalidRequest)
	}
	if r.UserTier < 0 {
		return fmt.Errorf("user_tier must not be negative: %w", ErrInvalidRequest)
	}
	return nil
}

// sessionKey resolves the conversation identity of a request.
func (r *QueryRequest) sessionKey() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ConversationID
}

// QueryResponse is the JSON endpoint's reply.
type QueryResponse struct {
	Answer            *pipeline.Answer `json:"answer"`
	Intent            string           `json:"intent"`
	ModelUsed         string           `json:"model_used,omitempty"`
	Steps             int              `json:"steps"`
	CostUSD           float64          `json:"cost_usd"`
	TokenUsage        protocol.Usage   `json:"token_usage"`
	ElapsedMS         int64            `json:"elapsed_ms"`
	SessionID         string           `json:"session_id"`
	CorrelationID     string           `json:"correlation_id"`
	FollowupQuestions []string         `json:"followup_questions,omitempty"`
}

type Orchestrator struct {
	gw         *gateway.Gateway
	classifier *intent.Classifier
	engine     *reasoning.Engine
	pipe       *pipeline.Pipeline
	memories   *memory.Service
	sessions   *session.Store

	queryTimeout time.Duration
	costCapUSD   float64
}

func New(
	gw *gateway.Gateway,
	classifier *intent.Classifier,
	engine *reasoning.Engine,
	pipe *pipeline.Pipeline,
	memories *memory.Service,
	sessions *session.Store,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		gw:           gw,
		classifier:   classifier,
		engine:       engine,
		pipe:         pipe,
		memories:     memories,
		sessions:     sessions,
		queryTimeout: cfg.Server.QueryTimeout(),
		costCapUSD:   cfg.Gateway.CostCapUSD,
	}
}

// Query runs the full pipeline and returns the finished answer.
func (o *Orchestrator) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	return o.run(ctx, req, reasoning.NopListener{}, nil, uuid.New().String())
}

// StreamQuery runs the same pipeline while pushing progress events to the
// emitter. The emitter going away cancels the run. The stream always ends
// with exactly one terminal event: done, or a fatal error.
func (o *Orchestrator) StreamQuery(ctx context.Context, req *QueryRequest, emitter *stream.Emitter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	correlationID := uuid.New().String()
	listener := &streamListener{emitter: emitter, cancel: cancel}
	resp, err := o.run(ctx, req, listener, emitter, correlationID)
	if err != nil {
		_ = emitter.Emit(stream.ErrorEvent(errorType(err), publicError(err), true, correlationID))
		return err
	}

	for _, corr := range resp.Answer.Corrections {
		_ = emitter.Emit(stream.CorrectionEvent(corr.Severity, corr.Text, corr.Source))
	}
	_ = emitter.Emit(stream.MetadataEvent(resp.FollowupQuestions, resp.Answer.Sources,
		resp.TokenUsage, resp.ModelUsed, resp.CostUSD, resp.ElapsedMS))
	_ = emitter.Emit(stream.StatusEvent(stream.StatusCompleted, correlationID))
	return emitter.Emit(stream.DoneEvent(correlationID))
}

func (o *Orchestrator) run(ctx context.Context, req *QueryRequest, listener reasoning.Listener, emitter *stream.Emitter, correlationID string) (*QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	sessionID := req.sessionKey()
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, o.queryTimeout)
	defer cancel()

	o.emit(emitter, stream.StatusEvent(stream.StatusProcessing, correlationID))
	label := o.classifier.Classify(req.Query)

	// Context prefetch. Either leg failing degrades to an empty block, never
	// to a failed query.
	var userContext string
	var history []*protocol.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mc, err := o.memories.Context(gctx, req.UserID)
		if err != nil {
			slog.Warn("Memory context unavailable", "user_id", req.UserID, "error", err)
			observability.GetGlobalMetrics().RecordDegradedMode(gctx, "memory")
			return nil
		}
		userContext = mc
		return nil
	})
	g.Go(func() error {
		h, err := o.sessions.History(gctx, sessionID)
		if err != nil {
			slog.Warn("Session history unavailable", "session_id", sessionID, "error", err)
			observability.GetGlobalMetrics().RecordDegradedMode(gctx, "session")
			return nil
		}
		if len(h) > maxHistoryMessages {
			h = h[len(h)-maxHistoryMessages:]
		}
		history = h
		return nil
	})
	_ = g.Wait()

	state := reasoning.NewState(req.Query, label, label)
	state.UserContext = userContext
	state.History = history
	state.SessionID = sessionID
	state.UserTier = req.UserTier
	budget := gateway.NewBudget(o.costCapUSD)

	var runErr error
	switch label {
	case intent.Greeting, intent.Casual:
		_, runErr = o.engine.DirectReply(ctx, state, budget)
	default:
		_, runErr = o.engine.Run(ctx, state, budget, listener)
	}
	if runErr != nil {
		slog.Warn("Reasoning run failed", "intent", label, "error", runErr)
		observability.GetGlobalMetrics().RecordError(ctx, "orchestrator", "reasoning")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("query timed out: %w", ctx.Err())
		}
		// Fall through with whatever the run produced; an empty draft
		// synthesizes to the honest fallback answer.
	}

	// The answer text streams out in chunks as synthesis finishes it.
	var onToken func(string)
	if emitter != nil {
		onToken = func(chunk string) {
			_ = emitter.Emit(stream.TokenEvent(chunk))
		}
	}
	answer := o.pipe.Process(ctx, state, budget, onToken)

	o.persist(ctx, sessionID, req.UserID, req.Query, answer.Text)

	return &QueryResponse{
		Answer:            answer,
		Intent:            label,
		ModelUsed:         state.ModelUsed,
		Steps:             state.Steps,
		CostUSD:           budget.Spent(),
		TokenUsage:        state.Usage,
		ElapsedMS:         time.Since(start).Milliseconds(),
		SessionID:         sessionID,
		CorrelationID:     correlationID,
		FollowupQuestions: o.followUps(ctx, label, answer, budget),
	}, nil
}

const followUpPrompt = `Suggest 3 short follow-up questions the user might ask next,
based on the answer below. Same language as the answer. One per line, no numbering,
no commentary.`

// followUps proposes next questions after a business answer. Smalltalk gets
// none, and any failure simply yields none.
func (o *Orchestrator) followUps(ctx context.Context, label string, answer *pipeline.Answer, budget *gateway.Budget) []string {
	if label == intent.Greeting || label == intent.Casual || answer.Fallback {
		return nil
	}

	resp, err := o.gw.Send(ctx, &gateway.Request{
		Messages: []*protocol.Message{
			protocol.SystemMessage(followUpPrompt),
			protocol.UserMessage(answer.Text),
		},
		Tier:   "lite",
		Budget: budget,
	})
	if err != nil {
		slog.Debug("Follow-up generation failed", "error", err)
		return nil
	}

	var out []string
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 4 {
			break
		}
	}
	return out
}

// persist appends the turn to the conversation and schedules the memory
// update. Neither can fail the query at this point.
func (o *Orchestrator) persist(ctx context.Context, sessionID, userID, query, answer string) {
	userMsg := protocol.UserMessage(query)
	assistantMsg := protocol.AssistantMessage(answer)

	if err := o.sessions.Append(ctx, sessionID, userID, userMsg); err != nil {
		slog.Warn("Failed to record user turn", "session_id", sessionID, "error", err)
	}
	if err := o.sessions.Append(ctx, sessionID, userID, assistantMsg); err != nil {
		slog.Warn("Failed to record assistant turn", "session_id", sessionID, "error", err)
	}

	if userID == "" {
		return
	}
	// Memory extraction runs off the query path with its own deadline.
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		o.memories.UpdateFromConversation(bg, userID, []*protocol.Message{userMsg, assistantMsg})
	}()
}

func (o *Orchestrator) emit(emitter *stream.Emitter, event stream.Event) {
	if emitter == nil {
		return
	}
	_ = emitter.Emit(event)
}

// publicError strips internals before a message reaches the client.
func publicError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long to process. Please try again."
	default:
		return "Something went wrong while processing your request."
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "client_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// streamListener forwards reasoning progress to the SSE emitter and cancels
// the run once the client is gone.
type streamListener struct {
	emitter *stream.Emitter
	cancel  context.CancelFunc
}

func (l *streamListener) OnStep(step int) {
	l.forward(stream.ThinkingEvent(fmt.Sprintf("Working on step %d", step)))
}

func (l *streamListener) OnToolCall(_ int, name string, args map[string]interface{}) {
	l.forward(stream.ToolCallEvent(name, redactArgs(args)))
}

func (l *streamListener) OnToolResult(_ int, result tools.ToolResult) {
	l.forward(stream.ObservationEvent(result.ToolName, len(result.Content), truncate(result.Content, 160)))
}

func (l *streamListener) forward(event stream.Event) {
	if err := l.emitter.Emit(event); errors.Is(err, stream.ErrClientGone) {
		l.cancel()
	}
}

// redactArgs bounds string argument values so tool inputs never leak whole
// documents into the stream.
func redactArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = truncate(s, 80)
			continue
		}
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
