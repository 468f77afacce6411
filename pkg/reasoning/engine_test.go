package reasoning

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/testutils"
	"github.com/adiwidjaja/nalar/pkg/tools"
)

type recordingListener struct {
	steps     []int
	toolCalls []string
	results   []tools.ToolResult
}

func (l *recordingListener) OnStep(step int) { l.steps = append(l.steps, step) }
func (l *recordingListener) OnToolCall(step int, name string, args map[string]interface{}) {
	l.toolCalls = append(l.toolCalls, name)
}
func (l *recordingListener) OnToolResult(step int, result tools.ToolResult) {
	l.results = append(l.results, result)
}

func testEngine(t *testing.T, provider *testutils.ScriptedProvider, cfg config.ReasoningConfig) *Engine {
	t.Helper()

	gw, err := testutils.NewTestGateway(provider)
	require.NoError(t, err)

	reg := tools.NewRegistry(time.Second)
	require.NoError(t, reg.RegisterTool(tools.NewCalculatorTool()))

	cfg.SetDefaults()
	return NewEngine(gw, reg, cfg)
}

func TestRunDirectAnswer(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.TextStep("A KITAS is a limited stay permit."),
	}}
	engine := testEngine(t, provider, config.ReasoningConfig{})

	state, err := engine.Run(context.Background(), NewState("What is a KITAS?", "business_simple", "default"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "A KITAS is a limited stay permit.", state.Answer)
	assert.Equal(t, 1, state.Steps)
	assert.Empty(t, state.Observations)
}

func TestRunToolLoop(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.ToolCallStep("call-1", "calculator", map[string]interface{}{"expression": "12000000 * 1.11"}),
		testutils.TextStep("The total including tax is 13320000 IDR."),
	}}
	engine := testEngine(t, provider, config.ReasoningConfig{})

	listener := &recordingListener{}
	state, err := engine.Run(context.Background(), NewState("total with tax?", "business_complex", "default"), nil, listener)
	require.NoError(t, err)

	assert.Equal(t, "The total including tax is 13320000 IDR.", state.Answer)
	assert.Equal(t, 2, state.Steps)
	require.Len(t, state.Observations, 1)
	assert.Equal(t, "calculator", state.Observations[0].Tool)
	assert.True(t, state.Observations[0].Success)
	assert.Equal(t, "13320000", state.Observations[0].Content)

	assert.Equal(t, []string{"calculator"}, listener.toolCalls)
	assert.Equal(t, []int{1, 2}, listener.steps)
}

func TestRunFailedToolBecomesObservation(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.ToolCallStep("call-1", "calculator", map[string]interface{}{"expression": "1 / 0"}),
		testutils.TextStep("I could not compute that."),
	}}
	engine := testEngine(t, provider, config.ReasoningConfig{})

	state, err := engine.Run(context.Background(), NewState("divide by zero", "business_complex", "default"), nil, nil)
	require.NoError(t, err)

	require.Len(t, state.Observations, 1)
	assert.False(t, state.Observations[0].Success)
	assert.Contains(t, state.Observations[0].Content, "Tool failed")
	assert.Equal(t, "I could not compute that.", state.Answer)
}

func TestRunStepBudgetForcesAnswer(t *testing.T) {
	// model wants to call tools forever; step budget of 2 strips tools on the
	// final step, forcing the scripted provider's last text reply
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.ToolCallStep("call-1", "calculator", map[string]interface{}{"expression": "1 + 1"}),
		testutils.TextStep("Best effort answer."),
	}}
	engine := testEngine(t, provider, config.ReasoningConfig{
		StepBudgets: map[string]int{"business_complex": 2},
	})

	state, err := engine.Run(context.Background(), NewState("q", "business_complex", "default"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Steps)
	assert.Equal(t, "Best effort answer.", state.Answer)

	// final call carried no tool definitions
	assert.Empty(t, provider.LastTools)
}

func TestRunEarlyExitFlag(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.TextStep("Hello! How can I help?"),
	}}
	engine := testEngine(t, provider, config.ReasoningConfig{})

	state, err := engine.Run(context.Background(), NewState("hi there", "greeting", "default"), nil, nil)
	require.NoError(t, err)
	assert.True(t, state.EarlyExit)

	// complex intents never early-exit
	provider = &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.TextStep("Direct answer."),
	}}
	engine = testEngine(t, provider, config.ReasoningConfig{})
	state, err = engine.Run(context.Background(), NewState("q", "business_complex", "default"), nil, nil)
	require.NoError(t, err)
	assert.False(t, state.EarlyExit)
}

type fakeSearchTool struct {
	content string
}

func (t *fakeSearchTool) GetName() string        { return "vector_search" }
func (t *fakeSearchTool) GetDescription() string { return "search the knowledge base" }
func (t *fakeSearchTool) GetSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *fakeSearchTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	return tools.ToolResult{Success: true, Content: t.content, ToolName: "vector_search"}, nil
}

func TestRunEarlyExitAfterSubstantialRetrieval(t *testing.T) {
	payload := strings.Repeat("KITAS renewal requires a sponsor letter and a valid passport. ", 12)
	require.Greater(t, len(payload), 500)

	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.ToolCallStep("call-1", "vector_search", map[string]interface{}{"query": "kitas renewal"}),
		testutils.TextStep("Renewal needs a sponsor letter and a valid passport."),
	}}

	gw, err := testutils.NewTestGateway(provider)
	require.NoError(t, err)
	reg := tools.NewRegistry(time.Second)
	require.NoError(t, reg.RegisterTool(&fakeSearchTool{content: payload}))
	cfg := config.ReasoningConfig{}
	cfg.SetDefaults()
	engine := NewEngine(gw, reg, cfg)

	state, err := engine.Run(context.Background(), NewState("how do I renew a KITAS?", "business_simple", "default"), nil, nil)
	require.NoError(t, err)

	assert.True(t, state.EarlyExit)
	assert.Equal(t, 2, state.Steps)
	// the answer call carried no tool definitions
	assert.Empty(t, provider.LastTools)
}

func TestRunThinContextTriggersExtraRetrieval(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.TextStep("It depends."),
		testutils.ToolCallStep("call-1", "vector_search", map[string]interface{}{"query": "pt pma shareholder requirements"}),
		testutils.TextStep("A PT PMA needs at least two shareholders and 10 billion IDR in capital."),
	}}

	gw, err := testutils.NewTestGateway(provider)
	require.NoError(t, err)
	reg := tools.NewRegistry(time.Second)
	require.NoError(t, reg.RegisterTool(&fakeSearchTool{
		content: "PT PMA shareholder requirements: minimum two shareholders, capital 10 billion IDR.",
	}))
	cfg := config.ReasoningConfig{}
	cfg.SetDefaults()
	engine := NewEngine(gw, reg, cfg)

	state, err := engine.Run(context.Background(), NewState("what are the PT PMA shareholder requirements?", "business_complex", "default"), nil, nil)
	require.NoError(t, err)

	// the first evidence-free answer was sent back for one retrieval round
	assert.Equal(t, 3, provider.Calls)
	require.Len(t, state.Observations, 1)
	assert.Contains(t, state.Answer, "two shareholders")
	assert.False(t, state.EarlyExit)
}

type tierAwareTool struct {
	tier int
	ok   bool
}

func (t *tierAwareTool) GetName() string        { return "vector_search" }
func (t *tierAwareTool) GetDescription() string { return "search" }
func (t *tierAwareTool) GetSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *tierAwareTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	t.tier, t.ok = tools.UserTierFrom(ctx)
	return tools.ToolResult{Success: true, Content: "ok", ToolName: "vector_search"}, nil
}

func TestRunCarriesUserTierToTools(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.ToolCallStep("call-1", "vector_search", map[string]interface{}{"query": "kitas"}),
		testutils.TextStep("Answer."),
	}}

	gw, err := testutils.NewTestGateway(provider)
	require.NoError(t, err)
	tool := &tierAwareTool{}
	reg := tools.NewRegistry(time.Second)
	require.NoError(t, reg.RegisterTool(tool))
	cfg := config.ReasoningConfig{}
	cfg.SetDefaults()
	engine := NewEngine(gw, reg, cfg)

	state := NewState("what is a kitas", "business_complex", "default")
	state.UserTier = 3
	_, err = engine.Run(context.Background(), state, nil, nil)
	require.NoError(t, err)

	assert.True(t, tool.ok)
	assert.Equal(t, 3, tool.tier)
}

func TestDirectReply(t *testing.T) {
	provider := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		testutils.TextStep("Halo! Ada yang bisa saya bantu?"),
	}}
	engine := testEngine(t, provider, config.ReasoningConfig{})

	state, err := engine.DirectReply(context.Background(), NewState("halo", "greeting", "default"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Halo! Ada yang bisa saya bantu?", state.Answer)
	assert.True(t, state.EarlyExit)
	assert.Equal(t, 1, provider.Calls)
}

func TestStateSerializationRoundTrip(t *testing.T) {
	state := NewState("query", "business_complex", "default")
	state.Answer = "answer"
	state.Observations = []Observation{
		{Step: 1, Tool: "vector_search", Content: "found docs", Success: true},
		{Step: 2, Tool: "calculator", Content: "42", Success: true},
	}

	raw, err := state.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeState(raw)
	require.NoError(t, err)
	assert.Equal(t, state, restored)

	assert.Equal(t, []string{"vector_search", "calculator"}, restored.ToolsUsed())
}
