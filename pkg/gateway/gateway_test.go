package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/llms"
	"github.com/adiwidjaja/nalar/pkg/protocol"
	"github.com/adiwidjaja/nalar/pkg/testutils"
)

func newChainGateway(t *testing.T, primary, backup llms.Provider) *gateway.Gateway {
	t.Helper()

	reg := llms.NewRegistry()
	require.NoError(t, reg.RegisterProvider("primary", primary))
	require.NoError(t, reg.RegisterProvider("backup", backup))

	cfg := config.GatewayConfig{
		Chains: map[string][]string{"default": {"primary", "backup"}},
	}
	cfg.SetDefaults()

	llmCfg := func() *config.LLMProviderConfig {
		c := &config.LLMProviderConfig{
			Type:               "openai",
			Model:              "gpt-4o-mini",
			InputPricePerMTok:  1,
			OutputPricePerMTok: 1,
		}
		c.SetDefaults()
		return c
	}

	gw, err := gateway.New(reg, &cfg, map[string]*config.LLMProviderConfig{
		"primary": llmCfg(),
		"backup":  llmCfg(),
	})
	require.NoError(t, err)
	return gw
}

func request() *gateway.Request {
	return &gateway.Request{
		Messages: []*protocol.Message{protocol.UserMessage("what is a kitas")},
		Tier:     "default",
	}
}

func TestSendFallsBackToNextModel(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{{Err: assert.AnError}}}
	backup := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("from backup")}}
	gw := newChainGateway(t, primary, backup)

	resp, err := gw.Send(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, gateway.OutcomeOK, resp.Outcome)
	assert.Equal(t, "backup", resp.ModelUsed)
	assert.Equal(t, "from backup", resp.Text)
	assert.Equal(t, 1, primary.Calls)
	assert.Equal(t, 1, backup.Calls)
}

func TestSendSkipsModelWithOpenBreaker(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{{Err: assert.AnError}}}
	backup := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("ok")}}
	gw := newChainGateway(t, primary, backup)

	// default threshold is three consecutive failures
	for i := 0; i < 3; i++ {
		resp, err := gw.Send(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, "backup", resp.ModelUsed)
	}
	assert.Equal(t, gateway.BreakerOpen, gw.Breakers().Get("primary").State())
	assert.Equal(t, 3, primary.Calls)

	// the open breaker skips primary without spending a call on it
	resp, err := gw.Send(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.ModelUsed)
	assert.Equal(t, 3, primary.Calls)
	assert.Equal(t, 4, backup.Calls)
}

func TestSendCostCapAbortsBeforeTheCall(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("never sent")}}
	backup := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("never sent")}}
	gw := newChainGateway(t, primary, backup)

	// worst-case completion alone estimates well past this cap
	req := request()
	req.Budget = gateway.NewBudget(0.0001)

	resp, err := gw.Send(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrCostCapExceeded))
	assert.Equal(t, gateway.OutcomeCostCapped, resp.Outcome)
	assert.Zero(t, primary.Calls)
	assert.Zero(t, backup.Calls)
}

func TestSendChargesBudgetFromReportedUsage(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("answer")}}
	gw := newChainGateway(t, primary, &testutils.ScriptedProvider{})

	req := request()
	req.Budget = gateway.NewBudget(1.0)

	resp, err := gw.Send(context.Background(), req)
	require.NoError(t, err)

	// 10 prompt + 5 completion tokens at 1 USD per megatoken
	assert.InDelta(t, 15e-6, req.Budget.Spent(), 1e-9)
	assert.InDelta(t, 15e-6, resp.Usage.Cost, 1e-9)
}

func TestSendInvalidRequestStopsCascade(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{
		{Err: fmt.Errorf("http 400: invalid request payload")},
	}}
	backup := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("ok")}}
	gw := newChainGateway(t, primary, backup)

	resp, err := gw.Send(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, gateway.OutcomePermanent, resp.Outcome)
	assert.Zero(t, backup.Calls, "a malformed request must not cascade")

	// permanent failures never open the breaker
	assert.Equal(t, gateway.BreakerClosed, gw.Breakers().Get("primary").State())
}

func TestSendStreamingRelaysChunksAndCharges(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("Hello from the stream.")}}
	gw := newChainGateway(t, primary, &testutils.ScriptedProvider{})

	req := request()
	req.Budget = gateway.NewBudget(1.0)

	chunks, model, err := gw.SendStreaming(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "primary", model)

	var b strings.Builder
	sawDone := false
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			b.WriteString(chunk.Text)
		case "done":
			sawDone = true
			require.NotNil(t, chunk.Usage)
			assert.InDelta(t, 15e-6, chunk.Usage.Cost, 1e-9)
		}
	}

	assert.Equal(t, "Hello from the stream.", b.String())
	assert.True(t, sawDone)
	assert.InDelta(t, 15e-6, req.Budget.Spent(), 1e-9)
}

func TestSendStreamingFallsBackOnStartFailure(t *testing.T) {
	primary := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{{Err: assert.AnError}}}
	backup := &testutils.ScriptedProvider{Steps: []testutils.ScriptStep{testutils.TextStep("backup stream")}}
	gw := newChainGateway(t, primary, backup)

	chunks, model, err := gw.SendStreaming(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "backup", model)

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Type == "text" {
			b.WriteString(chunk.Text)
		}
	}
	assert.Equal(t, "backup stream", b.String())
}
