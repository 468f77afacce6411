package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/protocol"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
	"github.com/adiwidjaja/nalar/pkg/testutils"
)

func writeCorrections(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "corrections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCorrectionsApply(t *testing.T) {
	path := writeCorrections(t, t.TempDir(), `
corrections:
  - id: voa-price-2026
    pattern: 'visa on arrival costs \d+'
    replacement: 'visa on arrival costs 500000'
    note: VOA fee is 500000 IDR since January 2026
    severity: critical
    source: 'Permenkumham 11/2025'
  - pattern: 'BKPM'
    replacement: 'Ministry of Investment (BKPM)'
    note: bkpm-rename
`)

	catalog, err := LoadCorrections(path)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Size())

	text, fired := catalog.Apply("The visa on arrival costs 350000 IDR, payable to BKPM.")
	assert.Contains(t, text, "costs 500000")
	assert.Contains(t, text, "Ministry of Investment (BKPM)")
	require.Len(t, fired, 2)
	assert.Equal(t, "voa-price-2026", fired[0].ID)
	assert.Equal(t, "critical", fired[0].Severity)
	assert.Equal(t, "Permenkumham 11/2025", fired[0].Source)
	assert.Equal(t, "bkpm-rename", fired[1].Text)
	assert.Equal(t, "medium", fired[1].Severity)

	unchanged, fired := catalog.Apply("Nothing matches here.")
	assert.Equal(t, "Nothing matches here.", unchanged)
	assert.Empty(t, fired)
}

func TestCatalogMatchesInsightsByKeyword(t *testing.T) {
	path := writeCorrections(t, t.TempDir(), `
insights:
  - topic: immigration
    keywords: [kitas, visa]
    text: Renewals should start 30 days before expiry.
  - topic: tax
    keywords: [npwp, pajak]
    text: An NPWP is required before opening a company bank account.
`)
	catalog, err := LoadCorrections(path)
	require.NoError(t, err)

	matched := catalog.InsightsFor("How do I renew my KITAS?")
	require.Len(t, matched, 1)
	assert.Equal(t, "immigration", matched[0].Topic)

	assert.Empty(t, catalog.InsightsFor("how is the weather"))
}

func TestCorrectionsMissingFileIsEmpty(t *testing.T) {
	catalog, err := LoadCorrections(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Zero(t, catalog.Size())
}

func TestCorrectionsRejectsBadPattern(t *testing.T) {
	path := writeCorrections(t, t.TempDir(), `
corrections:
  - pattern: '[unclosed'
    replacement: 'x'
`)
	_, err := LoadCorrections(path)
	assert.Error(t, err)
}

func TestCorrectionsRejectsUnknownSeverity(t *testing.T) {
	path := writeCorrections(t, t.TempDir(), `
corrections:
  - pattern: 'x'
    replacement: 'y'
    severity: urgent
`)
	_, err := LoadCorrections(path)
	assert.Error(t, err)
}

func TestCorrectionsHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeCorrections(t, dir, "corrections: []\n")

	catalog, err := LoadCorrections(path)
	require.NoError(t, err)
	require.Zero(t, catalog.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, catalog.Watch(ctx))

	writeCorrections(t, dir, `
corrections:
  - pattern: 'old fee'
    replacement: 'new fee'
    note: fee-update
`)

	require.Eventually(t, func() bool {
		return catalog.Size() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCalibratorRewritesArtifactInPlace(t *testing.T) {
	path := writeCorrections(t, t.TempDir(), `
corrections:
  - id: voa-price-2026
    pattern: 'VOA costs \d+'
    replacement: 'VOA costs 500000'
    note: VOA fee is 500000 IDR since January 2026
    severity: critical
    source: 'Permenkumham 11/2025'
insights:
  - topic: immigration
    keywords: [voa]
    text: Extensions are done at the local immigration office.
`)
	catalog, err := LoadCorrections(path)
	require.NoError(t, err)

	cal := NewCalibrator(catalog, nil)

	state := reasoning.NewState("how much does the VOA cost?", "business_complex", "default")
	state.Artifact = &reasoning.Artifact{
		KeyPoints:     []string{"The VOA costs 350000 rupiah."},
		CostEstimates: []string{"VOA costs 350000 per entry."},
	}

	result := cal.Calibrate(state)

	// both sections corrected in place, the correction reported once
	assert.Equal(t, "The VOA costs 500000 rupiah.", state.Artifact.KeyPoints[0])
	assert.Equal(t, "VOA costs 500000 per entry.", state.Artifact.CostEstimates[0])
	require.Len(t, result.Corrections, 1)
	assert.Equal(t, "voa-price-2026", result.Corrections[0].ID)
	assert.Equal(t, "critical", result.Corrections[0].Severity)
	assert.Equal(t, "Permenkumham 11/2025", result.Corrections[0].Source)

	require.Len(t, result.Insights, 1)
	assert.Equal(t, "immigration", result.Insights[0].Topic)
}

func TestCalibratorCorrectsRawAnswerWithoutArtifact(t *testing.T) {
	path := writeCorrections(t, t.TempDir(), `
corrections:
  - pattern: 'E33G'
    replacement: 'E33G (remote worker visa)'
    note: e33g-gloss
`)
	catalog, err := LoadCorrections(path)
	require.NoError(t, err)

	cal := NewCalibrator(catalog, nil)
	state := reasoning.NewState("what is the E33G?", "business_complex", "default")
	state.Answer = "The E33G is a residence permit."

	result := cal.Calibrate(state)
	assert.Equal(t, "The E33G (remote worker visa) is a residence permit.", state.Answer)
	require.Len(t, result.Corrections, 1)
	assert.Equal(t, "e33g-gloss", result.Corrections[0].Text)
}

func TestCalibratorMatchesServicesByTopicAndName(t *testing.T) {
	catalog, err := LoadCorrections("")
	require.NoError(t, err)

	services := []config.ServiceDescriptor{
		{Name: "Investor KITAS", Topic: "kitas", Currency: "IDR", PriceMin: 12000000, PriceMax: 15000000},
		{Name: "NPWP Registration", Topic: "npwp", Currency: "IDR", PriceMin: 1500000, PriceMax: 1500000},
	}
	cal := NewCalibrator(catalog, services)

	state := reasoning.NewState("how much is an investor kitas?", "business_complex", "default")
	state.Artifact = &reasoning.Artifact{KeyPoints: []string{"The investor stay permit is sponsor-based."}}

	result := cal.Calibrate(state)
	require.Len(t, result.Services, 1)
	assert.Equal(t, "Investor KITAS", result.Services[0].Name)
}

func synthConfig() config.PipelineConfig {
	cfg := config.PipelineConfig{}
	cfg.SetDefaults()
	return cfg
}

func scriptedSynthesizer(t *testing.T, cfg config.PipelineConfig, steps ...testutils.ScriptStep) (*Synthesizer, *testutils.ScriptedProvider) {
	t.Helper()
	provider := &testutils.ScriptedProvider{Steps: steps}
	gw, err := testutils.NewTestGateway(provider)
	require.NoError(t, err)
	return NewSynthesizer(gw, cfg), provider
}

func artifactState(query string) *reasoning.State {
	state := reasoning.NewState(query, "business_complex", "default")
	state.Artifact = &reasoning.Artifact{
		KeyPoints: []string{"An investor KITAS requires a sponsoring PT PMA."},
		Warnings:  []string{"Fees change yearly."},
	}
	return state
}

func TestSynthesizeComposesFromArtifact(t *testing.T) {
	s, provider := scriptedSynthesizer(t, synthConfig(),
		testutils.TextStep("You will need a sponsoring PT PMA before applying for the investor KITAS. Fees change yearly, so confirm the current schedule first."))

	state := artifactState("what do I need for an investor kitas?")
	cal := &CalibrationResult{
		Corrections: []AppliedCorrection{{ID: "fee-2026", Severity: "high", Text: "Fee is 12 million IDR"}},
	}

	answer := s.Synthesize(context.Background(), state, cal, nil)
	require.False(t, answer.Fallback)
	assert.True(t, strings.HasPrefix(answer.Text, "You will need a sponsoring PT PMA"))
	assert.Equal(t, 1, provider.Calls)
	assert.Equal(t, cal.Corrections, answer.Corrections)

	// the artifact and the corrections reached the model
	prompt := provider.LastMessages[len(provider.LastMessages)-1].Content
	assert.Contains(t, prompt, "An investor KITAS requires a sponsoring PT PMA.")
	assert.Contains(t, prompt, "Fee is 12 million IDR")
}

func TestSynthesizeTemplateDraftOnModelFailure(t *testing.T) {
	s, _ := scriptedSynthesizer(t, synthConfig(), testutils.ScriptStep{Err: assert.AnError})

	state := artifactState("what do I need for an investor kitas?")
	cal := &CalibrationResult{
		Corrections: []AppliedCorrection{
			{Severity: "critical", Text: "Fee is 12 million IDR"},
			{Severity: "medium", Text: "minor wording note"},
		},
	}

	answer := s.Synthesize(context.Background(), state, cal, nil)
	assert.False(t, answer.Fallback, "key points still make an answer")
	assert.Contains(t, answer.Text, "An investor KITAS requires a sponsoring PT PMA.")
	assert.Contains(t, answer.Text, "Fee is 12 million IDR")
	assert.NotContains(t, answer.Text, "minor wording note")
}

func TestSynthesizeFallbackWhenRunProducedNothing(t *testing.T) {
	s, provider := scriptedSynthesizer(t, synthConfig())

	en := s.Synthesize(context.Background(), reasoning.NewState("what is the fee", "business_complex", "default"), nil, nil)
	assert.True(t, en.Fallback)
	assert.Equal(t, fallbackEnglish, en.Text)
	assert.Zero(t, provider.Calls, "nothing to synthesize, nothing to spend")

	idState := reasoning.NewState("berapa biaya yang harus saya bayar untuk ini", "business_complex", "default")
	id := s.Synthesize(context.Background(), idState, nil, nil)
	assert.True(t, id.Fallback)
	assert.Equal(t, fallbackIndonesian, id.Text)
}

func TestSynthesizerClosingRotatesPerSession(t *testing.T) {
	s, _ := scriptedSynthesizer(t, synthConfig(), testutils.TextStep("The fee is 500000 IDR."))

	var closings []string
	for i := 0; i < len(closingsEnglish); i++ {
		state := artifactState("what is the fee?")
		state.SessionID = "session-1"
		answer := s.Synthesize(context.Background(), state, nil, nil)
		parts := strings.Split(answer.Text, "\n\n")
		closings = append(closings, parts[len(parts)-1])
	}

	// a session cycles through every phrase before repeating
	seen := make(map[string]bool)
	for i, c := range closings {
		assert.False(t, seen[c], "closing %d repeated: %q", i, c)
		seen[c] = true
	}

	// a new session starts the rotation over
	fresh := artifactState("what is the fee?")
	fresh.SessionID = "session-2"
	answer := s.Synthesize(context.Background(), fresh, nil, nil)
	assert.True(t, strings.HasSuffix(answer.Text, closings[0]))
}

func TestSynthesizerIndonesianDetection(t *testing.T) {
	s, _ := scriptedSynthesizer(t, synthConfig(), testutils.TextStep("Biaya KITAS investor sekitar 12 juta rupiah."))

	state := reasoning.NewState("berapa biaya KITAS untuk investor dan bagaimana prosesnya?", "business_complex", "default")
	state.Artifact = &reasoning.Artifact{KeyPoints: []string{"Biaya sekitar 12 juta."}}

	answer := s.Synthesize(context.Background(), state, nil, nil)
	assert.Equal(t, "id", answer.Language)

	found := false
	for _, closing := range closingsIndonesian {
		if strings.Contains(answer.Text, closing) {
			found = true
		}
	}
	assert.True(t, found, "expected an Indonesian closing phrase")
}

func TestSynthesizerExpandsShortAnswerWithInsights(t *testing.T) {
	cfg := synthConfig()
	cfg.MinAnswerChars = 120
	s, _ := scriptedSynthesizer(t, cfg, testutils.TextStep("The fee is 500000 IDR."))

	state := artifactState("what is the voa fee?")
	cal := &CalibrationResult{Insights: []Insight{
		{Topic: "immigration", Text: "Extensions are done at the local immigration office, take about four working days and require the original passport plus the arrival stamp."},
	}}

	answer := s.Synthesize(context.Background(), state, cal, nil)
	assert.Contains(t, answer.Text, "Extensions are done at the local immigration office")
	assert.GreaterOrEqual(t, len([]rune(answer.Text)), cfg.MinAnswerChars)
}

func TestSynthesizerTruncatesLongDrafts(t *testing.T) {
	cfg := synthConfig()
	cfg.MaxAnswerChars = 100
	long := strings.Repeat("This is a sentence about visas. ", 20)
	s, _ := scriptedSynthesizer(t, cfg, testutils.TextStep(long))

	answer := s.Synthesize(context.Background(), artifactState("q"), nil, nil)

	// body is bounded; closing phrase rides on top
	body := strings.SplitN(answer.Text, "\n\n", 2)[0]
	assert.LessOrEqual(t, len([]rune(body)), 100)
	assert.True(t, strings.HasSuffix(body, "."))
}

func TestSynthesizerStripsSycophantOpener(t *testing.T) {
	s, _ := scriptedSynthesizer(t, synthConfig(), testutils.TextStep("Great question! The fee is 500000 IDR."))

	answer := s.Synthesize(context.Background(), artifactState("what is the fee"), nil, nil)
	assert.True(t, strings.HasPrefix(answer.Text, "The fee is 500000 IDR."))
}

func TestSynthesizerSuppressesRepeatedGreeting(t *testing.T) {
	s, _ := scriptedSynthesizer(t, synthConfig(),
		testutils.TextStep("Hello! The fee is 500000 IDR."),
		testutils.TextStep("Hello! Processing takes two weeks."))

	// first turn keeps its greeting
	first := artifactState("what is the fee")
	answer := s.Synthesize(context.Background(), first, nil, nil)
	assert.True(t, strings.HasPrefix(answer.Text, "Hello!"))

	// once the assistant has spoken, a repeated greeting is dropped
	second := artifactState("and the timeline?")
	second.History = []*protocol.Message{
		protocol.UserMessage("what is the fee"),
		protocol.AssistantMessage("Hello! The fee is 500000 IDR."),
	}
	answer = s.Synthesize(context.Background(), second, nil, nil)
	assert.True(t, strings.HasPrefix(answer.Text, "Processing takes two weeks."))
}

func TestSynthesizerExtractsSources(t *testing.T) {
	s, _ := scriptedSynthesizer(t, synthConfig(), testutils.TextStep("Answer text."))

	state := artifactState("q")
	state.Observations = []reasoning.Observation{
		{Tool: "vector_search", Content: "KITAS fees (source: https://imigrasi.go.id/fees) and more", Success: true},
		{Tool: "vector_search", Content: "see https://imigrasi.go.id/fees again", Success: true},
		{Tool: "vector_search", Content: "ignored https://example.com/broken", Success: false},
	}

	answer := s.Synthesize(context.Background(), state, nil, nil)
	assert.Equal(t, []string{"https://imigrasi.go.id/fees"}, answer.Sources)
}

func TestShapeSkipsClosingForSmalltalk(t *testing.T) {
	s, provider := scriptedSynthesizer(t, synthConfig())

	state := reasoning.NewState("hi", "greeting", "default")
	state.Answer = "Hello! How can I help?"
	state.EarlyExit = true

	answer := s.Shape(state)
	assert.Equal(t, "Hello! How can I help?", answer.Text)
	assert.Zero(t, provider.Calls)
}

func testPipeline(t *testing.T, steps ...testutils.ScriptStep) (*Pipeline, *testutils.ScriptedProvider) {
	t.Helper()
	catalog, err := LoadCorrections("")
	require.NoError(t, err)

	provider := &testutils.ScriptedProvider{Steps: steps}
	gw, err := testutils.NewTestGateway(provider)
	require.NoError(t, err)

	cfg := synthConfig()
	return New(NewCalibrator(catalog, nil), NewSynthesizer(gw, cfg), cfg), provider
}

func TestPipelineBypassesModelForSmalltalk(t *testing.T) {
	p, provider := testPipeline(t)

	state := reasoning.NewState("hi", "greeting", "default")
	state.Answer = "Hello!"
	state.EarlyExit = true

	answer := p.Process(context.Background(), state, nil, nil)
	assert.Equal(t, "Hello!", answer.Text)
	assert.Zero(t, provider.Calls, "smalltalk must not spend a model call")
}

func TestPipelineSynthesizesBusinessAnswers(t *testing.T) {
	p, provider := testPipeline(t, testutils.TextStep("The fee is 500000 IDR, payable on arrival."))

	state := artifactState("what is the fee")

	answer := p.Process(context.Background(), state, nil, nil)
	assert.True(t, strings.HasPrefix(answer.Text, "The fee is 500000 IDR"))
	assert.Equal(t, 1, provider.Calls)
}

func TestPipelineStreamsAnswerInWordChunks(t *testing.T) {
	text := "The investor KITAS needs a sponsoring PT PMA, a passport valid for at least " +
		"eighteen months and proof of the qualifying investment before immigration accepts the application."
	p, _ := testPipeline(t, testutils.TextStep(text))

	state := artifactState("what do I need for an investor kitas?")

	var chunks []string
	answer := p.Process(context.Background(), state, nil, func(chunk string) {
		chunks = append(chunks, chunk)
	})

	assert.GreaterOrEqual(t, len(chunks), 5)
	assert.Equal(t, answer.Text, strings.Join(chunks, ""), "chunks must reassemble the exact answer")
}

func TestChunkWords(t *testing.T) {
	text := "one two three four five six seven eight nine"
	chunks := chunkWords(text, 4)
	require.Len(t, chunks, 3)
	assert.Equal(t, text, strings.Join(chunks, ""))
	assert.Equal(t, "one two three four ", chunks[0])

	// whitespace variations survive reassembly
	odd := "a  b\nc\t d "
	assert.Equal(t, odd, strings.Join(chunkWords(odd, 2), ""))

	assert.Empty(t, chunkWords("", 4))
}
