package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/protocol"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
)

// Closing phrases rotate per session so no two consecutive answers in a
// conversation end identically.
var (
	closingsEnglish = []string{
		"Is there anything else you would like me to check?",
		"Let me know if you need more detail on any step.",
		"Happy to dig into any of this further.",
		"Feel free to ask about the next steps whenever you are ready.",
		"Just ask if another part of the process is unclear.",
	}
	closingsIndonesian = []string{
		"Ada lagi yang bisa saya bantu?",
		"Silakan tanya kalau ada yang kurang jelas.",
		"Dengan senang hati saya jelaskan lebih lanjut.",
		"Jangan ragu bertanya soal langkah berikutnya.",
		"Silakan hubungi saya kalau butuh rincian tambahan.",
	}
)

const fallbackEnglish = "I could not verify an answer to that right now. " +
	"Could you rephrase the question, or would you like me to connect you with the team?"

const fallbackIndonesian = "Maaf, saya belum bisa memverifikasi jawaban untuk itu. " +
	"Bisa dirumuskan ulang, atau mau saya hubungkan dengan tim kami?"

// Indonesian function words that rarely appear in English text.
var indonesianMarkers = []string{
	"yang", "dan", "untuk", "dengan", "apakah", "berapa", "bagaimana",
	"saya", "tidak", "bisa", "sudah", "akan", "ini", "itu",
}

var sourceURLPattern = regexp.MustCompile(`https?://[^\s)\]]+`)

var openerPattern = regexp.MustCompile(`(?i)^(great|good|excellent|wonderful|what a great) question[!.,]?\s*`)

var greetingPattern = regexp.MustCompile(`(?i)^(hello|hi there|hi|hey|halo|hai|selamat (pagi|siang|sore|malam))[!.,]?\s+`)

// Answer is the final pipeline output.
type Answer struct {
	Text        string              `json:"text"`
	Language    string              `json:"language"`
	Sources     []string            `json:"sources,omitempty"`
	Corrections []AppliedCorrection `json:"corrections,omitempty"`
	Fallback    bool                `json:"fallback,omitempty"`
	ToolsUsed   []string            `json:"tools_used,omitempty"`
}

const synthesizerPrompt = `You write the final client-facing answer for an Indonesian
immigration, tax and corporate law consultancy. You receive research findings, corrections
and practical insights. Compose one answer in the user's language.

Rules:
1. Corrected facts are authoritative. State them as plain facts; never mention that
   anything was corrected, reviewed or overridden.
2. Use only the findings, corrections, insights and services provided. Invent nothing.
3. Do not open with flattery about the question.
4. Do not greet the user again if the conversation already contains your greeting.
5. Write between %d and %d characters. Do not add a closing question; one is appended
   separately.`

// Synthesizer is the final phase: one model call turns the corrected research
// artifact into prose. Smalltalk and model failures take deterministic paths,
// so synthesis can never lose an answer the run produced.
type Synthesizer struct {
	gw  *gateway.Gateway
	cfg config.PipelineConfig

	mu    sync.Mutex
	turns map[string]int
}

// Sessions tracked for closing rotation before the table resets.
const maxTrackedSessions = 4096

func NewSynthesizer(gw *gateway.Gateway, cfg config.PipelineConfig) *Synthesizer {
	return &Synthesizer{gw: gw, cfg: cfg, turns: make(map[string]int)}
}

// Synthesize writes the outgoing answer from the artifact and the calibration
// result. The model path streams; a failed call degrades to a deterministic
// draft from the corrected key points, and an empty run degrades to the
// honest fallback in the query's language.
func (s *Synthesizer) Synthesize(ctx context.Context, state *reasoning.State, cal *CalibrationResult, budget *gateway.Budget) *Answer {
	language := detectLanguage(state.Query)

	answer := &Answer{
		Language:  language,
		Sources:   extractSources(state),
		ToolsUsed: state.ToolsUsed(),
	}
	if cal != nil {
		answer.Corrections = cal.Corrections
	}

	if state.Artifact.IsEmpty() && strings.TrimSpace(state.Answer) == "" {
		answer.Text = fallback(language)
		answer.Fallback = true
		return answer
	}

	text, err := s.compose(ctx, state, cal, budget)
	if err != nil {
		slog.Warn("Synthesis model call failed, using deterministic draft", "error", err)
		observability.GetGlobalMetrics().RecordDegradedMode(ctx, "synthesis")
		text = templateDraft(state, cal)
	}
	if strings.TrimSpace(text) == "" {
		answer.Text = fallback(language)
		answer.Fallback = true
		return answer
	}

	answer.Text = s.shape(text, state, cal, language)
	return answer
}

// Shape is the deterministic path for smalltalk: the reply the reasoning
// phase already wrote is cleaned up and bounded, with no further model work.
func (s *Synthesizer) Shape(state *reasoning.State) *Answer {
	language := detectLanguage(state.Query)

	draft := strings.TrimSpace(state.Answer)
	if draft == "" {
		return &Answer{
			Text:     fallback(language),
			Language: language,
			Fallback: true,
		}
	}

	return &Answer{
		Text:     s.shape(draft, state, nil, language),
		Language: language,
	}
}

// compose is the model call. It streams so a long answer starts costing and
// producing immediately; the chunks are accumulated here because shaping
// needs the whole text.
func (s *Synthesizer) compose(ctx context.Context, state *reasoning.State, cal *CalibrationResult, budget *gateway.Budget) (string, error) {
	system := fmt.Sprintf(synthesizerPrompt, s.cfg.MinAnswerChars, s.cfg.MaxAnswerChars)

	messages := []*protocol.Message{protocol.SystemMessage(system)}
	messages = append(messages, state.History...)
	messages = append(messages, protocol.UserMessage(composeInput(state, cal)))

	chunks, model, err := s.gw.SendStreaming(ctx, &gateway.Request{
		Messages: messages,
		Tier:     state.Tier,
		Budget:   budget,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			b.WriteString(chunk.Text)
		case "error":
			return "", chunk.Err
		case "done":
			if chunk.Usage != nil {
				state.Usage.Add(*chunk.Usage)
			}
		}
	}
	state.ModelUsed = model
	return strings.TrimSpace(b.String()), nil
}

// composeInput lays out the question and everything the model may use.
func composeInput(state *reasoning.State, cal *CalibrationResult) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(state.Query)

	b.WriteString("\n\nResearch findings:\n")
	writeSection := func(label string, entries []string) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", label)
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if !state.Artifact.IsEmpty() {
		writeSection("Key points", state.Artifact.KeyPoints)
		writeSection("Warnings", state.Artifact.Warnings)
		writeSection("Costs", state.Artifact.CostEstimates)
		writeSection("Timelines", state.Artifact.TimelineEstimates)
		writeSection("Suggested next steps", state.Artifact.Suggestions)
	} else {
		b.WriteString(state.Answer)
		b.WriteString("\n")
	}

	if cal != nil && len(cal.Corrections) > 0 {
		b.WriteString("\nCorrections (authoritative, already applied above):\n")
		for _, c := range cal.Corrections {
			fmt.Fprintf(&b, "- [%s] %s", c.Severity, c.Text)
			if c.Source != "" {
				fmt.Fprintf(&b, " (source: %s)", c.Source)
			}
			b.WriteString("\n")
		}
	}

	if cal != nil && len(cal.Insights) > 0 {
		b.WriteString("\nPractical insights to work in where relevant:\n")
		for _, ins := range cal.Insights {
			fmt.Fprintf(&b, "- [%s] %s\n", ins.Topic, ins.Text)
		}
	}

	if cal != nil && len(cal.Services) > 0 {
		b.WriteString("\nVerified services, prices and timelines override the findings:\n")
		for _, svc := range cal.Services {
			fmt.Fprintf(&b, "- %s: %s %s", svc.Name, svc.Currency, formatRange(svc.PriceMin, svc.PriceMax))
			if svc.Timeline != "" {
				fmt.Fprintf(&b, ", timeline %s", svc.Timeline)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// templateDraft is the no-model fallback: the strongest corrected key points
// plus every critical or high correction, joined as plain prose.
func templateDraft(state *reasoning.State, cal *CalibrationResult) string {
	var parts []string
	if !state.Artifact.IsEmpty() {
		points := state.Artifact.KeyPoints
		if len(points) > 3 {
			points = points[:3]
		}
		parts = append(parts, points...)
		parts = append(parts, state.Artifact.Warnings...)
	}
	if cal != nil {
		for _, c := range cal.Corrections {
			if c.Severity == "critical" || c.Severity == "high" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// shape applies the outgoing contract to composed text: no sycophantic
// opener, no repeated greeting, length bounds, then the session's next
// closing. Under the length floor, verified insights pad the answer with
// real content rather than filler.
func (s *Synthesizer) shape(text string, state *reasoning.State, cal *CalibrationResult, language string) string {
	text = stripLead(text, state)

	if utf8.RuneCountInString(text) > s.cfg.MaxAnswerChars {
		text = truncateAtSentence(text, s.cfg.MaxAnswerChars)
	}

	if cal != nil && utf8.RuneCountInString(text) < s.cfg.MinAnswerChars {
		for _, ins := range cal.Insights {
			if utf8.RuneCountInString(text) >= s.cfg.MinAnswerChars {
				break
			}
			if strings.Contains(text, ins.Text) {
				continue
			}
			text += "\n\n" + ins.Text
		}
	}

	// Smalltalk stays short and unadorned.
	if state.EarlyExit {
		return text
	}
	return text + "\n\n" + s.nextClosing(state.SessionID, language)
}

// nextClosing rotates through the closing list per session, so a session
// only sees a repeat after exhausting every phrase.
func (s *Synthesizer) nextClosing(sessionID, language string) string {
	closings := closingsEnglish
	if language == "id" {
		closings = closingsIndonesian
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > maxTrackedSessions {
		s.turns = make(map[string]int)
	}
	idx := s.turns[sessionID]
	s.turns[sessionID] = idx + 1
	return closings[idx%len(closings)]
}

// stripLead drops sycophantic openers, and a repeated greeting once the
// assistant has already greeted in this conversation. Never empties a draft.
func stripLead(draft string, state *reasoning.State) string {
	if m := openerPattern.FindString(draft); m != "" && len(m) < len(draft) {
		draft = strings.TrimSpace(draft[len(m):])
	}
	if assistantGreeted(state.History) {
		if m := greetingPattern.FindString(draft); m != "" && len(m) < len(draft) {
			draft = strings.TrimSpace(draft[len(m):])
		}
	}
	return draft
}

func assistantGreeted(history []*protocol.Message) bool {
	for _, msg := range history {
		if msg.Role == protocol.RoleAssistant {
			return true
		}
	}
	return false
}

func fallback(language string) string {
	if language == "id" {
		return fallbackIndonesian
	}
	return fallbackEnglish
}

// detectLanguage distinguishes Indonesian from English by marker words.
// Anything ambiguous reads as English.
func detectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return "en"
	}

	markers := make(map[string]struct{}, len(indonesianMarkers))
	for _, m := range indonesianMarkers {
		markers[m] = struct{}{}
	}

	hits := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?")
		if _, ok := markers[w]; ok {
			hits++
		}
	}

	if hits*5 >= len(words) { // at least 20% marker words
		return "id"
	}
	return "en"
}

// truncateAtSentence cuts text to at most maxChars runes, preferring the last
// sentence boundary before the limit.
func truncateAtSentence(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	clipped := string(runes[:maxChars])

	for _, sep := range []string{". ", ".\n", "! ", "? "} {
		if idx := strings.LastIndex(clipped, sep); idx > maxChars/2 {
			return strings.TrimSpace(clipped[:idx+1])
		}
	}
	if idx := strings.LastIndex(clipped, " "); idx > 0 {
		clipped = clipped[:idx]
	}
	return strings.TrimSpace(clipped) + "…"
}

// extractSources collects source URLs cited in successful observations.
func extractSources(state *reasoning.State) []string {
	seen := make(map[string]struct{})
	var sources []string
	for _, obs := range state.Observations {
		if !obs.Success {
			continue
		}
		for _, url := range sourceURLPattern.FindAllString(obs.Content, -1) {
			url = strings.TrimRight(url, ".,")
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			sources = append(sources, url)
		}
	}
	return sources
}
