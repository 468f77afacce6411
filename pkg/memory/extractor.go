package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/protocol"
)

const extractorPrompt = `Extract durable facts about the user from this conversation.
Only extract facts worth remembering across sessions: preferences, their situation
(nationality, visa status, company type), constraints (deadlines, budget) and goals.
Ignore greetings, one-off questions and anything about the current query only.

Respond with a JSON array, nothing else. Each element:
{"category": "preference|situation|constraint|goal", "content": "<one short factual sentence>"}

Return [] when there is nothing worth remembering.`

// Extractor distills user facts out of a finished conversation with a cheap
// model tier. Extraction is best-effort: any failure yields zero facts, never
// an error surfaced to the query path.
type Extractor struct {
	gw   *gateway.Gateway
	tier string
}

func NewExtractor(gw *gateway.Gateway, tier string) *Extractor {
	return &Extractor{gw: gw, tier: tier}
}

// Extract returns the facts found in the conversation.
func (e *Extractor) Extract(ctx context.Context, userID string, conversation []*protocol.Message) ([]*Fact, error) {
	var b strings.Builder
	for _, msg := range conversation {
		if msg.Role != protocol.RoleUser && msg.Role != protocol.RoleAssistant {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	if b.Len() == 0 {
		return nil, nil
	}

	resp, err := e.gw.Send(ctx, &gateway.Request{
		Messages: []*protocol.Message{
			protocol.SystemMessage(extractorPrompt),
			protocol.UserMessage(b.String()),
		},
		Tier: e.tier,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	facts, err := parseExtractedFacts(userID, resp.Text)
	if err != nil {
		slog.Warn("Could not parse extracted facts", "user_id", userID, "error", err)
		return nil, nil
	}
	return facts, nil
}

func parseExtractedFacts(userID, text string) ([]*Fact, error) {
	// Models wrap JSON in fences more often than not.
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "["); idx >= 0 {
		if end := strings.LastIndex(text, "]"); end > idx {
			text = text[idx : end+1]
		}
	}

	var raw []struct {
		Category string `json:"category"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}

	facts := make([]*Fact, 0, len(raw))
	for _, r := range raw {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		facts = append(facts, &Fact{
			UserID:   userID,
			Category: NormalizeCategory(r.Category),
			Content:  content,
		})
	}
	return facts, nil
}
