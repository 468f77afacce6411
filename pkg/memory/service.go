package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/protocol"
)

// Service ties extraction and storage together for the orchestrator.
type Service struct {
	store     *SQLStore
	extractor *Extractor
}

func NewService(store *SQLStore, extractor *Extractor) *Service {
	return &Service{store: store, extractor: extractor}
}

func (s *Service) Store() *SQLStore {
	return s.store
}

// UpdateFromConversation extracts and persists facts after a query completes.
// Runs off the query path; all failures are logged and swallowed.
func (s *Service) UpdateFromConversation(ctx context.Context, userID string, conversation []*protocol.Message) {
	if userID == "" {
		return
	}

	facts, err := s.extractor.Extract(ctx, userID, conversation)
	if err != nil {
		slog.Warn("Memory extraction failed", "user_id", userID, "error", err)
		return
	}
	if len(facts) == 0 {
		return
	}

	written, err := s.store.SaveFacts(ctx, userID, facts)
	if err != nil {
		slog.Warn("Memory write failed", "user_id", userID, "error", err)
		return
	}
	if written {
		slog.Debug("Memory updated", "user_id", userID, "facts", len(facts))
	}
}

// Context renders the user's facts and the collective facts as a prompt
// block. An empty string means nothing is known.
func (s *Service) Context(ctx context.Context, userID string) (string, error) {
	var b strings.Builder

	if userID != "" {
		facts, err := s.store.GetFacts(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to load user facts: %w", err)
		}
		if len(facts) > 0 {
			b.WriteString("Known about this user:\n")
			for _, f := range facts {
				fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Content)
			}
		}
	}

	collective, err := s.store.GetCollective(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load collective facts: %w", err)
	}
	if len(collective) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Commonly true across users:\n")
		for _, f := range collective {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Content)
		}
	}

	return b.String(), nil
}
