// Package embedders provides dense text embedding providers and the
// deterministic sparse encoder used for lexical search.
package embedders

import (
	"context"
	"fmt"

	"github.com/adiwidjaja/nalar/pkg/config"
)

// Embedder produces dense vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
	Close() error
}

// NewEmbedderFromConfig constructs the configured dense embedder.
func NewEmbedderFromConfig(cfg *config.EmbedderProviderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config is required")
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai)", cfg.Type)
	}
}
