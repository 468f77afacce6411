package databases

import (
	"fmt"

	"github.com/adiwidjaja/nalar/pkg/config"
)

// NewProviderFromConfig constructs the configured vector store backend.
func NewProviderFromConfig(cfg *config.VectorStoreConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config is required")
	}

	switch cfg.Type {
	case "qdrant":
		return NewQdrantProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s (supported: qdrant)", cfg.Type)
	}
}
