package llms

import (
	"net/http"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/httpclient"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// NewOllamaProviderFromConfig wires a local Ollama daemon through its
// OpenAI-compatible endpoint. No API key; price fields normally stay zero so
// a local model makes a free last rung in a fallback chain.
func NewOllamaProviderFromConfig(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	return &OpenAIProvider{
		config:  cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
		),
	}, nil
}
