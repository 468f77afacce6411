// Package utils provides shared utility helpers.
package utils

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/adiwidjaja/nalar/pkg/protocol"
)

// TokenCounter estimates prompt sizes per model. Estimates feed the gateway's
// cost-cap pre-check; reported usage from the provider is authoritative.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model. Unknown models fall
// back to the cl100k_base encoding; when no encoding can be loaded at all the
// counter degrades to a bytes/4 heuristic instead of failing.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{model: model}, nil
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message role
// overhead and the assistant reply priming.
func (tc *TokenCounter) CountMessages(messages []*protocol.Message) int {
	if tc == nil || tc.encoding == nil {
		total := 0
		for _, msg := range messages {
			total += len(msg.Content)/4 + 4
		}
		return total
	}

	const tokensPerMessage = 3

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += tokensPerMessage
		totalTokens += len(tc.encoding.Encode(string(msg.Role), nil, nil))
		totalTokens += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	totalTokens += 3

	return totalTokens
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	if tc == nil {
		return ""
	}
	return tc.model
}
