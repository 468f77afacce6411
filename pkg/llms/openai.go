package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/httpclient"
	"github.com/adiwidjaja/nalar/pkg/protocol"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements Provider against any OpenAI-compatible chat
// completions endpoint. It serves as the external fallback rung of the
// gateway chain.
type OpenAIProvider struct {
	config     *config.LLMProviderConfig
	baseURL    string
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string           `json:"model"`
	Messages    []openAIMessage  `json:"messages"`
	Tools       []openAITool     `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	StreamOpts  *openAIStreamOpt `json:"stream_options,omitempty"`
}

type openAIStreamOpt struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error"`
}

type openAIStreamChunkBody struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func NewOpenAIProviderFromConfig(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &OpenAIProvider{
		config:  cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.config.Model }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Result, error) {
	req := p.buildRequest(messages, tools, false)

	respBody, err := p.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse openai response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai api error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	result := &Result{
		Text:  apiResp.Choices[0].Message.Content,
		Usage: protocol.Usage{Model: p.config.Model},
	}
	if apiResp.Usage != nil {
		result.Usage.PromptTokens = apiResp.Usage.PromptTokens
		result.Usage.CompletionTokens = apiResp.Usage.CompletionTokens
	}
	for _, call := range apiResp.Choices[0].Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, convertOpenAIToolCall(call))
	}
	return result, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools, true)

	chunks := make(chan StreamChunk, 16)

	go func() {
		defer close(chunks)

		reqBody, err := json.Marshal(req)
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.config.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
		}

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: fmt.Errorf("openai stream request failed: %w", err)}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			chunks <- StreamChunk{Type: "error", Err: fmt.Errorf("openai api error (HTTP %d): %s", resp.StatusCode, string(body))}
			return
		}

		usage := protocol.Usage{Model: p.config.Model}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var chunk openAIStreamChunkBody
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				chunks <- StreamChunk{Type: "error", Err: fmt.Errorf("malformed stream frame: %w", err)}
				continue
			}
			if chunk.Usage != nil {
				usage.PromptTokens = chunk.Usage.PromptTokens
				usage.CompletionTokens = chunk.Usage.CompletionTokens
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					select {
					case chunks <- StreamChunk{Type: "text", Text: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}

		chunks <- StreamChunk{Type: "done", Usage: &usage}
	}()

	return chunks, nil
}

func (p *OpenAIProvider) post(ctx context.Context, req *openAIRequest) ([]byte, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai api request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai api error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (p *OpenAIProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, stream bool) *openAIRequest {
	req := &openAIRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
		Stream:    stream,
	}
	if stream {
		req.StreamOpts = &openAIStreamOpt{IncludeUsage: true}
	}
	if p.config.Temperature > 0 {
		temp := p.config.Temperature
		req.Temperature = &temp
	}

	for _, msg := range messages {
		apiMsg := openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == protocol.RoleTool {
			apiMsg.Role = "tool"
			apiMsg.ToolCallID = msg.ToolCallID
		}
		req.Messages = append(req.Messages, apiMsg)
	}

	for _, tool := range tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return req
}

func convertOpenAIToolCall(call openAIToolCall) *protocol.ToolCall {
	args := make(map[string]interface{})
	if call.Function.Arguments != "" {
		// Malformed arguments degrade to an empty arg map; the tool layer
		// reports the validation failure as an observation.
		_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
	}
	return &protocol.ToolCall{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: args,
	}
}
