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

	"github.com/google/uuid"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/httpclient"
	"github.com/adiwidjaja/nalar/pkg/protocol"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider implements Provider against the Gemini REST API.
type GeminiProvider struct {
	config     *config.LLMProviderConfig
	baseURL    string
	httpClient *httpclient.Client
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolSet         `json:"tools,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user or model
	Parts []geminiPart `json:"parts"`
}

// geminiPart is kept schemaless: text, functionCall and functionResponse
// parts share the same slot.
type geminiPart map[string]interface{}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGeminiProviderFromConfig(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	return &GeminiProvider{
		config:  cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *GeminiProvider) ModelName() string { return p.config.Model }

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Result, error) {
	req := p.buildRequest(messages, tools)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, p.config.Model, p.config.APIKey)

	respBody, err := p.post(ctx, url, req)
	if err != nil {
		return nil, err
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}
	if geminiResp.Error != nil {
		return nil, fmt.Errorf("gemini api error (%s): %s", geminiResp.Error.Status, geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	return p.parseResponse(&geminiResp), nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools)

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
		p.baseURL, p.config.Model, p.config.APIKey)

	chunks := make(chan StreamChunk, 16)

	go func() {
		defer close(chunks)

		reqBody, err := json.Marshal(req)
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: fmt.Errorf("gemini stream request failed: %w", err)}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			chunks <- StreamChunk{Type: "error", Err: fmt.Errorf("gemini api error (HTTP %d): %s", resp.StatusCode, string(body))}
			return
		}

		var usage protocol.Usage
		usage.Model = p.config.Model

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				chunks <- StreamChunk{Type: "error", Err: fmt.Errorf("malformed stream frame: %w", err)}
				continue
			}
			if chunk.UsageMetadata != nil {
				usage.PromptTokens = chunk.UsageMetadata.PromptTokenCount
				usage.CompletionTokens = chunk.UsageMetadata.CandidatesTokenCount
			}
			for _, candidate := range chunk.Candidates {
				for _, part := range candidate.Content.Parts {
					if text, ok := part["text"].(string); ok && text != "" {
						select {
						case chunks <- StreamChunk{Type: "text", Text: text}:
						case <-ctx.Done():
							return
						}
					}
					if call := parseGeminiFunctionCall(part); call != nil {
						select {
						case chunks <- StreamChunk{Type: "tool_call", ToolCall: call}:
						case <-ctx.Done():
							return
						}
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

func (p *GeminiProvider) post(ctx context.Context, url string, req *geminiRequest) ([]byte, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini api request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini api error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (p *GeminiProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition) *geminiRequest {
	req := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			MaxOutputTokens: p.config.MaxTokens,
		},
	}
	if p.config.Temperature > 0 {
		temp := p.config.Temperature
		req.GenerationConfig.Temperature = &temp
	}

	var systemParts []geminiPart
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			systemParts = append(systemParts, geminiPart{"text": msg.Content})
		case protocol.RoleUser:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{"text": msg.Content}},
			})
		case protocol.RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{"text": msg.Content}},
			})
		case protocol.RoleTool:
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					"functionResponse": map[string]interface{}{
						"name":     msg.ToolName,
						"response": map[string]interface{}{"result": msg.Content},
					},
				}},
			})
		}
	}
	if len(systemParts) > 0 {
		req.SystemInstruction = &geminiContent{Parts: systemParts}
	}

	if len(tools) > 0 {
		declarations := make([]geminiFunctionDeclaration, 0, len(tools))
		for _, tool := range tools {
			declarations = append(declarations, geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		req.Tools = []geminiToolSet{{FunctionDeclarations: declarations}}
	}

	return req
}

func (p *GeminiProvider) parseResponse(resp *geminiResponse) *Result {
	result := &Result{
		Usage: protocol.Usage{Model: p.config.Model},
	}
	if resp.UsageMetadata != nil {
		result.Usage.PromptTokens = resp.UsageMetadata.PromptTokenCount
		result.Usage.CompletionTokens = resp.UsageMetadata.CandidatesTokenCount
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part["text"].(string); ok {
			text.WriteString(t)
		}
		if call := parseGeminiFunctionCall(part); call != nil {
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}
	result.Text = text.String()
	return result
}

func parseGeminiFunctionCall(part geminiPart) *protocol.ToolCall {
	raw, ok := part["functionCall"].(map[string]interface{})
	if !ok {
		return nil
	}
	name, _ := raw["name"].(string)
	if name == "" {
		return nil
	}
	args, _ := raw["args"].(map[string]interface{})
	return &protocol.ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: args,
	}
}
