// Package protocol defines the wire-neutral message and usage types shared by
// the gateway, reasoning engine and pipeline.
package protocol

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation. Tool results carry the originating
// call id and tool name so providers can thread them back correctly.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a model-proposed tool invocation.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Usage is the token and cost accounting for one model call. Cumulative
// per-query usage is the sum of per-call usages.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Model            string  `json:"model"`
	Cost             float64 `json:"cost"`
}

func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// Add folds another usage record into this one. The model id of the last
// non-empty record wins; cost and tokens are additive.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.Cost += other.Cost
	if other.Model != "" {
		u.Model = other.Model
	}
}

func SystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

func ToolMessage(callID, toolName, content string) *Message {
	return &Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}
