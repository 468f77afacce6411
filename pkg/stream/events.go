// Package stream defines the event protocol pushed to clients during a query
// and the SSE emitter that carries it.
package stream

import (
	"fmt"

	"github.com/adiwidjaja/nalar/pkg/protocol"
)

// Event types, in rough emission order.
const (
	EventStatus      = "status"
	EventThinking    = "thinking"
	EventToolCall    = "tool_call"
	EventObservation = "observation"
	EventCorrection  = "correction"
	EventToken       = "token"
	EventMetadata    = "metadata"
	EventError       = "error"
	EventDone        = "done"
)

// Statuses carried by status events.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// Event is the tagged union sent over the wire. Which fields are meaningful
// depends on Type; Validate enforces the contract before anything is sent.
type Event struct {
	Type string `json:"type"`

	// status, error, done
	Status        string `json:"status,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// thinking, token; also the correction text
	Text string `json:"text,omitempty"`

	// tool_call, observation
	ToolName string                 `json:"tool_name,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Length   int                    `json:"length,omitempty"`
	Preview  string                 `json:"preview,omitempty"`

	// correction
	Severity string `json:"severity,omitempty"`
	Source   string `json:"source,omitempty"`

	// metadata
	FollowupQuestions []string        `json:"followup_questions,omitempty"`
	Sources           []string        `json:"sources,omitempty"`
	TokenUsage        *protocol.Usage `json:"token_usage,omitempty"`
	ElapsedMS         int64           `json:"elapsed_ms,omitempty"`
	ModelUsed         string          `json:"model_used,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`

	// error
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// Validate checks the per-type field contract.
func (e *Event) Validate() error {
	switch e.Type {
	case EventStatus:
		if e.Status != StatusProcessing && e.Status != StatusCompleted {
			return fmt.Errorf("status event requires status %q or %q", StatusProcessing, StatusCompleted)
		}
		if e.CorrelationID == "" {
			return fmt.Errorf("status event requires a correlation id")
		}
	case EventThinking, EventToken:
		if e.Text == "" {
			return fmt.Errorf("%s event requires text", e.Type)
		}
	case EventToolCall:
		if e.ToolName == "" {
			return fmt.Errorf("tool_call event requires a tool name")
		}
	case EventObservation:
		if e.ToolName == "" {
			return fmt.Errorf("observation event requires a tool name")
		}
		if e.Length < 0 {
			return fmt.Errorf("observation event requires a non-negative length")
		}
	case EventCorrection:
		if e.Text == "" {
			return fmt.Errorf("correction event requires text")
		}
		if e.Severity != "critical" && e.Severity != "high" && e.Severity != "medium" {
			return fmt.Errorf("correction event has unknown severity %q", e.Severity)
		}
	case EventMetadata:
		// every field is optional
	case EventError:
		if e.Message == "" {
			return fmt.Errorf("error event requires a message")
		}
	case EventDone:
		if e.CorrelationID == "" {
			return fmt.Errorf("done event requires a correlation id")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

func StatusEvent(status, correlationID string) Event {
	return Event{Type: EventStatus, Status: status, CorrelationID: correlationID}
}

func ThinkingEvent(text string) Event {
	return Event{Type: EventThinking, Text: text}
}

func ToolCallEvent(toolName string, args map[string]interface{}) Event {
	return Event{Type: EventToolCall, ToolName: toolName, Args: args}
}

func ObservationEvent(toolName string, length int, preview string) Event {
	return Event{Type: EventObservation, ToolName: toolName, Length: length, Preview: preview}
}

func CorrectionEvent(severity, text, source string) Event {
	return Event{Type: EventCorrection, Severity: severity, Text: text, Source: source}
}

func TokenEvent(text string) Event {
	return Event{Type: EventToken, Text: text}
}

func MetadataEvent(followups, sources []string, usage protocol.Usage, modelUsed string, costUSD float64, elapsedMS int64) Event {
	return Event{
		Type:              EventMetadata,
		FollowupQuestions: followups,
		Sources:           sources,
		TokenUsage:        &usage,
		ModelUsed:         modelUsed,
		CostUSD:           costUSD,
		ElapsedMS:         elapsedMS,
	}
}

func ErrorEvent(errorType, message string, fatal bool, correlationID string) Event {
	return Event{Type: EventError, ErrorType: errorType, Message: message, Fatal: fatal, CorrelationID: correlationID}
}

func DoneEvent(correlationID string) Event {
	return Event{Type: EventDone, CorrelationID: correlationID}
}
