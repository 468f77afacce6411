// Package reasoning runs the tool-calling loop that gathers evidence for a
// query before the answer pipeline takes over.
package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/protocol"
)

// Observation is one completed tool execution inside a run.
type Observation struct {
	Step    int                    `json:"step"`
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Content string                 `json:"content"`
	Success bool                   `json:"success"`
}

// Artifact is the structured output of a reasoning run: not a user-facing
// answer but the raw material the answer pipeline works from.
type Artifact struct {
	KeyPoints         []string `json:"key_points"`
	Warnings          []string `json:"warnings,omitempty"`
	CostEstimates     []string `json:"cost_estimates,omitempty"`
	TimelineEstimates []string `json:"timeline_estimates,omitempty"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

// IsEmpty reports whether the artifact carries no content at all.
func (a *Artifact) IsEmpty() bool {
	return a == nil || len(a.KeyPoints)+len(a.Warnings)+len(a.CostEstimates)+
		len(a.TimelineEstimates)+len(a.Suggestions) == 0
}

// Sections yields the artifact's text fields for pattern scanning. The
// returned slices alias the artifact; rewriting an element rewrites the
// artifact.
func (a *Artifact) Sections() [][]string {
	if a == nil {
		return nil
	}
	return [][]string{a.KeyPoints, a.Warnings, a.CostEstimates, a.TimelineEstimates, a.Suggestions}
}

// ParseArtifact reads the model's final reply into an artifact. The prompt
// asks for JSON; a reply that is not parseable JSON degrades to a single
// key point holding the whole text, so a chatty model never loses an answer.
func ParseArtifact(text string) *Artifact {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Artifact{}
	}

	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			a := &Artifact{}
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), a); err == nil && !a.IsEmpty() {
				return a
			}
		}
	}
	return &Artifact{KeyPoints: []string{trimmed}}
}

// State is the full serializable record of one reasoning run. The pipeline
// consumes it downstream; it must round-trip through JSON losslessly.
type State struct {
	Query       string              `json:"query"`
	Intent      string              `json:"intent"`
	Tier        string              `json:"tier"`
	UserTier    int                 `json:"user_tier,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
	UserContext string              `json:"user_context,omitempty"`
	History     []*protocol.Message `json:"history,omitempty"`

	Steps        int            `json:"steps"`
	Observations []Observation  `json:"observations,omitempty"`
	Answer       string         `json:"answer"`
	Artifact     *Artifact      `json:"artifact,omitempty"`
	ModelUsed    string         `json:"model_used,omitempty"`
	Usage        protocol.Usage `json:"usage"`
	EarlyExit    bool           `json:"early_exit,omitempty"`
}

func NewState(query, intentLabel, tier string) *State {
	return &State{
		Query:  query,
		Intent: intentLabel,
		Tier:   tier,
	}
}

// Serialize renders the state as JSON.
func (s *State) Serialize() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize reasoning state: %w", err)
	}
	return raw, nil
}

// DeserializeState restores a state from JSON.
func DeserializeState(raw []byte) (*State, error) {
	s := &State{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to deserialize reasoning state: %w", err)
	}
	return s, nil
}

// ToolsUsed lists the distinct tools invoked during the run, in first-use
// order.
func (s *State) ToolsUsed() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, obs := range s.Observations {
		if _, ok := seen[obs.Tool]; ok {
			continue
		}
		seen[obs.Tool] = struct{}{}
		out = append(out, obs.Tool)
	}
	return out
}
