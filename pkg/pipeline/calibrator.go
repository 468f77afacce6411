package pipeline

import (
	"fmt"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
)

// Calibrator is the review phase. It is fully deterministic: operator
// corrections rewrite the research artifact in place, insights are selected
// for the query and verified services are matched. Authority comes from the
// operator-maintained catalog, never from another generation, so nothing here
// spends a model call.
type Calibrator struct {
	catalog  *CorrectionsCatalog
	services []config.ServiceDescriptor
}

// CalibrationResult records what the review found. Corrections carry severity
// and source so the client can see what was overridden and on whose word.
type CalibrationResult struct {
	Corrections []AppliedCorrection        `json:"corrections,omitempty"`
	Insights    []Insight                  `json:"insights,omitempty"`
	Services    []config.ServiceDescriptor `json:"services,omitempty"`
}

func NewCalibrator(catalog *CorrectionsCatalog, services []config.ServiceDescriptor) *Calibrator {
	return &Calibrator{catalog: catalog, services: services}
}

// Calibrate rewrites every artifact section with the matching corrections, so
// a corrected claim never reaches the synthesis prompt in its original form.
// When the run produced no artifact the raw answer text is corrected instead.
func (c *Calibrator) Calibrate(state *reasoning.State) *CalibrationResult {
	result := &CalibrationResult{Insights: c.catalog.InsightsFor(state.Query)}

	seen := make(map[string]struct{})
	record := func(fired []AppliedCorrection) {
		for _, f := range fired {
			key := f.ID + "\x00" + f.Text
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			result.Corrections = append(result.Corrections, f)
		}
	}

	if !state.Artifact.IsEmpty() {
		for _, section := range state.Artifact.Sections() {
			for i, entry := range section {
				corrected, fired := c.catalog.Apply(entry)
				section[i] = corrected
				record(fired)
			}
		}
	} else if state.Answer != "" {
		corrected, fired := c.catalog.Apply(state.Answer)
		state.Answer = corrected
		record(fired)
	}

	result.Services = c.matchServices(state)
	return result
}

// matchServices selects catalog services whose topic or name appears in the
// query or the artifact, so verified prices and timelines ride along only
// when relevant.
func (c *Calibrator) matchServices(state *reasoning.State) []config.ServiceDescriptor {
	haystack := strings.ToLower(state.Query)
	for _, section := range state.Artifact.Sections() {
		for _, entry := range section {
			haystack += "\n" + strings.ToLower(entry)
		}
	}

	var matched []config.ServiceDescriptor
	for _, s := range c.services {
		topic := strings.ToLower(s.Topic)
		name := strings.ToLower(s.Name)
		if (topic != "" && strings.Contains(haystack, topic)) ||
			(name != "" && strings.Contains(haystack, name)) {
			matched = append(matched, s)
		}
	}
	return matched
}

func formatRange(min, max float64) string {
	if min == max || max == 0 {
		return fmt.Sprintf("%.0f", min)
	}
	return fmt.Sprintf("%.0f-%.0f", min, max)
}
