package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Correction is one operator-maintained fix: wherever the pattern matches a
// draft, the replacement wins. Patterns are case-insensitive regexes.
type Correction struct {
	ID          string `yaml:"id,omitempty"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Note        string `yaml:"note,omitempty"`
	Severity    string `yaml:"severity,omitempty"` // critical, high, medium
	Source      string `yaml:"source,omitempty"`

	re *regexp.Regexp
}

// AppliedCorrection is the client-visible record of a correction that fired
// on a draft.
type AppliedCorrection struct {
	ID       string `json:"id,omitempty"`
	Severity string `json:"severity"`
	Text     string `json:"text"`
	Source   string `json:"source,omitempty"`
}

// Insight is a practical note attached to answers whose query touches its
// topic.
type Insight struct {
	Topic    string   `yaml:"topic" json:"topic"`
	Keywords []string `yaml:"keywords" json:"-"`
	Text     string   `yaml:"text" json:"text"`
	Source   string   `yaml:"source,omitempty" json:"source,omitempty"`
}

// CorrectionsCatalog holds the active correction set. Reloads swap the whole
// set atomically; a broken file keeps the previous set active.
type CorrectionsCatalog struct {
	mu          sync.RWMutex
	path        string
	corrections []Correction
	insights    []Insight
}

func LoadCorrections(path string) (*CorrectionsCatalog, error) {
	c := &CorrectionsCatalog{path: path}
	if path == "" {
		return c, nil
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CorrectionsCatalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.corrections = nil
		c.insights = nil
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read corrections file %s: %w", c.path, err)
	}

	var file struct {
		Corrections []Correction `yaml:"corrections"`
		Insights    []Insight    `yaml:"insights"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse corrections file %s: %w", c.path, err)
	}

	for i := range file.Corrections {
		re, err := regexp.Compile("(?i)" + file.Corrections[i].Pattern)
		if err != nil {
			return fmt.Errorf("invalid correction pattern %q: %w", file.Corrections[i].Pattern, err)
		}
		file.Corrections[i].re = re

		switch file.Corrections[i].Severity {
		case "":
			file.Corrections[i].Severity = "medium"
		case "critical", "high", "medium":
		default:
			return fmt.Errorf("invalid correction severity %q (want critical, high or medium)", file.Corrections[i].Severity)
		}
	}

	c.mu.Lock()
	c.corrections = file.Corrections
	c.insights = file.Insights
	c.mu.Unlock()

	slog.Info("Corrections catalog loaded", "path", c.path,
		"corrections", len(file.Corrections), "insights", len(file.Insights))
	return nil
}

// Size returns the number of active corrections.
func (c *CorrectionsCatalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.corrections)
}

// Apply rewrites a draft with every matching correction and returns records
// of the corrections that fired.
func (c *CorrectionsCatalog) Apply(text string) (string, []AppliedCorrection) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var applied []AppliedCorrection
	for _, corr := range c.corrections {
		if corr.re.MatchString(text) {
			text = corr.re.ReplaceAllString(text, corr.Replacement)
			note := corr.Note
			if note == "" {
				note = corr.Replacement
			}
			applied = append(applied, AppliedCorrection{
				ID:       corr.ID,
				Severity: corr.Severity,
				Text:     note,
				Source:   corr.Source,
			})
		}
	}
	return text, applied
}

// InsightsFor returns the insights whose topic keywords appear in the query.
func (c *CorrectionsCatalog) InsightsFor(query string) []Insight {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query = strings.ToLower(query)
	var matched []Insight
	for _, ins := range c.insights {
		for _, kw := range ins.Keywords {
			if strings.Contains(query, strings.ToLower(kw)) {
				matched = append(matched, ins)
				break
			}
		}
	}
	return matched
}

// Watch reloads the catalog whenever the file changes, until the context is
// cancelled. Reload failures are logged and the previous set stays active.
func (c *CorrectionsCatalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create corrections watcher: %w", err)
	}

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch corrections directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(c.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					slog.Warn("Corrections reload failed, keeping previous set", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Corrections watcher error", "error", err)
			}
		}
	}()

	return nil
}
