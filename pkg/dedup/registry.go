package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry is one published item in the rolling window.
type Entry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Tokens      []string  `json:"tokens"`
	Embedding   []float32 `json:"embedding,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// registry is the persisted rolling window, newest last. Not safe for
// concurrent use; the Filter serializes access.
type registry struct {
	path    string
	maxSize int
	entries []*Entry
}

func loadRegistry(path string, maxSize int) (*registry, error) {
	r := &registry{path: path, maxSize: maxSize}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &r.entries); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}
	if len(r.entries) > maxSize {
		r.entries = r.entries[len(r.entries)-maxSize:]
	}
	return r, nil
}

// add appends an entry and returns whatever fell out of the window.
func (r *registry) add(e *Entry) []*Entry {
	r.entries = append(r.entries, e)
	if len(r.entries) <= r.maxSize {
		return nil
	}
	evicted := r.entries[:len(r.entries)-r.maxSize]
	r.entries = r.entries[len(r.entries)-r.maxSize:]
	return evicted
}

// recent returns up to n newest entries, newest first.
func (r *registry) recent(n int) []*Entry {
	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]*Entry, 0, n)
	for i := len(r.entries) - 1; i >= len(r.entries)-n; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

func (r *registry) size() int {
	return len(r.entries)
}

// save writes the window atomically: temp file then rename, so a crash mid
// write never corrupts the registry.
func (r *registry) save() error {
	raw, err := json.Marshal(r.entries)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), r.path)
}
