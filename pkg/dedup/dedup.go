// Package dedup filters near-duplicate content before publication with two
// layers: fast keyword overlap against recent items, then semantic nearest
// neighbor over embeddings. An item passes only when both layers clear it.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/philippgille/chromem-go"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/embedders"
	"github.com/adiwidjaja/nalar/pkg/observability"
)

const (
	layerKeyword  = "keyword"
	layerSemantic = "semantic"

	chromemCollection = "published"
)

// Candidate is an item being considered for publication.
type Candidate struct {
	ID    string
	Title string
	Body  string
}

// Verdict is the outcome of a duplicate check. The computed embedding rides
// along so Record does not embed twice.
type Verdict struct {
	Duplicate bool    `json:"duplicate"`
	Layer     string  `json:"layer,omitempty"`
	MatchID   string  `json:"match_id,omitempty"`
	Score     float64 `json:"score,omitempty"`

	embedding []float32
}

// Filter is the two-layer duplicate filter over a persisted rolling window.
type Filter struct {
	mu       sync.Mutex
	cfg      config.DedupConfig
	embedder embedders.Embedder
	reg      *registry
	index    *chromem.Collection
}

func NewFilter(cfg config.DedupConfig, embedder embedders.Embedder) (*Filter, error) {
	reg, err := loadRegistry(cfg.RegistryPath, cfg.WindowSize)
	if err != nil {
		return nil, err
	}

	db := chromem.NewDB()
	index, err := db.GetOrCreateCollection(chromemCollection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embeddings must be pre-computed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup index: %w", err)
	}

	f := &Filter{cfg: cfg, embedder: embedder, reg: reg, index: index}

	// Rebuild the in-memory index from the persisted window.
	var docs []chromem.Document
	for _, e := range reg.entries {
		if len(e.Embedding) == 0 {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        e.ID,
			Content:   e.Title,
			Embedding: e.Embedding,
		})
	}
	if len(docs) > 0 {
		if err := index.AddDocuments(context.Background(), docs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("failed to rebuild dedup index: %w", err)
		}
	}

	return f, nil
}

// Size returns the current window occupancy.
func (f *Filter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reg.size()
}

// Check runs both layers. The keyword layer runs first because it is cheap;
// only a keyword-clean item pays for an embedding.
func (f *Filter) Check(ctx context.Context, cand *Candidate) (*Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	metrics := observability.GetGlobalMetrics()

	tokens := dedupTokens(cand.Title)
	for _, e := range f.reg.recent(f.cfg.KeywordRecent) {
		sim := keywordOverlap(tokens, e.Tokens)
		if sim > f.cfg.KeywordThreshold {
			metrics.RecordDedupCheck(ctx, true, layerKeyword)
			return &Verdict{Duplicate: true, Layer: layerKeyword, MatchID: e.ID, Score: sim}, nil
		}
	}

	embedding, err := f.embedder.Embed(ctx, cand.Title+"\n"+cand.Body)
	if err != nil {
		// Semantic layer unavailable; keyword-clean is the best we know.
		slog.Warn("Dedup embedding failed, semantic layer skipped", "error", err)
		observability.GetGlobalMetrics().RecordDegradedMode(ctx, "dedup_semantic")
		metrics.RecordDedupCheck(ctx, false, layerKeyword)
		return &Verdict{Duplicate: false}, nil
	}

	verdict, err := f.semanticCheck(ctx, embedding)
	if err != nil {
		return nil, err
	}
	verdict.embedding = embedding

	metrics.RecordDedupCheck(ctx, verdict.Duplicate, verdict.Layer)
	return verdict, nil
}

func (f *Filter) semanticCheck(ctx context.Context, embedding []float32) (*Verdict, error) {
	eligible := make(map[string]struct{})
	cutoff := time.Now().AddDate(0, 0, -f.cfg.SemanticMaxDays)
	for _, e := range f.reg.recent(f.cfg.SemanticRecent) {
		if e.PublishedAt.Before(cutoff) || len(e.Embedding) == 0 {
			continue
		}
		eligible[e.ID] = struct{}{}
	}
	if len(eligible) == 0 {
		return &Verdict{Duplicate: false}, nil
	}

	n := f.index.Count()
	if n > len(eligible) {
		n = len(eligible)
	}
	results, err := f.index.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic dedup query failed: %w", err)
	}

	for _, r := range results {
		if _, ok := eligible[r.ID]; !ok {
			continue
		}
		if float64(r.Similarity) >= f.cfg.CosineThreshold {
			return &Verdict{
				Duplicate: true,
				Layer:     layerSemantic,
				MatchID:   r.ID,
				Score:     float64(r.Similarity),
			}, nil
		}
	}
	return &Verdict{Duplicate: false}, nil
}

// Record adds a published item to the window and persists it. Pass the
// verdict from Check to reuse its embedding; a nil verdict re-embeds.
func (f *Filter) Record(ctx context.Context, cand *Candidate, verdict *Verdict) error {
	var embedding []float32
	if verdict != nil {
		embedding = verdict.embedding
	}
	if embedding == nil {
		var err error
		embedding, err = f.embedder.Embed(ctx, cand.Title+"\n"+cand.Body)
		if err != nil {
			slog.Warn("Dedup record embedding failed, entry recorded without semantic index", "error", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entry := &Entry{
		ID:          cand.ID,
		Title:       cand.Title,
		Tokens:      dedupTokens(cand.Title),
		Embedding:   embedding,
		PublishedAt: time.Now().UTC(),
	}

	evicted := f.reg.add(entry)
	for _, e := range evicted {
		if len(e.Embedding) > 0 {
			if err := f.index.Delete(ctx, nil, nil, e.ID); err != nil {
				slog.Warn("Failed to evict entry from dedup index", "id", e.ID, "error", err)
			}
		}
	}

	if len(embedding) > 0 {
		doc := chromem.Document{ID: cand.ID, Content: cand.Title, Embedding: embedding}
		if err := f.index.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
			return fmt.Errorf("failed to index published item: %w", err)
		}
	}

	if err := f.reg.save(); err != nil {
		return fmt.Errorf("failed to persist dedup registry: %w", err)
	}
	return nil
}

// dedupTokens produces the sorted unique token set of a title with stop words
// removed, the unit the keyword layer compares.
func dedupTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 || embedders.IsStopword(f) {
			continue
		}
		set[f] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// keywordOverlap scores two sorted unique token sets by shared tokens over
// the smaller set. Dividing by the smaller set rather than the union keeps a
// short title from slipping past a longer near-duplicate.
func keywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var intersection int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			intersection++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}

	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(intersection) / float64(smaller)
}
