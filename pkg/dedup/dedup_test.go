package dedup

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwidjaja/nalar/pkg/config"
)

// vectorEmbedder returns a fixed vector per exact text, so tests control
// semantic similarity precisely.
type vectorEmbedder struct {
	vectors map[string][]float32
	base    []float32
	calls   int
}

func (v *vectorEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v.calls++
	if vec, ok := v.vectors[text]; ok {
		return vec, nil
	}
	if v.base != nil {
		return v.base, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (v *vectorEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := v.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (v *vectorEmbedder) Dimension() int    { return 3 }
func (v *vectorEmbedder) ModelName() string { return "fake" }
func (v *vectorEmbedder) Close() error      { return nil }

func testConfig(t *testing.T) config.DedupConfig {
	t.Helper()
	cfg := config.DedupConfig{}
	cfg.SetDefaults()
	cfg.RegistryPath = filepath.Join(t.TempDir(), "published.json")
	return cfg
}

func TestKeywordLayerCatchesNearIdenticalText(t *testing.T) {
	cfg := testConfig(t)
	f, err := NewFilter(cfg, &vectorEmbedder{base: []float32{1, 0, 0}})
	require.NoError(t, err)

	first := &Candidate{ID: "a", Title: "New KITAS regulation announced", Body: "Immigration office updates investor KITAS fees for 2026"}
	verdict, err := f.Check(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, verdict.Duplicate)
	require.NoError(t, f.Record(context.Background(), first, verdict))

	second := &Candidate{ID: "b", Title: "New KITAS regulation announced today", Body: "Immigration office updates investor KITAS fees for 2026"}
	verdict, err = f.Check(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "keyword", verdict.Layer)
	assert.Equal(t, "a", verdict.MatchID)
	assert.GreaterOrEqual(t, verdict.Score, cfg.KeywordThreshold)
}

func TestSemanticLayerCatchesParaphrase(t *testing.T) {
	cfg := testConfig(t)

	emb := &vectorEmbedder{vectors: map[string][]float32{
		"Visa fee increase\nKITAS prices are going up next month":        {1, 0, 0},
		"Permit costs rising\nStay permit charges will increase in March": {0.99, 0.1, 0},
	}}
	f, err := NewFilter(cfg, emb)
	require.NoError(t, err)

	first := &Candidate{ID: "a", Title: "Visa fee increase", Body: "KITAS prices are going up next month"}
	verdict, err := f.Check(context.Background(), first)
	require.NoError(t, err)
	require.False(t, verdict.Duplicate)
	require.NoError(t, f.Record(context.Background(), first, verdict))

	// different words, same meaning, near-identical vector
	second := &Candidate{ID: "b", Title: "Permit costs rising", Body: "Stay permit charges will increase in March"}
	verdict, err = f.Check(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "semantic", verdict.Layer)
	assert.Equal(t, "a", verdict.MatchID)
}

func TestDistinctContentPasses(t *testing.T) {
	cfg := testConfig(t)

	emb := &vectorEmbedder{vectors: map[string][]float32{
		"Tax deadline\nAnnual SPT filing closes March 31":    {1, 0, 0},
		"Beach reopening\nKuta beach open after cleanup work": {0, 1, 0},
	}}
	f, err := NewFilter(cfg, emb)
	require.NoError(t, err)

	first := &Candidate{ID: "a", Title: "Tax deadline", Body: "Annual SPT filing closes March 31"}
	verdict, err := f.Check(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, f.Record(context.Background(), first, verdict))

	second := &Candidate{ID: "b", Title: "Beach reopening", Body: "Kuta beach open after cleanup work"}
	verdict, err = f.Check(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, verdict.Duplicate)
}

func TestWindowEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.WindowSize = 3

	f, err := NewFilter(cfg, &vectorEmbedder{base: []float32{1, 0, 0}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		cand := &Candidate{ID: fmt.Sprintf("item-%d", i), Title: fmt.Sprintf("title %d", i), Body: fmt.Sprintf("unique body number %d", i)}
		require.NoError(t, f.Record(context.Background(), cand, nil))
	}

	assert.Equal(t, 3, f.Size())
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	emb := &vectorEmbedder{base: []float32{1, 0, 0}}

	f, err := NewFilter(cfg, emb)
	require.NoError(t, err)

	first := &Candidate{ID: "a", Title: "New immigration office hours", Body: "The Denpasar office now opens at seven"}
	require.NoError(t, f.Record(context.Background(), first, nil))

	// new filter instance reading the same registry file
	reloaded, err := NewFilter(cfg, emb)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Size())

	verdict, err := reloaded.Check(context.Background(), &Candidate{
		ID: "b", Title: "New immigration office hours", Body: "The Denpasar office now opens at seven",
	})
	require.NoError(t, err)
	assert.True(t, verdict.Duplicate)
}

func TestEmbeddingFailureDegradesToKeywordOnly(t *testing.T) {
	cfg := testConfig(t)

	// embedder with no vectors errors on every call
	f, err := NewFilter(cfg, &vectorEmbedder{})
	require.NoError(t, err)

	verdict, err := f.Check(context.Background(), &Candidate{ID: "a", Title: "Some title", Body: "Some body text here"})
	require.NoError(t, err)
	assert.False(t, verdict.Duplicate)
}

func TestKeywordLayerIgnoresStopWordsAndFiresWithoutEmbedding(t *testing.T) {
	cfg := testConfig(t)
	emb := &vectorEmbedder{base: []float32{1, 0, 0}}
	f, err := NewFilter(cfg, emb)
	require.NoError(t, err)

	first := &Candidate{ID: "a", Title: "Indonesian Digital Nomad Visa Extended to Five Years", Body: "Immigration update"}
	require.NoError(t, f.Record(context.Background(), first, nil))
	emb.calls = 0

	// same story reworded around function words
	second := &Candidate{ID: "b", Title: "Indonesia Extends Digital Nomad Visa to 5 Years", Body: "Another wire pickup"}
	verdict, err := f.Check(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "keyword", verdict.Layer)
	assert.Equal(t, "a", verdict.MatchID)
	assert.Zero(t, emb.calls, "keyword-layer duplicates must not pay for an embedding")
}

func TestKeywordOverlap(t *testing.T) {
	a := dedupTokens("new kitas regulation announced")
	b := dedupTokens("new kitas regulation announced")
	assert.InDelta(t, 1.0, keywordOverlap(a, b), 1e-9)

	c := dedupTokens("completely different words entirely")
	assert.InDelta(t, 0.0, keywordOverlap(a, c), 1e-9)

	// shorter set is the denominator
	d := dedupTokens("new kitas regulation")
	assert.InDelta(t, 1.0, keywordOverlap(a, d), 1e-9)

	assert.Zero(t, keywordOverlap(nil, a))
	assert.Zero(t, keywordOverlap(a, nil))
}

func TestKeywordThresholdIsExclusive(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeywordThreshold = 1.0
	f, err := NewFilter(cfg, &vectorEmbedder{base: []float32{1, 0, 0}})
	require.NoError(t, err)

	first := &Candidate{ID: "a", Title: "New KITAS regulation announced"}
	require.NoError(t, f.Record(context.Background(), first, nil))

	// exactly at the threshold never fires
	verdict, err := f.Check(context.Background(), &Candidate{ID: "b", Title: "New KITAS regulation announced"})
	require.NoError(t, err)
	assert.NotEqual(t, "keyword", verdict.Layer)
}
