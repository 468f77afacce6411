// Package retriever implements hybrid search over the configured document
// collections: dense and sparse rankings fused per collection, federated
// across collections, with access tiers enforced at query time.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/databases"
	"github.com/adiwidjaja/nalar/pkg/embedders"
	"github.com/adiwidjaja/nalar/pkg/observability"
)

// Hit is one fused search result returned to callers.
type Hit struct {
	ID          string  `json:"id"`
	Collection  string  `json:"collection"`
	Score       float64 `json:"score"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	SourceURL   string  `json:"source_url"`
	Tier        int     `json:"tier"`
	PublishedAt string  `json:"published_at"`
}

// SearchOptions narrow a query. MaxTier is mandatory access control; a zero
// Collections list means all collections the tier permits.
type SearchOptions struct {
	MaxTier     int
	Collections []string
	TopK        int
}

// Retriever fans a query out across collections and fuses the rankings.
type Retriever struct {
	provider    databases.Provider
	embedder    embedders.Embedder
	sparse      *embedders.SparseEncoder
	collections []config.CollectionConfig
	cfg         config.RetrieverConfig
}

func New(provider databases.Provider, embedder embedders.Embedder, collections []config.CollectionConfig, cfg config.RetrieverConfig) *Retriever {
	return &Retriever{
		provider:    provider,
		embedder:    embedder,
		sparse:      embedders.NewSparseEncoder(),
		collections: collections,
		cfg:         cfg,
	}
}

// Collections returns the names of all configured collections.
func (r *Retriever) Collections() []string {
	names := make([]string, 0, len(r.collections))
	for _, c := range r.collections {
		names = append(names, c.Name)
	}
	return names
}

// EnsureCollections creates any missing collections at startup.
func (r *Retriever) EnsureCollections(ctx context.Context) error {
	for _, c := range r.collections {
		spec := databases.CollectionSpec{
			Name:     c.Name,
			DenseDim: uint64(c.DenseDim),
			Distance: c.Distance,
			Sparse:   c.Sparse,
		}
		if err := r.provider.EnsureCollection(ctx, spec); err != nil {
			return fmt.Errorf("failed to ensure collection %s: %w", c.Name, err)
		}
	}
	return nil
}

// Search runs the hybrid query. Collections whose required tier exceeds the
// caller's tier are excluded before any vector query is issued. A failing
// sparse leg degrades that collection to dense-only instead of failing the
// search; a failing collection is dropped from the federation with a warning
// unless every collection fails.
func (r *Retriever) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	targets := r.permittedCollections(opts)
	if len(targets) == 0 {
		return nil, nil
	}

	denseVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	sparseVec := r.sparse.Encode(query)

	metrics := observability.GetGlobalMetrics()

	var mu sync.Mutex
	var rankings [][]rankedHit
	var failed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, target := range targets {
		collection := target
		g.Go(func() error {
			start := time.Now()

			dense, err := r.provider.SearchDense(gctx, collection.Name, denseVec, r.cfg.PerCollectionLimit, opts.MaxTier)
			if err != nil {
				slog.Warn("Dense search failed, dropping collection from federation",
					"collection", collection.Name, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			var sparse []databases.SearchResult
			sparse, err = r.provider.SearchSparse(gctx, collection.Name, sparseVec, r.cfg.PerCollectionLimit, opts.MaxTier)
			if err != nil {
				if !errors.Is(err, databases.ErrSparseUnavailable) {
					slog.Warn("Sparse search failed, degrading to dense-only",
						"collection", collection.Name, "error", err)
				}
				metrics.RecordDegradedMode(gctx, "sparse_search")
				sparse = nil
			}

			ranking := make([]rankedHit, 0, len(dense)+len(sparse))
			for _, f := range fuseRRF(dense, sparse, r.cfg.FusionK) {
				ranking = append(ranking, rankedHit{
					hit:        toHit(collection.Name, f),
					denseScore: f.denseScore,
				})
			}

			metrics.RecordSearch(gctx, collection.Name, time.Since(start))

			mu.Lock()
			rankings = append(rankings, ranking)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failed == len(targets) {
		return nil, fmt.Errorf("search failed on all %d collections", failed)
	}

	// Federated merge runs a second round of rank fusion over the
	// per-collection positions. Fused scores never cross collection
	// boundaries, so collections with different score spreads compete on
	// rank alone.
	hits := federate(rankings, r.cfg.FusionK)

	topK := opts.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (r *Retriever) permittedCollections(opts SearchOptions) []config.CollectionConfig {
	requested := make(map[string]struct{}, len(opts.Collections))
	for _, name := range opts.Collections {
		requested[name] = struct{}{}
	}

	var targets []config.CollectionConfig
	for _, c := range r.collections {
		if c.RequiredTier > opts.MaxTier {
			continue
		}
		if len(requested) > 0 {
			if _, ok := requested[c.Name]; !ok {
				continue
			}
		}
		targets = append(targets, c)
	}
	return targets
}

func toHit(collection string, f fused) Hit {
	hit := Hit{
		ID:         f.result.ID,
		Collection: collection,
		Score:      f.score,
	}
	if v, ok := f.result.Payload["title"].(string); ok {
		hit.Title = v
	}
	if v, ok := f.result.Payload["body"].(string); ok {
		hit.Body = v
	}
	if v, ok := f.result.Payload["source_url"].(string); ok {
		hit.SourceURL = v
	}
	if v, ok := f.result.Payload["published_at"].(string); ok {
		hit.PublishedAt = v
	}
	if v, ok := f.result.Payload["tier"].(int64); ok {
		hit.Tier = int(v)
	}
	return hit
}
