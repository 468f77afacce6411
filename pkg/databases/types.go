// Package databases abstracts the vector store backend.
package databases

import (
	"context"
	"errors"
	"time"
)

// ErrSparseUnavailable signals that a collection has no usable sparse index.
// Callers degrade to dense-only; they never fail the whole search.
var ErrSparseUnavailable = errors.New("sparse index unavailable")

// SparseVector is a sorted list of (index, weight) pairs.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

func (v SparseVector) IsZero() bool {
	return len(v.Indices) == 0
}

// Document is one ingested item. Immutable once committed; re-ingestion
// replaces by id.
type Document struct {
	ID          string       `json:"id"`
	Collection  string       `json:"collection"`
	Tier        int          `json:"tier"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	SourceURL   string       `json:"source_url"`
	PublishedAt time.Time    `json:"published_at"`
	Dense       []float32    `json:"dense"`
	Sparse      SparseVector `json:"sparse"`
}

// SearchResult is one scored hit from a single ranker.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// CollectionSpec describes the vector configuration of one collection.
type CollectionSpec struct {
	Name     string
	DenseDim uint64
	Distance string // cosine, dot, euclid
	Sparse   bool
}

// Provider is the vector store. SearchDense and SearchSparse return
// independently ranked lists; rank fusion happens in the retriever.
// maxTier is a hard query-time filter, never applied post-hoc.
type Provider interface {
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	Upsert(ctx context.Context, collection string, docs []*Document) error

	SearchDense(ctx context.Context, collection string, vector []float32, limit int, maxTier int) ([]SearchResult, error)

	SearchSparse(ctx context.Context, collection string, vector SparseVector, limit int, maxTier int) ([]SearchResult, error)

	Delete(ctx context.Context, collection string, ids []string) error

	Close() error
}
