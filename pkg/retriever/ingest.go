package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiwidjaja/nalar/pkg/databases"
	"github.com/adiwidjaja/nalar/pkg/embedders"
)

// Item is one document submitted for ingestion, before vectorization.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	SourceURL   string    `json:"source_url"`
	Tier        int       `json:"tier"`
	PublishedAt time.Time `json:"published_at"`
}

func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if i.Body == "" {
		return fmt.Errorf("item %s: body is required", i.ID)
	}
	return nil
}

// Ingester writes documents into collections. Writes to the same collection
// are serialized so a re-ingestion batch replaces ids atomically with respect
// to other writers; different collections ingest in parallel.
type Ingester struct {
	provider databases.Provider
	embedder embedders.Embedder
	sparse   *embedders.SparseEncoder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewIngester(provider databases.Provider, embedder embedders.Embedder) *Ingester {
	return &Ingester{
		provider: provider,
		embedder: embedder,
		sparse:   embedders.NewSparseEncoder(),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (ing *Ingester) collectionLock(collection string) *sync.Mutex {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	lock, ok := ing.locks[collection]
	if !ok {
		lock = &sync.Mutex{}
		ing.locks[collection] = lock
	}
	return lock
}

// Ingest vectorizes and upserts a batch into one collection. Existing ids are
// replaced wholesale; ingestion of the same batch twice is a no-op.
func (ing *Ingester) Ingest(ctx context.Context, collection string, items []*Item, sparse bool) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return 0, err
		}
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Title + "\n" + item.Body
	}
	denseVecs, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(denseVecs) != len(items) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d items", len(denseVecs), len(items))
	}

	docs := make([]*databases.Document, len(items))
	for i, item := range items {
		doc := &databases.Document{
			ID:          item.ID,
			Collection:  collection,
			Tier:        item.Tier,
			Title:       item.Title,
			Body:        item.Body,
			SourceURL:   item.SourceURL,
			PublishedAt: item.PublishedAt,
			Dense:       denseVecs[i],
		}
		if sparse {
			doc.Sparse = ing.sparse.Encode(texts[i])
		}
		docs[i] = doc
	}

	lock := ing.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()

	if err := ing.provider.Upsert(ctx, collection, docs); err != nil {
		return 0, err
	}

	slog.Info("Ingested batch", "collection", collection, "count", len(docs))
	return len(docs), nil
}

// Remove deletes documents by id.
func (ing *Ingester) Remove(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	lock := ing.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()

	return ing.provider.Delete(ctx, collection, ids)
}
