package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/databases"
	"github.com/adiwidjaja/nalar/pkg/dedup"
	"github.com/adiwidjaja/nalar/pkg/intent"
	"github.com/adiwidjaja/nalar/pkg/memory"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/orchestrator"
	"github.com/adiwidjaja/nalar/pkg/pipeline"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
	"github.com/adiwidjaja/nalar/pkg/retriever"
	"github.com/adiwidjaja/nalar/pkg/session"
	"github.com/adiwidjaja/nalar/pkg/testutils"
	"github.com/adiwidjaja/nalar/pkg/tools"
)

type fakeProvider struct {
	upserts map[string]int
}

func (p *fakeProvider) EnsureCollection(ctx context.Context, spec databases.CollectionSpec) error {
	return nil
}

func (p *fakeProvider) Upsert(ctx context.Context, collection string, docs []*databases.Document) error {
	if p.upserts == nil {
		p.upserts = make(map[string]int)
	}
	p.upserts[collection] += len(docs)
	return nil
}

func (p *fakeProvider) SearchDense(ctx context.Context, collection string, vector []float32, limit, maxTier int) ([]databases.SearchResult, error) {
	return nil, nil
}

func (p *fakeProvider) SearchSparse(ctx context.Context, collection string, vector databases.SparseVector, limit, maxTier int) ([]databases.SearchResult, error) {
	return nil, databases.ErrSparseUnavailable
}

func (p *fakeProvider) Delete(ctx context.Context, collection string, ids []string) error {
	return nil
}

func (p *fakeProvider) Close() error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fakeEmbedder) Dimension() int    { return 3 }
func (fakeEmbedder) ModelName() string { return "fake" }
func (fakeEmbedder) Close() error      { return nil }

func newTestServer(t *testing.T, scripted *testutils.ScriptedProvider) (*Server, *fakeProvider) {
	t.Helper()

	gw, err := testutils.NewTestGateway(scripted)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.SetDefaults()

	memCfg := config.MemoryConfig{}
	memCfg.SetDefaults()
	store, err := memory.NewSQLStore(db, "sqlite", &memCfg)
	require.NoError(t, err)
	memories := memory.NewService(store, memory.NewExtractor(gw, "default"))

	sessions, err := session.NewStore(db, "sqlite", cfg.Session)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	engine := reasoning.NewEngine(gw, tools.NewRegistry(time.Second), cfg.Reasoning)
	catalog, err := pipeline.LoadCorrections("")
	require.NoError(t, err)
	pipe := pipeline.New(pipeline.NewCalibrator(catalog, nil), pipeline.NewSynthesizer(gw, cfg.Pipeline), cfg.Pipeline)
	orch := orchestrator.New(gw, intent.NewClassifier(), engine, pipe, memories, sessions, cfg)

	vectors := &fakeProvider{}
	ingester := retriever.NewIngester(vectors, fakeEmbedder{})

	dedupCfg := config.DedupConfig{RegistryPath: filepath.Join(t.TempDir(), "published.json")}
	dedupCfg.SetDefaults()
	filter, err := dedup.NewFilter(dedupCfg, fakeEmbedder{})
	require.NoError(t, err)

	health := observability.NewHealthRegistry()
	health.Set("gateway", observability.StatusHealthy)

	return New(orch, ingester, filter, health, cfg), vectors
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HEALTHY")
}

func TestHealthEndpointUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{})
	srv.health.Set("memory", observability.StatusUnavailable)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{
		Steps: []testutils.ScriptStep{testutils.TextStep("Halo!")},
	})

	rec := postJSON(t, srv.Router(), "/query", map[string]string{
		"query":      "hi",
		"session_id": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrator.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Halo!", resp.Answer.Text)
	assert.Equal(t, "s1", resp.SessionID)
}

func TestQueryEndpointRejectsEmptyQuery(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{})

	rec := postJSON(t, srv.Router(), "/query", map[string]string{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryEndpointRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{})

	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEndpointEmitsSSE(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{
		Steps: []testutils.ScriptStep{testutils.TextStep("Hello!")},
	})

	rec := postJSON(t, srv.Router(), "/stream", map[string]string{"query": "hello"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestIngestEndpoint(t *testing.T) {
	srv, vectors := newTestServer(t, &testutils.ScriptedProvider{})

	rec := postJSON(t, srv.Router(), "/ingest/items", IngestRequest{
		Collection: "immigration",
		Items: []*retriever.Item{
			{ID: "a", Title: "KITAS renewal", Body: "Renewal requires sponsor documents."},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Ingested)
	assert.Equal(t, 1, vectors.upserts["immigration"])
}

func TestIngestEndpointFiltersDuplicates(t *testing.T) {
	srv, vectors := newTestServer(t, &testutils.ScriptedProvider{})
	router := srv.Router()

	item := &retriever.Item{ID: "a", Title: "KITAS renewal fees", Body: "The renewal fee schedule changed in 2026."}
	rec := postJSON(t, router, "/ingest/items", IngestRequest{
		Collection: "immigration",
		Dedup:      true,
		Items:      []*retriever.Item{item},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Same content again under a new id trips the keyword layer.
	dup := &retriever.Item{ID: "b", Title: item.Title, Body: item.Body}
	rec = postJSON(t, router, "/ingest/items", IngestRequest{
		Collection: "immigration",
		Dedup:      true,
		Items:      []*retriever.Item{dup},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Ingested)
	require.Contains(t, resp.Duplicates, "b")
	assert.True(t, resp.Duplicates["b"].Duplicate)
	assert.Equal(t, 1, vectors.upserts["immigration"])
}

func TestIngestEndpointValidates(t *testing.T) {
	srv, _ := newTestServer(t, &testutils.ScriptedProvider{})
	router := srv.Router()

	rec := postJSON(t, router, "/ingest/items", IngestRequest{Items: []*retriever.Item{{ID: "a", Body: "x"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/ingest/items", IngestRequest{Collection: "immigration"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
