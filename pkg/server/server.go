// Package server exposes the orchestrator over HTTP: a JSON query endpoint,
// an SSE streaming endpoint, ingestion, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/dedup"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/orchestrator"
	"github.com/adiwidjaja/nalar/pkg/retriever"
	"github.com/adiwidjaja/nalar/pkg/stream"
)

const maxRequestBody = 1 << 20 // 1 MiB

type Server struct {
	orch     *orchestrator.Orchestrator
	ingester *retriever.Ingester
	filter   *dedup.Filter
	health   *observability.HealthRegistry
	cfg      config.ServerConfig

	maxEventErrors int
	httpServer     *http.Server
}

func New(
	orch *orchestrator.Orchestrator,
	ingester *retriever.Ingester,
	filter *dedup.Filter,
	health *observability.HealthRegistry,
	cfg *config.Config,
) *Server {
	return &Server{
		orch:           orch,
		ingester:       ingester,
		filter:         filter,
		health:         health,
		cfg:            cfg.Server,
		maxEventErrors: cfg.Stream.MaxEventErrors,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/query", s.handleQuery)
	r.Post("/stream", s.handleStream)
	r.Post("/ingest/items", s.handleIngest)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start blocks serving HTTP until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// No WriteTimeout: SSE connections outlive any fixed deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.orch.Query(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emitter := stream.NewEmitter(r.Context(), w, s.maxEventErrors)
	if err := s.orch.StreamQuery(r.Context(), req, emitter); err != nil {
		// The error event already went out; nothing more to send.
		slog.Debug("Stream query ended with error", "error", err)
	}
}

// IngestRequest submits a batch to one collection. Items flagged for dedup go
// through the duplicate filter first; duplicates are reported, not ingested.
type IngestRequest struct {
	Collection string            `json:"collection"`
	Sparse     bool              `json:"sparse"`
	Dedup      bool              `json:"dedup"`
	Items      []*retriever.Item `json:"items"`
}

type IngestResponse struct {
	Ingested   int                       `json:"ingested"`
	Duplicates map[string]*dedup.Verdict `json:"duplicates,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one item is required")
		return
	}

	resp := &IngestResponse{}
	items := req.Items

	if req.Dedup && s.filter != nil {
		resp.Duplicates = make(map[string]*dedup.Verdict)
		fresh := items[:0:0]
		for _, item := range items {
			cand := &dedup.Candidate{ID: item.ID, Title: item.Title, Body: item.Body}
			verdict, err := s.filter.Check(r.Context(), cand)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "duplicate check failed: "+err.Error())
				return
			}
			if verdict.Duplicate {
				resp.Duplicates[item.ID] = verdict
				continue
			}
			if err := s.filter.Record(r.Context(), cand, verdict); err != nil {
				slog.Warn("Failed to record item in dedup window", "id", item.ID, "error", err)
			}
			fresh = append(fresh, item)
		}
		items = fresh
	}

	count, err := s.ingester.Ingest(r.Context(), req.Collection, items, req.Sparse)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingestion failed: "+err.Error())
		return
	}
	resp.Ingested = count
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.health.Overall()
	status := http.StatusOK
	if overall == observability.StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": s.health.Snapshot(),
	})
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (*orchestrator.QueryRequest, bool) {
	req := &orchestrator.QueryRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
