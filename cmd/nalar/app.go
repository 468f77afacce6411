package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/databases"
	"github.com/adiwidjaja/nalar/pkg/dedup"
	"github.com/adiwidjaja/nalar/pkg/embedders"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/intent"
	"github.com/adiwidjaja/nalar/pkg/knowledge"
	"github.com/adiwidjaja/nalar/pkg/llms"
	"github.com/adiwidjaja/nalar/pkg/memory"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/orchestrator"
	"github.com/adiwidjaja/nalar/pkg/pipeline"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
	"github.com/adiwidjaja/nalar/pkg/retriever"
	"github.com/adiwidjaja/nalar/pkg/server"
	"github.com/adiwidjaja/nalar/pkg/session"
	"github.com/adiwidjaja/nalar/pkg/tools"
)

// app holds every long-lived component so Close can tear them down in order.
type app struct {
	server   *server.Server
	db       *sql.DB
	vectors  databases.Provider
	embedder embedders.Embedder
	sessions *session.Store
}

// buildApp wires the whole process from configuration.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	metrics, err := observability.InitMetrics(ctx, cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)
	health := observability.NewHealthRegistry()

	providers := llms.NewRegistry()
	for name, llmCfg := range cfg.LLMs {
		if _, err := providers.CreateFromConfig(name, llmCfg); err != nil {
			return nil, fmt.Errorf("failed to create llm %q: %w", name, err)
		}
	}
	gw, err := gateway.New(providers, &cfg.Gateway, cfg.LLMs)
	if err != nil {
		return nil, fmt.Errorf("failed to create model gateway: %w", err)
	}
	health.Set("gateway", observability.StatusHealthy)

	embedder, err := embedders.NewEmbedderFromConfig(&cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	vectors, err := databases.NewProviderFromConfig(&cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vector store: %w", err)
	}

	search := retriever.New(vectors, embedder, cfg.Collections, cfg.Retriever)
	if err := search.EnsureCollections(ctx); err != nil {
		vectors.Close()
		return nil, err
	}
	health.Set("vector_store", observability.StatusHealthy)
	ingester := retriever.NewIngester(vectors, embedder)

	db, err := memory.OpenDatabase(&cfg.Memory.SQL)
	if err != nil {
		vectors.Close()
		return nil, err
	}
	factStore, err := memory.NewSQLStore(db, cfg.Memory.SQL.Driver, &cfg.Memory)
	if err != nil {
		db.Close()
		vectors.Close()
		return nil, err
	}
	memories := memory.NewService(factStore, memory.NewExtractor(gw, cfg.Memory.ExtractorTier))
	health.Set("memory", factStore.Health(ctx))

	sessions, err := session.NewStore(db, cfg.Memory.SQL.Driver, cfg.Session)
	if err != nil {
		db.Close()
		vectors.Close()
		return nil, err
	}

	toolRegistry := tools.NewRegistry(cfg.Reasoning.ToolTimeout())
	if err := registerTools(toolRegistry, search, cfg); err != nil {
		db.Close()
		vectors.Close()
		return nil, err
	}

	catalog, err := pipeline.LoadCorrections(cfg.Pipeline.CorrectionsPath)
	if err != nil {
		db.Close()
		vectors.Close()
		return nil, fmt.Errorf("failed to load corrections: %w", err)
	}
	if cfg.Pipeline.WatchCorrections && cfg.Pipeline.CorrectionsPath != "" {
		go func() {
			if err := catalog.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Corrections watch stopped", "error", err)
			}
		}()
	}

	pipe := pipeline.New(
		pipeline.NewCalibrator(catalog, cfg.Services),
		pipeline.NewSynthesizer(gw, cfg.Pipeline),
		cfg.Pipeline,
	)

	engine := reasoning.NewEngine(gw, toolRegistry, cfg.Reasoning)
	classifier := intent.NewClassifier()
	orch := orchestrator.New(gw, classifier, engine, pipe, memories, sessions, cfg)

	filter, err := dedup.NewFilter(cfg.Dedup, embedder)
	if err != nil {
		db.Close()
		vectors.Close()
		return nil, fmt.Errorf("failed to create duplicate filter: %w", err)
	}

	return &app{
		server:   server.New(orch, ingester, filter, health, cfg),
		db:       db,
		vectors:  vectors,
		embedder: embedder,
		sessions: sessions,
	}, nil
}

// registerTools wires the built-in tool set. The search tool's tier ceiling is
// the highest configured collection tier; access narrowing happens per query.
func registerTools(reg *tools.Registry, search *retriever.Retriever, cfg *config.Config) error {
	maxTier := 0
	for _, c := range cfg.Collections {
		if c.RequiredTier > maxTier {
			maxTier = c.RequiredTier
		}
	}

	toolSet := []tools.Tool{
		tools.NewSearchTool(search, maxTier),
		tools.NewCalculatorTool(),
		tools.NewPricingTool(cfg.Services),
	}

	if cfg.Knowledge.GraphPath != "" {
		graph, err := knowledge.LoadGraph(cfg.Knowledge.GraphPath)
		if err != nil {
			return fmt.Errorf("failed to load knowledge graph: %w", err)
		}
		toolSet = append(toolSet, tools.NewGraphTool(graph))
		entities, edges := graph.Size()
		slog.Info("Knowledge graph loaded", "entities", entities, "edges", edges)
	}

	for _, tool := range toolSet {
		if err := reg.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	a.sessions.Close()
	if err := a.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
	if err := a.vectors.Close(); err != nil {
		slog.Warn("Failed to close vector store", "error", err)
	}
	if err := a.embedder.Close(); err != nil {
		slog.Warn("Failed to close embedder", "error", err)
	}
}
