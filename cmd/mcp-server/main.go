// Command mcp-server runs the memmesh memory service: the engine, its
// Postgres-backed stores and the MCP remote surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/memmesh/memmesh/internal/api"
	"github.com/memmesh/memmesh/migrations"
	"github.com/memmesh/memmesh/pkg/config"
	"github.com/memmesh/memmesh/pkg/engine"
	"github.com/memmesh/memmesh/pkg/graphstore"
	"github.com/memmesh/memmesh/pkg/history"
	"github.com/memmesh/memmesh/pkg/llm"
	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
	"github.com/memmesh/memmesh/pkg/scope"
	"github.com/memmesh/memmesh/pkg/vectorstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewStandardLogger("memmesh")
	metrics := observability.NewPrometheusMetrics("memmesh")
	defer func() { _ = metrics.Close() }()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "memmesh",
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Run(db.DB, cfg.LLM.EmbedDimensions); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		logger.Info("migrations applied", map[string]interface{}{
			"dimensions": cfg.LLM.EmbedDimensions,
		})
	}

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		EmbedModel:      cfg.LLM.EmbedModel,
		ChatModel:       cfg.LLM.ChatModel,
		EmbedDimensions: cfg.LLM.EmbedDimensions,
	})

	var cache *llm.EmbeddingCache
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, embedding cache disabled", map[string]interface{}{
				"address": cfg.Redis.Address, "error": err.Error(),
			})
		} else {
			cache = llm.NewEmbeddingCache(client, cfg.LLM.EmbedModel, cfg.Redis.TTL, logger)
		}
	}

	gateway := llm.NewGateway(provider, cache, llm.GatewayConfig{
		MaxConcurrency: cfg.LLM.MaxConcurrency,
		MaxQueued:      cfg.LLM.MaxQueued,
		MaxAttempts:    cfg.LLM.MaxAttempts,
		RetryBudget:    cfg.LLM.RetryBudget,
	}, logger, metrics)

	vectors, err := vectorstore.NewPgVectorStore(db,
		vectorstore.Distance(cfg.Engine.VectorDistance), logger, metrics)
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}

	var graph graphstore.Store
	if cfg.Engine.GraphEnabled {
		graph, err = graphstore.NewPostgresGraph(db, logger, metrics)
		if err != nil {
			return fmt.Errorf("initializing graph store: %w", err)
		}
	}

	log, err := history.NewPostgresStore(db, logger, metrics)
	if err != nil {
		return fmt.Errorf("initializing history store: %w", err)
	}

	resolver, err := scope.NewResolver(models.Scope{})
	if err != nil {
		return fmt.Errorf("initializing scope resolver: %w", err)
	}

	eng := engine.New(resolver, gateway, vectors, graph, log, engine.Config{
		NeighborK:      cfg.Engine.NeighborK,
		GraphEnabled:   cfg.Engine.GraphEnabled,
		GraphQueryLLM:  cfg.Engine.GraphQueryLLM,
		AddTimeout:     cfg.Engine.AddTimeout,
		SearchTimeout:  cfg.Engine.SearchTimeout,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
	}, logger, metrics)

	server, err := api.NewServer(eng, api.Config{
		ListenAddress:      cfg.Server.ListenAddress,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		MaxSessions:        cfg.Session.MaxSessions,
		SessionIdleTimeout: cfg.Session.IdleTimeout,
		RateLimit:          cfg.Session.RateLimit,
		RateBurst:          cfg.Session.RateBurst,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	errs := make(chan error, 1)
	go func() { errs <- server.Start() }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("draining server: %w", err)
	}
	return <-errs
}
