package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sentinelrag/sentinel/internal/config"
	"github.com/sentinelrag/sentinel/internal/embedder"
	"github.com/sentinelrag/sentinel/internal/llm"
	"github.com/sentinelrag/sentinel/internal/pipeline"
	"github.com/sentinelrag/sentinel/internal/repository"
	"github.com/sentinelrag/sentinel/internal/repository/postgres"
	"github.com/sentinelrag/sentinel/internal/reranker"
	"github.com/sentinelrag/sentinel/internal/retrieval"
	"github.com/sentinelrag/sentinel/internal/server"
	"github.com/sentinelrag/sentinel/internal/synthesis"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting SentinelRAG service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	passageRepo := postgres.NewPassageRepo(db)
	recordRepo := postgres.NewQueryRecordRepo(db)

	// Initialize Ollama embedder
	var embed embedder.Embedder = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.OllamaEmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	// Optional Redis embedding cache
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping Redis: %w", err)
		}
		defer rdb.Close()
		embed = embedder.NewCachedEmbedder(embed, rdb, cfg.EmbedCacheTTL)
		slog.Info("enabled Redis embedding cache", "ttl", cfg.EmbedCacheTTL)
	}

	// The store's vector column dimension must match the embedder.
	if embed.Dimension() != cfg.EmbeddingDimension {
		return fmt.Errorf("embedder dimension %d does not match configured dimension %d",
			embed.Dimension(), cfg.EmbeddingDimension)
	}

	// Initialize Ollama LLM
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	// Pipeline stages
	retriever := retrieval.NewHybridRetriever(passageRepo, cfg.EmbeddingDimension)

	breaker := reranker.NewCircuitBreaker(reranker.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		LatencyThreshold: cfg.BreakerLatencyThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	})
	scorer := reranker.NewLLMScorer(llmClient, reranker.WithModel(cfg.OllamaScoringModel))
	rerank := reranker.NewResilientReranker(scorer, breaker,
		reranker.WithBatchSize(cfg.RerankBatchSize),
	)

	synth := synthesis.NewSynthesizer(llmClient,
		synthesis.WithModel(cfg.OllamaLLMModel),
		synthesis.WithTemperature(cfg.Temperature),
		synthesis.WithMaxTokens(cfg.MaxTokens),
	)

	pipe := pipeline.New(pipeline.Config{
		Embedder:    embed,
		Retriever:   retriever,
		Reranker:    rerank,
		Synthesizer: synth,
		Records:     recordRepo,
		Budgets: pipeline.Budgets{
			Embedding: cfg.EmbeddingBudget,
			Retrieval: cfg.RetrievalBudget,
			Reranking: cfg.RerankBudget,
			Synthesis: cfg.SynthesisBudget,
			Total:     cfg.TotalBudget,
		},
		RetrieveLimit: cfg.RetrieveLimit,
		TopK:          cfg.TopK,
	})

	// Create HTTP server
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:   cfg.HTTPPort,
		Logger: slog.Default(),
		ReadinessCheck: func(ctx context.Context) error {
			return db.Pool.Ping(ctx)
		},
	})

	server.NewQueryHandler(pipe).RegisterRoutes(httpServer.Router())
	server.NewDocumentHandler(embed, passageRepo).RegisterRoutes(httpServer.Router())

	// Start server
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.PassageRepository     = (*postgres.PassageRepo)(nil)
	_ repository.QueryRecordRepository = (*postgres.QueryRecordRepo)(nil)
	_ embedder.Embedder                = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                          = (*llm.OllamaClient)(nil)
	_ pipeline.Retriever               = (*retrieval.HybridRetriever)(nil)
	_ pipeline.Reranker                = (*reranker.ResilientReranker)(nil)
	_ pipeline.Synthesizer             = (*synthesis.Synthesizer)(nil)
)
