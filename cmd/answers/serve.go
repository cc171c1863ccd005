// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianAnswers/pkg/logging"
	"github.com/AleutianAI/AleutianAnswers/services/engine/config"
	"github.com/AleutianAI/AleutianAnswers/services/engine/graph"
	"github.com/AleutianAI/AleutianAnswers/services/engine/memory"
	"github.com/AleutianAI/AleutianAnswers/services/engine/orchestrator"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
	"github.com/AleutianAI/AleutianAnswers/services/engine/routes"
	"github.com/AleutianAI/AleutianAnswers/services/engine/routing"
	"github.com/AleutianAI/AleutianAnswers/services/engine/storage"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the answers HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "answers",
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetAsDefault()

	shutdownTracer, err := initTracer(ctx)
	if err != nil {
		return fmt.Errorf("tracer init: %w", err)
	}
	if shutdownTracer != nil {
		defer shutdownTracer(context.Background())
	}

	db, err := storage.Open(cfg.Storage.BadgerPath, logger.Logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	docs, err := storage.NewDocStore(db.DB)
	if err != nil {
		return err
	}

	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Weaviate.Host,
		Scheme: cfg.Weaviate.Scheme,
	})
	if err != nil {
		return fmt.Errorf("weaviate client: %w", err)
	}
	retriever, err := retrieval.NewWeaviateRetriever(weaviateClient,
		retrieval.DefaultWeaviateRetrieverConfig())
	if err != nil {
		return err
	}

	gateway, embedder, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	router, goldenCache, err := buildRouter(cfg, db, embedder, logger.Logger)
	if err != nil {
		return err
	}
	if goldenCache != nil {
		defer goldenCache.Close()
	}

	locks := memory.NewLockRegistry(memory.DefaultLockCapacity)
	mem, err := memory.NewManager(gateway, docs, locks, cfg.Engine.MemoryLockTimeout, logger.Logger)
	if err != nil {
		return err
	}

	graphStore, err := graph.NewStore(db.DB, logger.Logger)
	if err != nil {
		return err
	}
	builder := graph.NewBuilder(gateway, graphStore, logger.Logger)

	orch, err := orchestrator.New(router, retriever, gateway, mem, graphStore, docs,
		&orchestrator.SlogSink{}, orchestrator.Config{
			MaxSteps:         cfg.Engine.MaxSteps,
			RetrievalTimeout: cfg.Engine.RetrievalTimeout,
		}, logger.Logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("answers"))
	routes.SetupRoutes(engine, orch, builder, graphStore, mem)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("answers server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildGateway registers every configured provider and assembles the
// tiered fallback gateway. The embedder is non-nil only when OpenAI is
// configured; golden-route caching needs it.
func buildGateway(cfg config.Config) (*llm.Gateway, retrieval.Embedder, error) {
	var providers []llm.Provider
	var embedder retrieval.Embedder

	if cfg.Providers.OllamaModel != "" {
		p, err := llm.NewOllamaProvider(cfg.Providers.OllamaURL, cfg.Providers.OllamaModel)
		if err != nil {
			return nil, nil, fmt.Errorf("ollama provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.Providers.OpenAIModel != "" {
		if p, err := llm.NewOpenAIProvider(cfg.Providers.OpenAIModel); err != nil {
			slog.Warn("openai provider unavailable", slog.String("error", err.Error()))
		} else {
			providers = append(providers, p)
			if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
				embedder = llm.NewOpenAIEmbedder(apiKey, cfg.Providers.EmbeddingModel)
			}
		}
	}
	if cfg.Providers.AnthropicModel != "" {
		if p, err := llm.NewAnthropicProvider(cfg.Providers.AnthropicModel); err != nil {
			slog.Warn("anthropic provider unavailable", slog.String("error", err.Error()))
		} else {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("no LLM provider configured")
	}

	chains := make(map[llm.Tier][]llm.ChainEntry, len(cfg.Gateway.Chains))
	for tier, entries := range cfg.Gateway.Chains {
		chain := make([]llm.ChainEntry, 0, len(entries))
		for _, e := range entries {
			chain = append(chain, llm.ChainEntry{Provider: e.Provider, Model: e.Model})
		}
		chains[llm.Tier(tier)] = chain
	}

	breaker := llm.DefaultBreakerConfig()
	if cfg.Gateway.FailureThreshold > 0 {
		breaker.FailureThreshold = cfg.Gateway.FailureThreshold
	}
	if cfg.Gateway.Cooldown > 0 {
		breaker.Cooldown = cfg.Gateway.Cooldown
	}

	gw, err := llm.NewGateway(llm.GatewayConfig{
		Chains:      chains,
		Breaker:     breaker,
		CallTimeout: cfg.Gateway.CallTimeout,
	}, providers...)
	if err != nil {
		return nil, nil, err
	}
	return gw, embedder, nil
}

// buildRouter loads the domain registry and assembles the collection
// router. Without an embedder the golden-route cache is disabled and
// every query takes the scored path.
func buildRouter(cfg config.Config, db *storage.Store, embedder retrieval.Embedder,
	log *slog.Logger) (*routing.Router, *routing.GoldenCache, error) {

	registry, err := config.LoadDomains()
	if err != nil {
		return nil, nil, fmt.Errorf("domain registry: %w", err)
	}

	opts := []routing.RouterOption{
		routing.WithOverrides(routing.DefaultOverrides()),
		routing.WithMaxFallbacks(cfg.Engine.MaxFallbacks),
		routing.WithRouterLogger(log),
	}

	var goldenCache *routing.GoldenCache
	if embedder != nil {
		goldenOpts := []routing.GoldenOption{
			routing.WithGoldenThreshold(cfg.Engine.GoldenRouteThreshold),
			routing.WithGoldenStore(db.DB),
			routing.WithGoldenLogger(log),
		}
		if cfg.Storage.GoldenSnapshotPath != "" {
			goldenOpts = append(goldenOpts, routing.WithGoldenSnapshot(cfg.Storage.GoldenSnapshotPath))
		}
		goldenCache, err = routing.NewGoldenCache(embedder, goldenOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("golden cache: %w", err)
		}
		opts = append(opts, routing.WithGoldenCache(goldenCache))
	} else {
		slog.Info("no embedder configured, golden-route cache disabled")
	}

	router, err := routing.NewRouter(registry, opts...)
	if err != nil {
		return nil, nil, err
	}
	return router, goldenCache, nil
}

// initTracer sets up OTLP export when a collector endpoint is
// configured. Returns a nil shutdown func when tracing is disabled.
func initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("answers")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("otlp exporter shutdown failed", "error", err)
		}
	}, nil
}
