// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/quayside-ai/quayside/pkg/config"
	"github.com/quayside-ai/quayside/pkg/logging"
	"github.com/quayside-ai/quayside/services/engine/assembler"
	"github.com/quayside-ai/quayside/services/engine/checkpoint"
	"github.com/quayside-ai/quayside/services/engine/generation"
	"github.com/quayside-ai/quayside/services/engine/retrieval"
	"github.com/quayside-ai/quayside/services/engine/routes"
	"github.com/quayside-ai/quayside/services/engine/workflow"
	"github.com/quayside-ai/quayside/services/llm"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = "quayside-otel-collector:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("query-engine")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func buildProviders(cfg *config.Config) map[string]llm.LLMClient {
	providers := make(map[string]llm.LLMClient)

	if cfg.Providers.OpenAI.APIKey != "" {
		client, err := llm.NewOpenAIClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.BaseURL,
			cfg.Providers.OpenAI.Model,
		)
		if err != nil {
			slog.Warn("OpenAI provider unavailable", "error", err)
		} else {
			providers[config.ProviderOpenAI] = client
		}
	} else {
		slog.Info("OpenAI API key not configured, provider disabled")
	}

	client, err := llm.NewOllamaClient(cfg.Providers.Ollama.BaseURL, cfg.Providers.Ollama.Model)
	if err != nil {
		slog.Warn("Ollama provider unavailable", "error", err)
	} else {
		providers[config.ProviderOllama] = client
	}

	return providers
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "query-engine",
		JSON:    true,
	})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logger.Close()
	logger.SetAsDefault()

	// --- Init the tracer ---
	cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	// --- Checkpoint store ---
	storeCfg := checkpoint.DefaultConfig(cfg.Checkpoint.Path)
	storeCfg.InMemory = cfg.Checkpoint.InMemory
	storeCfg.Logger = logger.Logger
	store, err := checkpoint.Open(storeCfg)
	if err != nil {
		log.Fatalf("failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	// --- Retrieval ---
	parsedURL, err := url.Parse(cfg.Retrieval.WeaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Fatalf("invalid weaviate url %q: %v", cfg.Retrieval.WeaviateURL, err)
	}
	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		log.Fatalf("failed to create Weaviate client: %v", err)
	}
	embedder, err := retrieval.NewHTTPEmbedder(cfg.Retrieval.EmbeddingURL)
	if err != nil {
		log.Fatalf("failed to create embedder: %v", err)
	}
	searcher := retrieval.NewWeaviateSearcher(weaviateClient, embedder, cfg.Retrieval.ClassName)
	retriever := retrieval.NewGateway(searcher, cfg.Retrieval.SimilarityFloor,
		cfg.Retrieval.RetryBackoff.Std(), cfg.Retrieval.Timeout.Std())

	// --- Generation ---
	providers := buildProviders(cfg)
	if len(providers) == 0 {
		log.Fatalf("no LLM provider could be configured")
	}
	generator := generation.NewGateway(providers, cfg.Generation.Timeout.Std(),
		cfg.Generation.MaxAnswerTokens, cfg.Providers.MaxFallbackHops)

	// --- Workflow engine ---
	engine := workflow.NewEngine(retriever, generator, store, cfg.FallbackOrder, workflow.Config{
		TopKDefault: cfg.Retrieval.TopKDefault,
		TopKMax:     cfg.Retrieval.TopKMax,
		Assembler: assembler.Config{
			CharBudget:    cfg.Context.CharBudget,
			MaxPriorTurns: cfg.Context.MaxPriorTurns,
		},
		AppendRetries: cfg.Checkpoint.AppendRetries,
	})

	router := gin.Default()
	router.Use(otelgin.Middleware("query-engine"))

	routes.SetupRoutes(router, engine, retriever.Ping, generator.Providers())

	slog.Info("Starting the query engine", "port", cfg.Server.Port)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
