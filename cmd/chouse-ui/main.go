// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/engine"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/handlers"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/middleware"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/observability"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/routes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/store"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/tools"
	"github.com/daun-gatal/chouse-ui-sub003/services/clickhouse"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "chouse-assistant"

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
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

// newClickHouseClient builds the query client from CLICKHOUSE_* env vars.
// Returns nil when no URL is configured; the service then runs in
// thread-administration-only mode.
func newClickHouseClient() *clickhouse.Client {
	rawURL := strings.Trim(os.Getenv("CLICKHOUSE_URL"), "\"' ")
	if rawURL == "" {
		slog.Info("CLICKHOUSE_URL not set. Running without a ClickHouse connection.")
		return nil
	}

	client, err := clickhouse.NewClient(clickhouse.Config{
		URL:      rawURL,
		Username: os.Getenv("CLICKHOUSE_USERNAME"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		Database: os.Getenv("CLICKHOUSE_DATABASE"),
	})
	if err != nil {
		slog.Error("Failed to create ClickHouse client, continuing without it",
			"error", err, "url", rawURL)
		return nil
	}
	return client
}

// newAuthProvider selects the auth provider: a pre-shared token when
// CHOUSE_AUTH_TOKEN is set, otherwise the local single-user default.
func newAuthProvider() middleware.AuthProvider {
	if token := os.Getenv("CHOUSE_AUTH_TOKEN"); token != "" {
		slog.Info("Using static token authentication")
		return &middleware.StaticTokenProvider{Token: token, UserID: "operator"}
	}
	slog.Info("CHOUSE_AUTH_TOKEN not set, running in local single-user mode")
	return &middleware.NopAuthProvider{}
}

func main() {
	port := os.Getenv("CHOUSE_PORT")
	if port == "" {
		port = "12230"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Thread persistence ---
	dataDir := os.Getenv("CHOUSE_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data/assistant"
	}
	dbConfig := store.DefaultConfig()
	dbConfig.Path = dataDir
	db, err := store.OpenDB(dbConfig)
	if err != nil {
		log.Fatalf("FATAL: Could not open the thread database at %s: %v", dataDir, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close thread database", "error", err)
		}
	}()
	threads := store.NewThreadStore(db)

	// --- ClickHouse + tools ---
	chClient := newClickHouseClient()
	registry := tools.NewRegistry()
	if chClient != nil {
		registry.Register(tools.NewQueryTool(chClient))
		registry.Register(tools.NewChartTool(chClient))
	} else {
		slog.Warn("No ClickHouse client; the assistant will answer without tools")
	}

	// --- Generation engine ---
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatalf("FATAL: OPENAI_API_KEY is required")
	}
	openaiConfig := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		openaiConfig.BaseURL = baseURL
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = openai.GPT4oMini
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", model)
	}
	eng := engine.NewOpenAIEngine(openai.NewClientWithConfig(openaiConfig), model, registry)

	// --- HTTP surface ---
	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var pinger handlers.Pinger
	if chClient != nil {
		pinger = chClient
	}
	routes.SetupRoutes(router, routes.Dependencies{
		Assistant:    handlers.NewAssistantHandler(eng, threads, os.Getenv("CHOUSE_SYSTEM_PROMPT")),
		Threads:      threads,
		ClickHouse:   pinger,
		AuthProvider: newAuthProvider(),
	})

	log.Println("Starting the assistant server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
