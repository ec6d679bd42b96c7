// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator wires the analyze service together: HTTP routing,
// the VLM and LLM runners, the graph repository, the optional similarity
// index, tracing, and metrics.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/clarusmed/visiongraph/services/graph"
	"github.com/clarusmed/visiongraph/services/llm"
	"github.com/clarusmed/visiongraph/services/orchestrator/handlers"
	"github.com/clarusmed/visiongraph/services/orchestrator/identity"
	"github.com/clarusmed/visiongraph/services/orchestrator/middleware"
	"github.com/clarusmed/visiongraph/services/orchestrator/modes"
	"github.com/clarusmed/visiongraph/services/orchestrator/normalizer"
	"github.com/clarusmed/visiongraph/services/orchestrator/observability"
	"github.com/clarusmed/visiongraph/services/orchestrator/ontology"
	"github.com/clarusmed/visiongraph/services/orchestrator/pipeline"
	"github.com/clarusmed/visiongraph/services/orchestrator/registry"
	"github.com/clarusmed/visiongraph/services/orchestrator/routes"
	"github.com/clarusmed/visiongraph/services/orchestrator/similarity"
	"github.com/clarusmed/visiongraph/services/vlm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle contract.
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying gin engine for testing. Callers must
	// not modify the routes after construction.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration. Zero values use defaults; most
// deployments configure everything through the environment (see FromEnv).
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "visiongraph-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus /metrics endpoint. Default: true.
	EnableMetrics bool

	// GinMode sets the gin framework mode ("debug", "release", "test").
	// Default: uses the GIN_MODE env var or "debug".
	GinMode string
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	cfg := Config{
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:      os.Getenv("GIN_MODE"),
	}
	if port, err := strconv.Atoi(os.Getenv("ORCHESTRATOR_PORT")); err == nil {
		cfg.Port = port
	}
	return cfg
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "visiongraph-otel-collector:4317"
	}
	cfg.EnableMetrics = true
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service coordinates HTTP routing, the model runners, the graph store,
// tracing, and metrics. All fields are read-only after New returns.
type service struct {
	config        Config
	router        *gin.Engine
	llmClient     llm.Client
	vlmClient     vlm.Client
	repo          graph.Repository
	pipeline      *pipeline.Pipeline
	tracerCleanup func(context.Context)
}

// New initializes the orchestrator: tracing, metrics, the model clients,
// the graph repository, the optional similarity index, and the router.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.PipelineMetrics
	if s.config.EnableMetrics {
		metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus pipeline metrics")
	}

	s.llmClient, err = llm.NewOllamaClient()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	s.vlmClient, err = vlm.New()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize VLM client: %w", err)
	}

	onto, err := ontology.Load()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to load ontology: %w", err)
	}
	store, err := graph.NewStoreFromEnv(context.Background())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize graph store: %w", err)
	}
	s.repo = graph.NewRepository(store, onto)

	// The similarity index is optional; absence just means the pipeline
	// falls back to graph-resident candidates.
	var sim similarity.Source
	if src, err := similarity.NewFromEnv(); err != nil {
		slog.Warn("Similarity index unavailable, continuing without it", "error", err)
	} else if src != nil {
		if err := src.EnsureSchema(context.Background()); err != nil {
			slog.Warn("Similarity index schema check failed", "error", err)
		} else {
			sim = src
		}
	}

	reg := registry.Default()
	s.pipeline = pipeline.New(pipeline.Deps{
		VLM:        s.vlmClient,
		LLM:        s.llmClient,
		Repo:       s.repo,
		Normalizer: normalizer.New(s.vlmClient, reg, os.Getenv("VISION_DEBUG_CACHE_DIR")),
		Resolver:   identity.New(reg),
		Runner:     modes.New(s.llmClient),
		Similarity: sim,
		Metrics:    metrics,
	})

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error. Cleanup
// runs on return regardless of outcome.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting visiongraph orchestrator", "port", s.config.Port)
	return s.router.Run(addr)
}

// Router returns the underlying gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up the OTLP trace exporter. Uses an insecure gRPC
// connection, appropriate for internal networks only.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("visiongraph-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initRouter creates the gin engine, applies middleware, and registers all
// routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("visiongraph-orchestrator"))
	s.router.Use(middleware.RequestID())

	deps := []handlers.Dependency{
		{Label: "llm", Check: s.llmClient.Health},
		{Label: "vlm", Check: s.vlmClient.Health},
		{Label: "graph", Check: s.repo.Health},
	}
	routes.SetupRoutes(s.router, s.pipeline, s.repo, deps)
}

// cleanup releases all resources held by the service. Called when Run exits
// or when initialization fails partway.
func (s *service) cleanup() {
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.Close(ctx); err != nil {
			slog.Warn("Graph repository close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
