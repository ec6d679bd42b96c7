// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command visiongraph starts the analyze orchestrator HTTP server.
//
// It reads configuration from environment variables and blocks serving
// requests until shutdown.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12310)
//   - LLM_HOST / LLM_MODEL / LLM_TIMEOUT: text model endpoint, model name, timeout
//   - VLM_HOST / VLM_MODEL / VLM_TIMEOUT: vision model endpoint, model name, timeout
//   - GRAPH_URI / GRAPH_USER / GRAPH_PASS / GRAPH_DATABASE: graph store connection
//   - MEDICAL_DUMMY_DIR: seeded dummy-case registry directory (optional)
//   - SIMILARITY_INDEX_URL: Weaviate similarity index URL (optional)
//   - VISION_DEBUG_CACHE_DIR: debug-mode VLM reply cache directory (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: visiongraph-otel-collector:4317)
//   - LOG_LEVEL / LOG_DIR: log verbosity and optional log file directory
//   - GIN_MODE: gin runtime mode
//
// # Usage
//
//	# Build
//	go build -o visiongraph ./cmd/visiongraph
//
//	# Run
//	./visiongraph
package main

import (
	"log/slog"
	"os"

	"github.com/clarusmed/visiongraph/pkg/logging"
	"github.com/clarusmed/visiongraph/services/orchestrator"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	slog.SetDefault(logger.Slog())

	cfg := orchestrator.FromEnv()

	svc, err := orchestrator.New(cfg)
	if err != nil {
		logger.Error("Failed to create orchestrator", "error", err)
		logger.Close()
		os.Exit(1)
	}

	// Blocks until shutdown.
	if err := svc.Run(); err != nil {
		logger.Error("Orchestrator error", "error", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}
