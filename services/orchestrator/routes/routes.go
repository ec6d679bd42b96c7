// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clarusmed/visiongraph/services/graph"
	"github.com/clarusmed/visiongraph/services/orchestrator/handlers"
	"github.com/clarusmed/visiongraph/services/orchestrator/pipeline"
)

// SetupRoutes registers the HTTP surface: liveness, readiness, metrics, and
// the pipeline endpoints.
func SetupRoutes(router *gin.Engine, p *pipeline.Pipeline, repo graph.Repository,
	deps []handlers.Dependency) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadyCheck(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pipe := router.Group("/pipeline")
	{
		pipe.POST("/analyze", handlers.HandleAnalyze(p))
		pipe.GET("/graph/:imageID", handlers.HandleGraphFacts(repo))
	}
}
