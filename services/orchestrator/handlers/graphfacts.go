// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the analyze service.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clarusmed/visiongraph/services/graph"
)

// HandleGraphFacts returns the persisted fact payload for one image, the
// same facts block the context builder renders into VGL prompts.
func HandleGraphFacts(repo graph.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		imageID := strings.TrimSpace(c.Param("imageID"))
		if imageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "imageID is required"})
			return
		}

		summary, facts, err := repo.QueryBundle(c.Request.Context(), imageID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":       true,
			"image_id": facts.ImageID,
			"findings": facts.Findings,
			"summary":  summary,
		})
	}
}
