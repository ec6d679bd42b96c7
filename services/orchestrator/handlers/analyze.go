// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/pipeline"
)

// HandleAnalyze runs the full analyze pipeline for one image.
//
// The endpoint is synchronous only: callers must pass ?sync=true. The
// optional ?debug flag enables the normalise cache and the debug trace in
// the response.
func HandleAnalyze(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("sync") != "true" {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":    false,
				"error": "async analyze is not supported; pass sync=true",
			})
			return
		}
		debug := datatypes.ParseForceFlag(c.Query("debug"))

		var req datatypes.AnalyzeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"ok": false,
				"errors": []datatypes.StageError{
					{Stage: "init", Kind: datatypes.ErrInvalidInput, Msg: err.Error()},
				},
			})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"ok": false,
				"errors": []datatypes.StageError{
					{Stage: "init", Kind: datatypes.ErrInvalidInput, Msg: err.Error()},
				},
			})
			return
		}

		resp, perr := p.Run(c.Request.Context(), &req, debug)
		if perr != nil {
			slog.Warn("Analyze pipeline failed",
				"stage", perr.Stage, "kind", perr.Kind, "where", perr.Where)
			body := gin.H{
				"ok":     false,
				"errors": perr.Errors,
			}
			if perr.Where != "" {
				body["where"] = perr.Where
			}
			c.JSON(perr.HTTPStatus(), body)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
