// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Dependency is one readiness probe target.
type Dependency struct {
	Label string
	Check func(context.Context) error
}

// HealthCheck reports process liveness. It never touches dependencies.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": "healthy"})
}

// ReadyCheck probes all dependencies concurrently and reports 503 with the
// first failing label when any probe fails.
func ReadyCheck(deps []Dependency) gin.HandlerFunc {
	return func(c *gin.Context) {
		g, ctx := errgroup.WithContext(c.Request.Context())
		failed := make([]string, len(deps))
		for i, d := range deps {
			g.Go(func() error {
				if err := d.Check(ctx); err != nil {
					failed[i] = d.Label
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			where := ""
			for _, label := range failed {
				if label != "" {
					where = label
					break
				}
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ok":    false,
				"where": where,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
