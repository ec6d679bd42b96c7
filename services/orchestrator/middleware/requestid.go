// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware holds the HTTP middleware for the analyze service.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID is the request-id header honoured and echoed back.
const HeaderRequestID = "X-Request-ID"

// ContextKeyRequestID is the gin context key the id is stored under.
const ContextKeyRequestID = "request_id"

// RequestID assigns every request a correlation id: the caller's
// X-Request-ID when present, a fresh UUID otherwise. The id is echoed in the
// response headers and available to handlers via the gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}
