// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks reachability of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /api/health. The service is healthy as long as it can
// serve requests; ClickHouse reachability is reported but does not fail the
// check, since thread administration works without it.
func Health(clickhouse Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{"status": "ok"}

		if clickhouse != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := clickhouse.Ping(ctx); err != nil {
				status["clickhouse"] = "unreachable"
			} else {
				status["clickhouse"] = "ok"
			}
		}

		c.JSON(http.StatusOK, status)
	}
}
