// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/handlers"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/middleware"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/store"
	"github.com/gin-gonic/gin"
)

// Dependencies carries the wired collaborators SetupRoutes needs.
type Dependencies struct {
	Assistant    handlers.AssistantHandler
	Threads      *store.ThreadStore
	ClickHouse   handlers.Pinger
	AuthProvider middleware.AuthProvider
}

// SetupRoutes registers all HTTP routes on the router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/api/health", handlers.Health(deps.ClickHouse))

	ai := router.Group("/api/ai")
	ai.Use(middleware.AuthMiddleware(deps.AuthProvider))
	{
		ai.POST("/chat/stream", deps.Assistant.HandleChatStream)

		// Thread administration routes
		threads := ai.Group("/threads")
		{
			threads.POST("", handlers.CreateThread(deps.Threads))
			threads.GET("", handlers.ListThreads(deps.Threads))
			threads.GET("/:threadId/messages", handlers.GetThreadMessages(deps.Threads))
			threads.DELETE("/:threadId", handlers.DeleteThread(deps.Threads))
		}
	}
}
