// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/middleware"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/store"
	"github.com/gin-gonic/gin"
)

// requestUserID resolves the authenticated user for thread operations.
func requestUserID(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return "anonymous"
}

// CreateThread handles POST /api/ai/threads.
func CreateThread(threads *store.ThreadStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateThreadRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
			return
		}

		userID := requestUserID(c)
		thread, err := threads.CreateThread(c.Request.Context(), userID, req.Title)
		if err != nil {
			slog.Error("Failed to create thread", "error", err, "userId", userID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
			return
		}

		slog.Info("Created assistant thread", "threadId", thread.ID, "userId", userID)
		c.JSON(http.StatusCreated, thread)
	}
}

// ListThreads handles GET /api/ai/threads.
func ListThreads(threads *store.ThreadStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestUserID(c)
		list, err := threads.ListThreads(c.Request.Context(), userID)
		if err != nil {
			slog.Error("Failed to list threads", "error", err, "userId", userID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
			return
		}
		if list == nil {
			list = []datatypes.Thread{}
		}
		c.JSON(http.StatusOK, gin.H{"threads": list})
	}
}

// GetThreadMessages handles GET /api/ai/threads/:threadId/messages.
func GetThreadMessages(threads *store.ThreadStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("threadId")
		userID := requestUserID(c)

		// Ownership check first; message keys are not scoped by user.
		if _, err := threads.GetThread(c.Request.Context(), userID, threadID); err != nil {
			if errors.Is(err, store.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			slog.Error("Failed to load thread", "error", err, "threadId", threadID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
			return
		}

		messages, err := threads.ListMessages(c.Request.Context(), threadID, 0)
		if err != nil {
			slog.Error("Failed to list messages", "error", err, "threadId", threadID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		if messages == nil {
			messages = []datatypes.Message{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

// DeleteThread handles DELETE /api/ai/threads/:threadId.
func DeleteThread(threads *store.ThreadStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("threadId")
		userID := requestUserID(c)

		err := threads.DeleteThread(c.Request.Context(), userID, threadID)
		if err != nil {
			if errors.Is(err, store.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			slog.Error("Failed to delete thread", "error", err, "threadId", threadID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete thread"})
			return
		}

		slog.Info("Deleted assistant thread", "threadId", threadID, "userId", userID)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deletedThreadId": threadID})
	}
}
