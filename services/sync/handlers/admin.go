// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
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

	"github.com/quillside/QuillSync/services/sync/dispatcher"
	"github.com/quillside/QuillSync/services/sync/observability"
	"github.com/quillside/QuillSync/services/sync/presence"
	"github.com/quillside/QuillSync/services/sync/registry"
	"github.com/quillside/QuillSync/services/sync/session"
)

// ListSessions returns a summary of every active document session.
func ListSessions(sessions *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := sessions.Sessions()
		c.JSON(http.StatusOK, gin.H{
			"sessions": infos,
			"count":    len(infos),
		})
	}
}

// GetSession returns the full state of one active session, including
// content. 404 when no session exists for the document id.
func GetSession(sessions *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("documentId")
		view, err := sessions.Snapshot(documentID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no active session for document",
			})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ListConnections returns the attributes of every open connection.
func ListConnections(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := reg.All()
		c.JSON(http.StatusOK, gin.H{
			"connections": infos,
			"count":       len(infos),
		})
	}
}

// KickConnection force-disconnects one connection through the normal
// teardown path, so session membership and presence clean up exactly as
// on a client close.
func KickConnection(disp *dispatcher.Dispatcher, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		connectionID := c.Param("connectionId")
		conn := reg.Get(connectionID)
		if conn == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
			return
		}

		slog.Info("Admin kick", "connectionId", connectionID)
		disp.Disconnect(conn, observability.ReasonAdminKick)
		c.JSON(http.StatusOK, gin.H{"disconnected": connectionID})
	}
}

// GetPresence returns the presence record for one user. 404 when the
// user is not currently in any document session.
func GetPresence(tracker *presence.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		record := tracker.Get(userID)
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not present"})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}
