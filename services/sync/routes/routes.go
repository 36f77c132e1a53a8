// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillside/QuillSync/services/sync/auth"
	"github.com/quillside/QuillSync/services/sync/dispatcher"
	"github.com/quillside/QuillSync/services/sync/handlers"
	"github.com/quillside/QuillSync/services/sync/middleware"
	"github.com/quillside/QuillSync/services/sync/observability"
	"github.com/quillside/QuillSync/services/sync/presence"
	"github.com/quillside/QuillSync/services/sync/registry"
	"github.com/quillside/QuillSync/services/sync/session"
)

// Deps carries everything the route tree needs.
type Deps struct {
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Store
	Presence   *presence.Tracker
	Verifier   auth.TokenVerifier
	Metrics    *observability.SyncMetrics
	WSOptions  handlers.WSOptions

	// EnableMetrics exposes /metrics when true.
	EnableMetrics bool
}

// SetupRoutes registers every endpoint of the sync service.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)

	if deps.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		// The collaboration channel authenticates in-band.
		v1.GET("/sync/ws", handlers.HandleSyncWebSocket(
			deps.Registry, deps.Dispatcher, deps.Metrics, deps.WSOptions))

		// Administration routes share the websocket's token verifier.
		admin := v1.Group("", middleware.AdminAuth(deps.Verifier))
		{
			sessions := admin.Group("/sessions")
			{
				sessions.GET("", handlers.ListSessions(deps.Sessions))
				sessions.GET("/:documentId", handlers.GetSession(deps.Sessions))
			}
			connections := admin.Group("/connections")
			{
				connections.GET("", handlers.ListConnections(deps.Registry))
				connections.DELETE("/:connectionId",
					handlers.KickConnection(deps.Dispatcher, deps.Registry))
			}
			admin.GET("/presence/:userId", handlers.GetPresence(deps.Presence))
		}
	}
}
