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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quillside/QuillSync/services/sync/datatypes"
	"github.com/quillside/QuillSync/services/sync/dispatcher"
	"github.com/quillside/QuillSync/services/sync/observability"
	"github.com/quillside/QuillSync/services/sync/registry"
)

// WSOptions tunes the websocket read side. Zero values get defaults.
type WSOptions struct {
	// MaxMessageBytes caps one inbound frame. Default: 1 MiB.
	MaxMessageBytes int64

	// PongWait is how long a silent connection may go without any
	// frame, including pong responses to liveness pings, before the
	// read deadline fires. Must exceed the supervisor's heartbeat
	// interval. Default: 90s.
	PongWait time.Duration
}

func (o WSOptions) withDefaults() WSOptions {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 90 * time.Second
	}
	return o
}

var upgrader = websocket.Upgrader{
	// The admin surface carries auth; the collaboration channel
	// authenticates in-band with its first message, so cross-origin
	// upgrades are allowed here.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// HandleSyncWebSocket upgrades the request and runs the connection's
// read loop.
//
// # Description
//
// On accept the connection is registered, assigned an id, and sent a
// connected event. Every subsequent inbound frame goes through the
// dispatcher serially, which is what gives per-connection in-order
// handling. The loop exits on any read error (client close, broken
// transport, read deadline) and the disconnect cascade runs exactly
// once.
func HandleSyncWebSocket(reg *registry.Registry, disp *dispatcher.Dispatcher,
	metrics *observability.SyncMetrics, opts WSOptions) gin.HandlerFunc {

	opts = opts.withDefaults()

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}

		conn := reg.Register(ws)
		if metrics != nil {
			metrics.ActiveConnections.Set(float64(reg.Len()))
		}
		slog.Info("Websocket client connected",
			"connectionId", conn.ID, "remoteAddr", c.Request.RemoteAddr)

		defer disp.Disconnect(conn, observability.ReasonClientClose)

		if err := conn.Send(datatypes.NewConnected(conn.ID)); err != nil {
			slog.Warn("Failed to send connected event",
				"connectionId", conn.ID, "error", err)
			return
		}

		ws.SetReadLimit(opts.MaxMessageBytes)
		if err := ws.SetReadDeadline(time.Now().Add(opts.PongWait)); err != nil {
			slog.Warn("Failed to set read deadline",
				"connectionId", conn.ID, "error", err)
			return
		}
		ws.SetPongHandler(func(string) error {
			conn.Touch()
			return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		})

		ctx := c.Request.Context()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				slog.Info("Websocket client disconnected",
					"connectionId", conn.ID, "error", err.Error())
				return
			}
			if err := ws.SetReadDeadline(time.Now().Add(opts.PongWait)); err != nil {
				return
			}
			disp.HandleMessage(ctx, conn, raw)
		}
	}
}
