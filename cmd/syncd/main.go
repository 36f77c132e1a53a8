// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command syncd runs the QuillSync collaboration service.
//
// Configuration is layered: a YAML file named by QUILLSYNC_CONFIG is
// loaded first (when set), then individual environment variables
// override it. With nothing set the service listens on :12230 with an
// in-memory snapshot store and development auth.
//
// Environment variables:
//
//	QUILLSYNC_CONFIG           Path to a YAML config file
//	QUILLSYNC_LOG_LEVEL        Minimum log level: debug, info, warn, error
//	QUILLSYNC_LOG_DIR          Directory for dated JSON log files
//	QUILLSYNC_PORT             HTTP port (default 12230)
//	QUILLSYNC_GIN_MODE         Gin mode: debug, release, test
//	QUILLSYNC_DISABLE_METRICS  Disable the /metrics endpoint
//	QUILLSYNC_AUTH_MODE        Token verification: none, hmac
//	QUILLSYNC_JWT_SECRET       Shared HMAC secret for hmac mode
//	QUILLSYNC_PERSIST_BACKEND  Snapshot store: memory, badger, redis
//	QUILLSYNC_BADGER_PATH      Badger database directory
//	QUILLSYNC_REDIS_ADDR       Redis address (host:port)
//	QUILLSYNC_REDIS_PASSWORD   Redis password
//	QUILLSYNC_REDIS_DB         Redis database number
//	QUILLSYNC_SEND_QUEUE_SIZE  Outbound queue bound per connection
//	QUILLSYNC_HEARTBEAT_INTERVAL  Ping period
//	QUILLSYNC_SWEEP_INTERVAL   Stale-connection sweep period
//	QUILLSYNC_STALE_THRESHOLD  Inactivity window before eviction
//	QUILLSYNC_MAX_MESSAGE_BYTES  Inbound websocket frame cap
//	QUILLSYNC_PONG_WAIT        Websocket read deadline window
//	QUILLSYNC_RATE_LIMIT       Per-connection messages/second (0 = off)
//	QUILLSYNC_RATE_BURST       Per-connection burst allowance
//	OTEL_EXPORTER_OTLP_ENDPOINT  Collector address for traces
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/quillside/QuillSync/pkg/logging"
	"github.com/quillside/QuillSync/services/sync"
)

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring non-integer environment value", "key", key, "value", v)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("ignoring non-boolean environment value", "key", key, "value", v)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("ignoring non-duration environment value", "key", key, "value", v)
	}
	return fallback
}

// buildConfig layers environment overrides on top of the optional
// YAML config file.
func buildConfig() (sync.Config, error) {
	var cfg sync.Config

	if path := os.Getenv("QUILLSYNC_CONFIG"); path != "" {
		loaded, err := sync.LoadConfig(path)
		if err != nil {
			return sync.Config{}, err
		}
		cfg = loaded
		slog.Info("loaded configuration file", "path", path)
	}

	cfg.Port = getEnvInt("QUILLSYNC_PORT", cfg.Port)
	cfg.GinMode = getEnvString("QUILLSYNC_GIN_MODE", cfg.GinMode)
	cfg.DisableMetrics = getEnvBool("QUILLSYNC_DISABLE_METRICS", cfg.DisableMetrics)
	cfg.OTelEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTelEndpoint)
	cfg.AuthMode = getEnvString("QUILLSYNC_AUTH_MODE", cfg.AuthMode)
	cfg.JWTSecret = getEnvString("QUILLSYNC_JWT_SECRET", cfg.JWTSecret)
	cfg.PersistBackend = getEnvString("QUILLSYNC_PERSIST_BACKEND", cfg.PersistBackend)
	cfg.BadgerPath = getEnvString("QUILLSYNC_BADGER_PATH", cfg.BadgerPath)
	cfg.RedisAddr = getEnvString("QUILLSYNC_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnvString("QUILLSYNC_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("QUILLSYNC_REDIS_DB", cfg.RedisDB)
	cfg.SendQueueSize = getEnvInt("QUILLSYNC_SEND_QUEUE_SIZE", cfg.SendQueueSize)
	cfg.MaxMessageBytes = int64(getEnvInt("QUILLSYNC_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))
	cfg.PongWait = getEnvDuration("QUILLSYNC_PONG_WAIT", cfg.PongWait)
	cfg.HeartbeatInterval = getEnvDuration("QUILLSYNC_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.SweepInterval = getEnvDuration("QUILLSYNC_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.StaleThreshold = getEnvDuration("QUILLSYNC_STALE_THRESHOLD", cfg.StaleThreshold)
	cfg.RateLimit = getEnvFloat("QUILLSYNC_RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = getEnvInt("QUILLSYNC_RATE_BURST", cfg.RateBurst)

	return cfg, nil
}

// buildLogger assembles the process logger from the environment:
// level from QUILLSYNC_LOG_LEVEL, optional file output under
// QUILLSYNC_LOG_DIR, JSON on stderr either way.
func buildLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(os.Getenv("QUILLSYNC_LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Dir:     os.Getenv("QUILLSYNC_LOG_DIR"),
		Service: "syncd",
		JSON:    true,
	}), nil
}

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := buildConfig()
	if err != nil {
		log.Fatalf("failed to build configuration: %v", err)
	}

	svc, err := sync.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize sync service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("sync service exited: %v", err)
	}
}
