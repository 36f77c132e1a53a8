// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth modes.
const (
	// AuthModeNone accepts any non-empty token (development).
	AuthModeNone = "none"

	// AuthModeHMAC verifies HS256 JWTs against a shared secret.
	AuthModeHMAC = "hmac"
)

// Persistence backends for session snapshots.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config holds sync service configuration options.
//
// # Description
//
// Config centralizes all configuration for the sync service. Values
// can be populated from environment variables, a YAML file via
// LoadConfig, or programmatically for testing. All fields are optional
// with defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12230
	Port int `yaml:"port"`

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string `yaml:"ginMode"`

	// DisableMetrics turns off the Prometheus /metrics endpoint and
	// all instrumentation. Metrics are on by default.
	DisableMetrics bool `yaml:"disableMetrics"`

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// selects a stdout exporter for local development.
	OTelEndpoint string `yaml:"otelEndpoint"`

	// AuthMode selects token verification: "none" or "hmac".
	// Default: "none"
	AuthMode string `yaml:"authMode"`

	// JWTSecret is the shared HMAC secret for AuthMode "hmac". Moved
	// into a sealed enclave during initialization.
	JWTSecret string `yaml:"jwtSecret"`

	// PersistBackend selects the snapshot store: "memory", "badger",
	// or "redis". Default: "memory"
	PersistBackend string `yaml:"persistBackend"`

	// BadgerPath is the Badger database directory for the "badger"
	// backend. Default: "./data/quillsync"
	BadgerPath string `yaml:"badgerPath"`

	// RedisAddr is the Redis address for the "redis" backend.
	// Default: "localhost:6379"
	RedisAddr string `yaml:"redisAddr"`

	// RedisPassword is the Redis password. Default: ""
	RedisPassword string `yaml:"redisPassword"`

	// RedisDB is the Redis database number. Default: 0
	RedisDB int `yaml:"redisDb"`

	// SendQueueSize bounds each connection's outbound queue.
	// Default: 256
	SendQueueSize int `yaml:"sendQueueSize"`

	// MaxMessageBytes caps one inbound websocket frame.
	// Default: 1 MiB
	MaxMessageBytes int64 `yaml:"maxMessageBytes"`

	// PongWait is the websocket read deadline window. Must exceed
	// HeartbeatInterval. Default: 90s
	PongWait time.Duration `yaml:"pongWait"`

	// HeartbeatInterval is how often liveness pings are sent.
	// Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// SweepInterval is how often the stale sweep runs. Default: 30s
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// StaleThreshold is the quiet period after which a connection is
	// evicted. Default: 60s
	StaleThreshold time.Duration `yaml:"staleThreshold"`

	// RateLimit is the sustained per-connection inbound message rate
	// in messages per second. Zero disables rate limiting.
	// Default: 0 (disabled)
	RateLimit float64 `yaml:"rateLimit"`

	// RateBurst is the per-connection burst allowance. Default: 20
	RateBurst int `yaml:"rateBurst"`
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeNone
	}
	if cfg.PersistBackend == "" {
		cfg.PersistBackend = BackendMemory
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data/quillsync"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 90 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 60 * time.Second
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 20
	}
	return cfg
}

// UnmarshalYAML decodes a Config, accepting human-readable duration
// strings ("90s", "2m") for the interval fields, which the yaml
// package does not handle for time.Duration natively.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		Port              int     `yaml:"port"`
		GinMode           string  `yaml:"ginMode"`
		DisableMetrics    bool    `yaml:"disableMetrics"`
		OTelEndpoint      string  `yaml:"otelEndpoint"`
		AuthMode          string  `yaml:"authMode"`
		JWTSecret         string  `yaml:"jwtSecret"`
		PersistBackend    string  `yaml:"persistBackend"`
		BadgerPath        string  `yaml:"badgerPath"`
		RedisAddr         string  `yaml:"redisAddr"`
		RedisPassword     string  `yaml:"redisPassword"`
		RedisDB           int     `yaml:"redisDb"`
		SendQueueSize     int     `yaml:"sendQueueSize"`
		MaxMessageBytes   int64   `yaml:"maxMessageBytes"`
		PongWait          string  `yaml:"pongWait"`
		HeartbeatInterval string  `yaml:"heartbeatInterval"`
		SweepInterval     string  `yaml:"sweepInterval"`
		StaleThreshold    string  `yaml:"staleThreshold"`
		RateLimit         float64 `yaml:"rateLimit"`
		RateBurst         int     `yaml:"rateBurst"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parseDur := func(field, s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %w", field, err)
		}
		return d, nil
	}

	var err error
	c.Port = raw.Port
	c.GinMode = raw.GinMode
	c.DisableMetrics = raw.DisableMetrics
	c.OTelEndpoint = raw.OTelEndpoint
	c.AuthMode = raw.AuthMode
	c.JWTSecret = raw.JWTSecret
	c.PersistBackend = raw.PersistBackend
	c.BadgerPath = raw.BadgerPath
	c.RedisAddr = raw.RedisAddr
	c.RedisPassword = raw.RedisPassword
	c.RedisDB = raw.RedisDB
	c.SendQueueSize = raw.SendQueueSize
	c.MaxMessageBytes = raw.MaxMessageBytes
	if c.PongWait, err = parseDur("pongWait", raw.PongWait); err != nil {
		return err
	}
	if c.HeartbeatInterval, err = parseDur("heartbeatInterval", raw.HeartbeatInterval); err != nil {
		return err
	}
	if c.SweepInterval, err = parseDur("sweepInterval", raw.SweepInterval); err != nil {
		return err
	}
	if c.StaleThreshold, err = parseDur("staleThreshold", raw.StaleThreshold); err != nil {
		return err
	}
	c.RateLimit = raw.RateLimit
	c.RateBurst = raw.RateBurst
	return nil
}

// LoadConfig reads a YAML configuration file. The caller layers
// environment overrides on top; see cmd/syncd.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
