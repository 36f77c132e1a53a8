// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package liveness runs the periodic heartbeat and stale-connection
// eviction for the collaboration service.
//
// Two fixed periods drive it: a heartbeat that sends a websocket ping
// on every open connection (a pong refreshes last-activity through the
// handler layer), and a slower sweep that evicts any connection whose
// last activity is older than the stale threshold. Eviction goes
// through the normal disconnection path, so session membership and
// presence are cleaned up exactly as on a voluntary close.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillside/QuillSync/services/sync/registry"
)

// Clock abstracts time.Now so sweeps are testable without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }

// EvictFunc tears a stale connection down through the normal
// disconnection path.
type EvictFunc func(conn *registry.Connection, reason string)

// Config holds supervisor timing. Defaults are applied by New.
type Config struct {
	// SweepInterval is how often the stale sweep runs. Default: 30s.
	SweepInterval time.Duration

	// StaleThreshold is the maximum allowed quiet period before a
	// connection is evicted. Default: 60s.
	StaleThreshold time.Duration

	// HeartbeatInterval is how often pings are sent per connection.
	// Must be shorter than StaleThreshold or healthy-but-quiet
	// clients would be evicted. Default: 15s.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns production timing: sweep every 30s, evict after
// 60s of silence, ping every 15s.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     30 * time.Second,
		StaleThreshold:    60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Supervisor owns the heartbeat/sweep goroutine. Uses the ticker + done
// channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are safe for concurrent use; a mutex protects the
// running state.
type Supervisor struct {
	registry *registry.Registry
	clock    Clock
	config   Config
	evict    EvictFunc

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// New creates a supervisor over the connection registry. clock may be
// nil for the system clock. evict must not be nil.
func New(reg *registry.Registry, clock Clock, config Config, evict EvictFunc) (*Supervisor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if evict == nil {
		return nil, fmt.Errorf("evict callback must not be nil")
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Supervisor{
		registry: reg,
		clock:    clock,
		config:   config.withDefaults(),
		evict:    evict,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the background goroutine. Returns an error if already
// running. The supervisor stops when Stop is called or ctx is
// cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("liveness supervisor already running")
	}
	s.running = true

	go s.run(ctx)
	slog.Info("Liveness supervisor started",
		"sweepInterval", s.config.SweepInterval,
		"staleThreshold", s.config.StaleThreshold,
		"heartbeatInterval", s.config.HeartbeatInterval)
	return nil
}

// Stop signals the goroutine to exit. Safe to call once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.done)
	slog.Info("Liveness supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context) {
	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()
	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			s.pingAll()
		case <-sweep.C:
			s.Sweep()
		}
	}
}

// pingAll sends a heartbeat probe on every open connection. A failed
// ping means the transport is already broken; the connection is evicted
// rather than waiting for the sweep to notice the silence.
func (s *Supervisor) pingAll() {
	for _, conn := range s.registry.Snapshot() {
		if conn.Closed() {
			continue
		}
		if err := conn.Ping(); err != nil {
			slog.Debug("Heartbeat ping failed, evicting",
				"connectionId", conn.ID, "error", err)
			s.evict(conn, "ping failed")
		}
	}
}

// Sweep evicts every connection whose quiet period exceeds the stale
// threshold. Exported so tests and the admin surface can force a pass.
// Returns the number of evicted connections.
func (s *Supervisor) Sweep() int {
	now := s.clock.Now()
	evicted := 0
	for _, conn := range s.registry.Snapshot() {
		if conn.Closed() {
			continue
		}
		idle := now.Sub(conn.LastActivity())
		if idle <= s.config.StaleThreshold {
			continue
		}
		slog.Info("Evicting stale connection",
			"connectionId", conn.ID, "idle", idle)
		s.evict(conn, "stale")
		evicted++
	}
	return evicted
}
