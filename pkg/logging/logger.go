// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the slog logger QuillSync binaries share.
//
// A Logger fans each record out to up to three destinations: stderr
// (text by default, JSON for daemons), a dated log file under a
// configured directory, and a Tap for programs that need to observe
// records in process (the watch TUI feeds client diagnostics into its
// activity pane this way). Levels come straight from slog; there is no
// parallel severity type.
//
//	logger := logging.New(logging.Config{
//		Service: "syncd",
//		Dir:     "~/.quillsync/logs",
//		JSON:    true,
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Nothing here redacts values. Keep tokens and secrets out of the
// attribute lists.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config selects the destinations a Logger writes to. The zero value
// logs Info and above to stderr as text.
type Config struct {
	// Level is the minimum severity. slog.LevelInfo when zero.
	Level slog.Level

	// Dir, when set, adds a file destination. The file is named
	// "<service>-<YYYYMMDD>.log", always JSON, appended across runs.
	// A leading ~ expands to the user's home directory.
	Dir string

	// Service is stamped on every record as the "service" attribute
	// and names the log file. Defaults to "quillsync".
	Service string

	// JSON switches the stderr destination from text to JSON. File
	// output is JSON regardless.
	JSON bool

	// Quiet drops the stderr destination. A TUI that owns the
	// terminal sets this and relies on Dir or Tap.
	Quiet bool

	// Tap, when set, receives every record that clears Level.
	Tap Tap
}

// Logger is a thin owner around a composed slog.Logger: it holds the
// file handle and the tap so Close can release them. Derived loggers
// from With share both; close only the root.
type Logger struct {
	slog *slog.Logger
	file *os.File
	tap  Tap

	closeMu sync.Mutex
	closed  bool
}

// New composes a Logger from the config. Destinations that cannot be
// set up (an unwritable Dir) are skipped and reported as a warning on
// whatever destinations remain.
func New(cfg Config) *Logger {
	if cfg.Service == "" {
		cfg.Service = "quillsync"
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var sinks []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			sinks = append(sinks, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			sinks = append(sinks, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{tap: cfg.Tap}

	var fileErr error
	if cfg.Dir != "" {
		l.file, fileErr = openLogFile(cfg.Dir, cfg.Service)
		if l.file != nil {
			sinks = append(sinks, slog.NewJSONHandler(l.file, opts))
		}
	}

	if cfg.Tap != nil {
		sinks = append(sinks, &tapHandler{tap: cfg.Tap, level: cfg.Level})
	}

	var handler slog.Handler
	switch len(sinks) {
	case 0:
		// Every destination opted out; keep the logger usable.
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		})
	case 1:
		handler = sinks[0]
	default:
		handler = fanout(sinks)
	}

	l.slog = slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", cfg.Service),
	}))

	if fileErr != nil {
		l.Warn("file logging disabled", "dir", cfg.Dir, "error", fileErr)
	}
	return l
}

// Default is the stderr-only logger CLI paths start from.
func Default() *Logger {
	return New(Config{})
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying extra attributes on every
// record. The child shares the parent's file and tap.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog: l.slog.With(args...),
		file: l.file,
		tap:  l.tap,
	}
}

// Slog exposes the composed slog.Logger, e.g. for slog.SetDefault.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close releases the tap and the log file. Idempotent.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if l.tap != nil {
		if err := l.tap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tap: %w", err))
		}
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a config or environment string onto a slog.Level.
// The empty string means Info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func openLogFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expand log dir: %w", err)
		}
		dir = filepath.Join(home, dir[1:])
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", service, time.Now().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// fanout replays one record into every sink. All sinks here share the
// same level filter, so Handle skips the per-sink Enabled dance and
// collects failures instead of stopping at the first.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range f {
		if s.Enabled(ctx, r.Level) {
			errs = append(errs, s.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, s := range f {
		next[i] = s.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, s := range f {
		next[i] = s.WithGroup(name)
	}
	return next
}
