// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one record as a Tap sees it: resolved attributes flattened
// into a map, group names joined onto keys with a dot.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Tap observes records in process. Write runs on the calling
// goroutine, so implementations must return quickly and never log
// through the same Logger. Close is called once from Logger.Close.
type Tap interface {
	Write(Entry) error
	Close() error
}

// tapHandler adapts a Tap to slog.Handler so taps sit in the same
// fan-out as the stderr and file destinations.
type tapHandler struct {
	tap   Tap
	level slog.Level
	attrs []slog.Attr
	group string
}

func (h *tapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *tapHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.qualify(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	return h.tap.Write(Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
}

func (h *tapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{
			Key:   h.qualify(a.Key),
			Value: a.Value,
		})
	}
	return next
}

func (h *tapHandler) WithGroup(name string) slog.Handler {
	next := h.clone()
	next.group = h.qualify(name)
	return next
}

func (h *tapHandler) clone() *tapHandler {
	return &tapHandler{
		tap:   h.tap,
		level: h.level,
		attrs: append([]slog.Attr(nil), h.attrs...),
		group: h.group,
	}
}

func (h *tapHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// MemoryTap retains entries for inspection. Tests assert on what a
// component logged; the admin surface could expose a recent-errors
// ring the same way.
type MemoryTap struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryTap() *MemoryTap {
	return &MemoryTap{}
}

func (m *MemoryTap) Write(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryTap) Close() error { return nil }

// Entries returns a snapshot of everything written so far.
func (m *MemoryTap) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// TapFunc adapts a function to the Tap interface.
type TapFunc func(Entry) error

func (f TapFunc) Write(e Entry) error { return f(e) }
func (f TapFunc) Close() error        { return nil }
