// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" Error ", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestDefault_UsableAndClosable(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger.Slog())
	logger.Info("noop")
	assert.NoError(t, logger.Close())
}

func TestNew_FileDestination(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Dir: dir, Service: "syncd", Quiet: true})

	logger.Info("session created", "document_id", "doc-1")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasPrefix(name, "syncd-"), name)
	assert.True(t, strings.HasSuffix(name, ".log"), name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "session created", line["msg"])
	assert.Equal(t, "syncd", line["service"])
	assert.Equal(t, "doc-1", line["document_id"])
}

func TestNew_FileAppendsAcrossLoggers(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		logger := New(Config{Dir: dir, Service: "syncd", Quiet: true})
		logger.Info("run", "n", i)
		require.NoError(t, logger.Close())
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestNew_HomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	logger := New(Config{Dir: "~/logs", Service: "quillctl", Quiet: true})
	logger.Info("expanded")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(filepath.Join(home, "logs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestNew_UnwritableDirReportsThroughTap(t *testing.T) {
	tap := NewMemoryTap()
	logger := New(Config{
		Dir:   "/proc/nonexistent/logs",
		Quiet: true,
		Tap:   tap,
	})
	defer logger.Close()

	var found bool
	for _, e := range tap.Entries() {
		if e.Message == "file logging disabled" {
			found = true
			assert.Equal(t, slog.LevelWarn, e.Level)
			assert.Contains(t, e.Attrs, "error")
		}
	}
	assert.True(t, found, "expected a warning about the skipped file destination")
}

func TestTap_ReceivesResolvedAttrs(t *testing.T) {
	tap := NewMemoryTap()
	logger := New(Config{Quiet: true, Service: "quillctl", Tap: tap})
	defer logger.Close()

	child := logger.With("document_id", "doc-1")
	child.Info("joined", "user_id", "alice")

	entries := tap.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "joined", e.Message)
	assert.Equal(t, slog.LevelInfo, e.Level)
	assert.Equal(t, "quillctl", e.Attrs["service"])
	assert.Equal(t, "doc-1", e.Attrs["document_id"])
	assert.Equal(t, "alice", e.Attrs["user_id"])
	assert.False(t, e.Time.IsZero())
}

func TestTap_LevelFilter(t *testing.T) {
	tap := NewMemoryTap()
	logger := New(Config{Quiet: true, Level: slog.LevelWarn, Tap: tap})
	defer logger.Close()

	logger.Debug("below")
	logger.Info("below")
	logger.Warn("at")
	logger.Error("above")

	entries := tap.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "at", entries[0].Message)
	assert.Equal(t, "above", entries[1].Message)
}

func TestTap_GroupQualifiesKeys(t *testing.T) {
	tap := NewMemoryTap()
	logger := New(Config{Quiet: true, Tap: tap})
	defer logger.Close()

	logger.Slog().WithGroup("conn").Info("registered", "id", "c-1")

	entries := tap.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].Attrs["conn.id"])
}

func TestTapFunc_Adapts(t *testing.T) {
	var got []Entry
	logger := New(Config{Quiet: true, Tap: TapFunc(func(e Entry) error {
		got = append(got, e)
		return nil
	})})

	logger.Info("one")
	require.NoError(t, logger.Close())
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Message)
}

func TestWith_SharesFileDestination(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Dir: dir, Service: "syncd", Quiet: true})

	logger.With("document_id", "doc-1").Info("from child")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "from child")
	assert.Contains(t, string(data), "doc-1")
}

type failingTap struct{ closeErr error }

func (f failingTap) Write(Entry) error { return nil }
func (f failingTap) Close() error      { return f.closeErr }

func TestClose_ReportsTapError(t *testing.T) {
	logger := New(Config{
		Quiet: true,
		Tap:   failingTap{closeErr: fmt.Errorf("broker gone")},
	})

	err := logger.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close tap")
}

func TestClose_Idempotent(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Dir: dir, Service: "syncd", Quiet: true})

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	var a, b bytes.Buffer
	f := fanout{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}
	logger := slog.New(f)

	logger.Info("both sides", "k", "v")

	assert.Contains(t, a.String(), "both sides")
	assert.Contains(t, b.String(), "both sides")
}

func TestFanout_RespectsPerSinkLevel(t *testing.T) {
	var quietSink, chattySink bytes.Buffer
	f := fanout{
		slog.NewJSONHandler(&quietSink, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewJSONHandler(&chattySink, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	logger := slog.New(f)

	logger.Info("routine")

	assert.Empty(t, quietSink.String())
	assert.Contains(t, chattySink.String(), "routine")
}

func TestMemoryTap_SnapshotIsolated(t *testing.T) {
	tap := NewMemoryTap()
	require.NoError(t, tap.Write(Entry{Message: "first"}))

	snap := tap.Entries()
	require.NoError(t, tap.Write(Entry{Message: "second"}))

	assert.Len(t, snap, 1)
	assert.Len(t, tap.Entries(), 2)
}

func TestLogger_ConcurrentUse(t *testing.T) {
	tap := NewMemoryTap()
	logger := New(Config{Quiet: true, Tap: tap})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", "n", n)
		}(i)
	}
	wg.Wait()

	assert.Len(t, tap.Entries(), 50)
}
