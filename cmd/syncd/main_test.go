// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvString(t *testing.T) {
	t.Setenv("TEST_SYNCD_STR", "value")
	assert.Equal(t, "value", getEnvString("TEST_SYNCD_STR", "fallback"))
	assert.Equal(t, "fallback", getEnvString("TEST_SYNCD_STR_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_SYNCD_INT", "42")
	assert.Equal(t, 42, getEnvInt("TEST_SYNCD_INT", 7))

	t.Setenv("TEST_SYNCD_INT_BAD", "not-a-number")
	assert.Equal(t, 7, getEnvInt("TEST_SYNCD_INT_BAD", 7))

	assert.Equal(t, 7, getEnvInt("TEST_SYNCD_INT_UNSET", 7))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_SYNCD_BOOL", "true")
	assert.True(t, getEnvBool("TEST_SYNCD_BOOL", false))

	t.Setenv("TEST_SYNCD_BOOL_BAD", "yep")
	assert.False(t, getEnvBool("TEST_SYNCD_BOOL_BAD", false))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_SYNCD_FLOAT", "2.5")
	assert.Equal(t, 2.5, getEnvFloat("TEST_SYNCD_FLOAT", 1.0))
	assert.Equal(t, 1.0, getEnvFloat("TEST_SYNCD_FLOAT_UNSET", 1.0))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_SYNCD_DUR", "45s")
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_SYNCD_DUR", time.Minute))

	t.Setenv("TEST_SYNCD_DUR_BAD", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_SYNCD_DUR_BAD", time.Minute))
}

func TestBuildLogger_Defaults(t *testing.T) {
	logger, err := buildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger.Slog())
	assert.NoError(t, logger.Close())
}

func TestBuildLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUILLSYNC_LOG_DIR", dir)
	t.Setenv("QUILLSYNC_LOG_LEVEL", "debug")

	logger, err := buildLogger()
	require.NoError(t, err)
	logger.Debug("starting up")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "starting up")
	assert.Contains(t, string(data), "syncd")
}

func TestBuildLogger_BadLevel(t *testing.T) {
	t.Setenv("QUILLSYNC_LOG_LEVEL", "loud")

	_, err := buildLogger()
	require.Error(t, err)
}

func TestBuildConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "port: 9000\nauthMode: hmac\njwtSecret: file-secret\nrateBurst: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	t.Setenv("QUILLSYNC_CONFIG", path)
	t.Setenv("QUILLSYNC_PORT", "9100")
	t.Setenv("QUILLSYNC_PONG_WAIT", "2m")
	t.Setenv("QUILLSYNC_MAX_MESSAGE_BYTES", "65536")

	cfg, err := buildConfig()
	require.NoError(t, err)

	// Env wins over file
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.PongWait)
	assert.Equal(t, int64(65536), cfg.MaxMessageBytes)
	// File values survive where env is unset
	assert.Equal(t, "hmac", cfg.AuthMode)
	assert.Equal(t, "file-secret", cfg.JWTSecret)
	assert.Equal(t, 5, cfg.RateBurst)
}

func TestBuildConfig_MissingFile(t *testing.T) {
	t.Setenv("QUILLSYNC_CONFIG", "/nonexistent/config.yaml")

	_, err := buildConfig()
	require.Error(t, err)
}
