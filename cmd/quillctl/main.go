// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command quillctl is the operator and collaborator CLI for QuillSync.
//
// It covers three jobs:
//
//   - Administration: list sessions and connections, inspect presence,
//     kick misbehaving connections (sessions, connections, presence).
//   - Observation: a live terminal view of a document session (watch).
//   - Collaboration: two-way sync between a local file and a document
//     session (sync).
//
// The server address and credentials come from flags or from the
// QUILLSYNC_SERVER, QUILLSYNC_USER, and QUILLSYNC_TOKEN environment
// variables. Setting QUILLSYNC_LOG_DIR writes client diagnostics for
// the watch and sync commands to a dated JSON log file.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillside/QuillSync/pkg/logging"
)

// newClientLogger builds the logger handed to the protocol client.
// Stderr stays quiet (watch owns the terminal, sync prints its own
// status lines); diagnostics go to QUILLSYNC_LOG_DIR when set, and to
// the tap when one is given.
func newClientLogger(tap logging.Tap) *logging.Logger {
	return logging.New(logging.Config{
		Dir:     os.Getenv("QUILLSYNC_LOG_DIR"),
		Service: "quillctl",
		Quiet:   true,
		Tap:     tap,
	})
}

// --- Global Command Variables ---
var (
	serverURL  string
	userID     string
	authToken  string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "quillctl",
		Short: "A cli to operate and observe QuillSync collaboration servers",
		Long: `Quillctl manages a running QuillSync service: inspect live
document sessions, watch collaboration in real time, and sync a
local file into a shared document.`,
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect active document sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List all active document sessions",
		Run:   runSessionsList, // Defined in cmd_admin.go
	}
	sessionsGetCmd = &cobra.Command{
		Use:   "get [documentId]",
		Short: "Show one document session including its content",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsGet,
	}

	connectionsCmd = &cobra.Command{
		Use:   "connections",
		Short: "Inspect and manage live connections",
	}
	connectionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List all registered connections",
		Run:   runConnectionsList,
	}
	connectionsKickCmd = &cobra.Command{
		Use:   "kick [connectionId]",
		Short: "Force-disconnect one connection",
		Args:  cobra.ExactArgs(1),
		Run:   runConnectionsKick,
	}

	presenceCmd = &cobra.Command{
		Use:   "presence [userId]",
		Short: "Show one user's presence record",
		Args:  cobra.ExactArgs(1),
		Run:   runPresenceGet,
	}

	watchCmd = &cobra.Command{
		Use:   "watch [documentId]",
		Short: "Watch a document session live in the terminal",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch, // Defined in cmd_watch.go
	}

	syncCmd = &cobra.Command{
		Use:   "sync [documentId] [file]",
		Short: "Sync a local file with a shared document",
		Long: `Sync joins the document session and keeps the local file and the
shared document in step: local saves are pushed as edits, and remote
edits are written back to the file.`,
		Args: cobra.ExactArgs(2),
		Run:  runSync, // Defined in cmd_sync.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("QUILLSYNC_SERVER", "http://localhost:12230"),
		"QuillSync server base URL")
	rootCmd.PersistentFlags().StringVar(&userID, "user",
		envOr("QUILLSYNC_USER", ""),
		"User id for authentication")
	rootCmd.PersistentFlags().StringVar(&authToken, "token",
		envOr("QUILLSYNC_TOKEN", ""),
		"Bearer token for authentication")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output machine-readable JSON instead of tables")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd)
	connectionsCmd.AddCommand(connectionsListCmd, connectionsKickCmd)
	rootCmd.AddCommand(sessionsCmd, connectionsCmd, presenceCmd, watchCmd, syncCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
