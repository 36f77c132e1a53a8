// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/quillside/QuillSync/pkg/client"
	"github.com/quillside/QuillSync/services/sync/datatypes"
)

// saveDebounce coalesces editor write bursts into one push. Editors
// commonly truncate then write, emitting several events per save.
const saveDebounce = 150 * time.Millisecond

// remoteEdit is one server-side update folded into the local file.
type remoteEdit struct {
	userID  string
	change  *datatypes.ChangeRange
	content string
	version int64
	full    bool
}

func runSync(cmd *cobra.Command, args []string) {
	if userID == "" || authToken == "" {
		fail("sync requires --user and --token (or QUILLSYNC_USER / QUILLSYNC_TOKEN)")
	}
	documentID := args[0]

	path, err := filepath.Abs(args[1])
	if err != nil {
		fail("resolving %s: %v", args[1], err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote := make(chan remoteEdit, 64)
	closed := make(chan error, 1)
	handlers := client.Handlers{
		OnDocumentChange: func(ev datatypes.DocumentChangeEvent) {
			change := ev.Change
			remote <- remoteEdit{userID: ev.UserID, change: &change, version: ev.Version}
		},
		OnConflict: func(ev datatypes.ConflictDetectedEvent) {
			remote <- remoteEdit{userID: ev.UserID, content: ev.Content, version: ev.Version, full: true}
		},
		OnClose: func(err error) { closed <- err },
	}

	logger := newClientLogger(nil)
	defer logger.Close()

	c, err := client.Dial(ctx, client.Options{
		URL:      deriveWSURL(serverURL),
		Handlers: handlers,
		Logger:   logger,
	})
	if err != nil {
		fail("connecting: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate(ctx, userID, authToken); err != nil {
		fail("authenticating: %v", err)
	}
	view, err := c.Join(ctx, documentID)
	if err != nil {
		fail("joining %s: %v", documentID, err)
	}

	// content and version track the last state both sides agree on.
	content := view.Content
	version := view.Version

	local, _ := os.ReadFile(path)
	switch {
	case view.Content == "" && len(local) > 0:
		// Fresh document, existing file: seed the session from disk.
		if change, ok := computeChange(content, string(local)); ok {
			if err := c.SendChange(documentID, change, version); err != nil {
				fail("pushing initial content: %v", err)
			}
			content = string(local)
			version++
			fmt.Println(styled(styles.Success,
				fmt.Sprintf("seeded %s from %s", documentID, args[1])))
		}
	default:
		// Otherwise the shared document is the source of truth.
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			fail("writing %s: %v", args[1], err)
		}
		fmt.Println(styled(styles.Success,
			fmt.Sprintf("wrote %s at v%d", args[1], version)))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fail("starting file watcher: %v", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which would
	// silently detach a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		fail("watching %s: %v", filepath.Dir(path), err)
	}

	fmt.Println(styled(styles.Muted, "syncing, ctrl-c to stop"))

	debounce := time.NewTimer(saveDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println(styled(styles.Muted, "\nstopping"))
			return

		case err := <-closed:
			if err != nil {
				fail("connection lost: %v", err)
			}
			return

		case err := <-watcher.Errors:
			fmt.Fprintln(os.Stderr, styled(styles.Warning,
				fmt.Sprintf("watcher error: %v", err)))

		case ev := <-watcher.Events:
			if ev.Name != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(saveDebounce)

		case <-debounce.C:
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, styled(styles.Warning,
					fmt.Sprintf("reading %s: %v", args[1], err)))
				continue
			}
			change, ok := computeChange(content, string(data))
			if !ok {
				continue
			}
			if err := c.SendChange(documentID, change, version); err != nil {
				fail("pushing edit: %v", err)
			}
			// Optimistic: a stale base comes back as a conflict
			// broadcast carrying the authoritative state.
			content = string(data)
			version++
			fmt.Println(styled(styles.Success, fmt.Sprintf("pushed edit (v%d)", version)))

		case edit := <-remote:
			if edit.full {
				content = edit.content
				fmt.Println(styled(styles.Warning,
					fmt.Sprintf("merge with %s resolved (v%d)", edit.userID, edit.version)))
			} else {
				content = applyChange(content, *edit.change)
				fmt.Println(styled(styles.Muted,
					fmt.Sprintf("remote edit from %s (v%d)", edit.userID, edit.version)))
			}
			version = edit.version
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				fail("writing %s: %v", args[1], err)
			}
		}
	}
}
