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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillside/QuillSync/pkg/client"
)

// adminTimeout bounds each admin API call.
const adminTimeout = 15 * time.Second

// newAdminClient builds the REST client from the global flags.
func newAdminClient() *client.Admin {
	if userID == "" || authToken == "" {
		fail("admin commands require --user and --token (or QUILLSYNC_USER / QUILLSYNC_TOKEN)")
	}
	return client.NewAdmin(serverURL, userID, authToken)
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

func runSessionsList(cmd *cobra.Command, args []string) {
	ctx, cancel := adminContext()
	defer cancel()

	sessions, err := newAdminClient().ListSessions(ctx)
	if err != nil {
		fail("listing sessions: %v", err)
	}

	if jsonOutput {
		_ = outputJSON(sessions)
		return
	}

	if len(sessions) == 0 {
		fmt.Println(styled(styles.Muted, "no active sessions"))
		return
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.DocumentID,
			strconv.FormatInt(s.Version, 10),
			strings.Join(s.Participants, ", "),
			humanAge(s.LastModified),
		})
	}
	renderTable([]string{"DOCUMENT", "VERSION", "PARTICIPANTS", "MODIFIED"}, rows)
}

func runSessionsGet(cmd *cobra.Command, args []string) {
	ctx, cancel := adminContext()
	defer cancel()

	detail, err := newAdminClient().GetSession(ctx, args[0])
	if err != nil {
		if client.IsNotFound(err) {
			fail("no active session for document %q", args[0])
		}
		fail("fetching session: %v", err)
	}

	if jsonOutput {
		_ = outputJSON(detail)
		return
	}

	fmt.Println(styled(styles.Title, detail.DocumentID))
	fmt.Printf("%s %d\n", styled(styles.Header, "version:"), detail.Version)
	fmt.Printf("%s %s\n", styled(styles.Header, "participants:"),
		strings.Join(detail.Participants, ", "))
	fmt.Println(styled(styles.Header, "content:"))
	fmt.Println(detail.Content)
}

func runConnectionsList(cmd *cobra.Command, args []string) {
	ctx, cancel := adminContext()
	defer cancel()

	conns, err := newAdminClient().ListConnections(ctx)
	if err != nil {
		fail("listing connections: %v", err)
	}

	if jsonOutput {
		_ = outputJSON(conns)
		return
	}

	if len(conns) == 0 {
		fmt.Println(styled(styles.Muted, "no connections"))
		return
	}

	rows := make([][]string, 0, len(conns))
	for _, c := range conns {
		user := c.UserID
		if !c.Authenticated {
			user = styled(styles.Muted, "(unauthenticated)")
		}
		rows = append(rows, []string{
			c.ID,
			user,
			c.DocumentID,
			humanAge(c.LastActivity),
		})
	}
	renderTable([]string{"CONNECTION", "USER", "DOCUMENT", "ACTIVE"}, rows)
}

func runConnectionsKick(cmd *cobra.Command, args []string) {
	ctx, cancel := adminContext()
	defer cancel()

	if err := newAdminClient().KickConnection(ctx, args[0]); err != nil {
		if client.IsNotFound(err) {
			fail("no connection %q", args[0])
		}
		fail("kicking connection: %v", err)
	}
	fmt.Println(styled(styles.Success, "disconnected "+args[0]))
}

func runPresenceGet(cmd *cobra.Command, args []string) {
	ctx, cancel := adminContext()
	defer cancel()

	rec, err := newAdminClient().GetPresence(ctx, args[0])
	if err != nil {
		if client.IsNotFound(err) {
			fail("no presence record for user %q", args[0])
		}
		fail("fetching presence: %v", err)
	}

	if jsonOutput {
		_ = outputJSON(rec)
		return
	}

	fmt.Println(styled(styles.User, rec.UserID))
	fmt.Printf("%s %s\n", styled(styles.Header, "document:"), rec.DocumentID)
	if rec.Cursor != nil {
		fmt.Printf("%s %d\n", styled(styles.Header, "cursor:"), *rec.Cursor)
	}
	fmt.Printf("%s %s\n", styled(styles.Header, "active:"), humanAge(rec.LastActivity))
}
