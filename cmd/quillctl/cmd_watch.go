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
	"log/slog"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/quillside/QuillSync/pkg/client"
	"github.com/quillside/QuillSync/pkg/logging"
	"github.com/quillside/QuillSync/services/sync/datatypes"
)

// deriveWSURL maps the HTTP base URL to the websocket endpoint.
func deriveWSURL(base string) string {
	ws := base
	if strings.HasPrefix(ws, "https://") {
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	} else if strings.HasPrefix(ws, "http://") {
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/v1/sync/ws"
}

// =============================================================================
// Messages
// =============================================================================

type changeMsg struct{ ev datatypes.DocumentChangeEvent }
type conflictMsg struct{ ev datatypes.ConflictDetectedEvent }
type joinedMsg struct{ ev datatypes.UserJoinedEvent }
type leftMsg struct{ ev datatypes.UserLeftEvent }
type cursorMsg struct{ ev datatypes.CursorPositionEvent }
type typingMsg struct{ ev datatypes.UserTypingEvent }
type droppedMsg struct{ err error }

// diagnosticMsg carries a client log record into the activity pane.
type diagnosticMsg struct{ line string }

// =============================================================================
// Model
// =============================================================================

const activityLines = 6

// watchModel is the live session view.
//
// State is only mutated inside Update, per the bubbletea contract.
type watchModel struct {
	documentID string
	content    string
	version    int64

	participants map[string]bool
	cursors      map[string]int
	typing       map[string]bool

	activity []string
	dropped  error
	quitting bool
}

func newWatchModel(documentID string, view client.DocumentView) watchModel {
	m := watchModel{
		documentID:   documentID,
		content:      view.Content,
		version:      view.Version,
		participants: make(map[string]bool),
		cursors:      make(map[string]int),
		typing:       make(map[string]bool),
	}
	for _, p := range view.Participants {
		m.participants[p] = true
	}
	return m
}

func (m watchModel) Init() tea.Cmd {
	return nil
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case changeMsg:
		m.content = applyChange(m.content, msg.ev.Change)
		m.version = msg.ev.Version
		m.note(fmt.Sprintf("%s edited (v%d)", msg.ev.UserID, msg.ev.Version))

	case conflictMsg:
		m.content = msg.ev.Content
		m.version = msg.ev.Version
		m.note(fmt.Sprintf("conflict from %s resolved by merge (v%d)",
			msg.ev.UserID, msg.ev.Version))

	case joinedMsg:
		m.participants[msg.ev.UserID] = true
		m.note(msg.ev.UserID + " joined")

	case leftMsg:
		delete(m.participants, msg.ev.UserID)
		delete(m.cursors, msg.ev.UserID)
		delete(m.typing, msg.ev.UserID)
		m.note(msg.ev.UserID + " left")

	case cursorMsg:
		m.cursors[msg.ev.UserID] = msg.ev.Position

	case typingMsg:
		m.typing[msg.ev.UserID] = msg.ev.IsTyping

	case diagnosticMsg:
		m.note(msg.line)

	case droppedMsg:
		m.dropped = msg.err
		return m, tea.Quit
	}
	return m, nil
}

// note appends one activity line, keeping the tail.
func (m *watchModel) note(line string) {
	m.activity = append(m.activity, line)
	if len(m.activity) > activityLines {
		m.activity = m.activity[len(m.activity)-activityLines:]
	}
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(styled(styles.Title, m.documentID))
	b.WriteString(styled(styles.Muted, fmt.Sprintf("  v%d\n\n", m.version)))

	names := make([]string, 0, len(m.participants))
	for name := range m.participants {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString(styled(styles.Header, "participants") + "\n")
	for _, name := range names {
		line := "  " + styled(styles.User, name)
		if pos, ok := m.cursors[name]; ok {
			line += styled(styles.Muted, fmt.Sprintf(" @%d", pos))
		}
		if m.typing[name] {
			line += styled(styles.Warning, " typing...")
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + styled(styles.Header, "content") + "\n")
	b.WriteString(m.content + "\n")

	if len(m.activity) > 0 {
		b.WriteString("\n" + styled(styles.Header, "activity") + "\n")
		for _, line := range m.activity {
			b.WriteString(styled(styles.Muted, "  "+line) + "\n")
		}
	}

	if m.dropped != nil {
		b.WriteString("\n" + styled(styles.Error,
			fmt.Sprintf("connection lost: %v", m.dropped)) + "\n")
	}

	b.WriteString("\n" + styled(styles.Muted, "q to quit") + "\n")
	return b.String()
}

// =============================================================================
// Command
// =============================================================================

func runWatch(cmd *cobra.Command, args []string) {
	if userID == "" || authToken == "" {
		fail("watch requires --user and --token (or QUILLSYNC_USER / QUILLSYNC_TOKEN)")
	}
	documentID := args[0]
	ctx := context.Background()

	// Events can arrive before the program exists; relay through a
	// buffered channel and forward once it is running.
	events := make(chan tea.Msg, 64)
	handlers := client.Handlers{
		OnUserJoined:     func(ev datatypes.UserJoinedEvent) { events <- joinedMsg{ev} },
		OnUserLeft:       func(ev datatypes.UserLeftEvent) { events <- leftMsg{ev} },
		OnDocumentChange: func(ev datatypes.DocumentChangeEvent) { events <- changeMsg{ev} },
		OnConflict:       func(ev datatypes.ConflictDetectedEvent) { events <- conflictMsg{ev} },
		OnCursor:         func(ev datatypes.CursorPositionEvent) { events <- cursorMsg{ev} },
		OnTyping:         func(ev datatypes.UserTypingEvent) { events <- typingMsg{ev} },
		OnClose:          func(err error) { events <- droppedMsg{err} },
	}

	// Client warnings surface in the activity pane; the TUI owns the
	// terminal, so they must not hit stderr.
	logger := newClientLogger(logging.TapFunc(func(e logging.Entry) error {
		if e.Level < slog.LevelWarn {
			return nil
		}
		select {
		case events <- diagnosticMsg{line: e.Message}:
		default:
		}
		return nil
	}))
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

	p := tea.NewProgram(newWatchModel(documentID, view))
	go func() {
		for msg := range events {
			p.Send(msg)
		}
	}()

	if _, err := p.Run(); err != nil {
		fail("terminal error: %v", err)
	}
}
