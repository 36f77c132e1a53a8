// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillside/QuillSync/pkg/client"
	"github.com/quillside/QuillSync/services/sync/datatypes"
)

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:12230", "ws://localhost:12230/v1/sync/ws"},
		{"https://sync.example.com", "wss://sync.example.com/v1/sync/ws"},
		{"http://localhost:12230/", "ws://localhost:12230/v1/sync/ws"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, deriveWSURL(tt.base))
	}
}

func newWatchFixture() watchModel {
	return newWatchModel("doc-1", client.DocumentView{
		DocumentID:   "doc-1",
		Content:      "hello",
		Version:      1,
		Participants: []string{"alice"},
	})
}

func update(t *testing.T, m watchModel, msg tea.Msg) watchModel {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(watchModel)
	require.True(t, ok)
	return out
}

func TestWatchModel_InitialState(t *testing.T) {
	m := newWatchFixture()

	assert.Equal(t, "hello", m.content)
	assert.Equal(t, int64(1), m.version)
	assert.True(t, m.participants["alice"])

	view := m.View()
	assert.Contains(t, view, "doc-1")
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "hello")
}

func TestWatchModel_JoinAndLeave(t *testing.T) {
	m := newWatchFixture()

	m = update(t, m, joinedMsg{ev: datatypes.NewUserJoined("doc-1", "bob")})
	assert.True(t, m.participants["bob"])
	assert.Contains(t, m.View(), "bob joined")

	m = update(t, m, leftMsg{ev: datatypes.NewUserLeft("doc-1", "bob")})
	assert.False(t, m.participants["bob"])
}

func TestWatchModel_ChangeAppliesSplice(t *testing.T) {
	m := newWatchFixture()

	m = update(t, m, changeMsg{ev: datatypes.NewDocumentChange("doc-1", "bob",
		datatypes.ChangeRange{Start: 5, End: 5, Text: " world"}, 2)})

	assert.Equal(t, "hello world", m.content)
	assert.Equal(t, int64(2), m.version)
}

func TestWatchModel_ConflictAdoptsFullContent(t *testing.T) {
	m := newWatchFixture()

	m = update(t, m, conflictMsg{ev: datatypes.NewConflictDetected("doc-1", "bob",
		"merged result", 3, datatypes.ConflictDescriptor{
			Type: datatypes.ConflictTypeVersionMismatch,
		})})

	assert.Equal(t, "merged result", m.content)
	assert.Equal(t, int64(3), m.version)
	assert.Contains(t, m.View(), "merge")
}

func TestWatchModel_CursorAndTyping(t *testing.T) {
	m := newWatchFixture()

	m = update(t, m, cursorMsg{ev: datatypes.NewCursorPosition("doc-1", "alice", 4)})
	m = update(t, m, typingMsg{ev: datatypes.NewUserTyping("doc-1", "alice", true)})

	assert.Equal(t, 4, m.cursors["alice"])
	assert.True(t, m.typing["alice"])
	assert.Contains(t, m.View(), "typing")
}

func TestWatchModel_DiagnosticInActivity(t *testing.T) {
	m := newWatchFixture()

	m = update(t, m, diagnosticMsg{line: "send queue near capacity"})

	require.Len(t, m.activity, 1)
	assert.Equal(t, "send queue near capacity", m.activity[0])
}

func TestWatchModel_ActivityTailBounded(t *testing.T) {
	m := newWatchFixture()

	for i := 0; i < activityLines+4; i++ {
		m = update(t, m, joinedMsg{ev: datatypes.NewUserJoined("doc-1", "user")})
	}
	assert.Len(t, m.activity, activityLines)
}

func TestWatchModel_QuitKeys(t *testing.T) {
	m := newWatchFixture()

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Empty(t, next.(watchModel).View())
}

func TestWatchModel_DroppedConnectionQuits(t *testing.T) {
	m := newWatchFixture()

	next, cmd := m.Update(droppedMsg{err: errors.New("gone")})
	require.NotNil(t, cmd)
	assert.Contains(t, next.(watchModel).View(), "connection lost")
}

func TestApplyChange_Clamping(t *testing.T) {
	assert.Equal(t, "abX", applyChange("ab", datatypes.ChangeRange{Start: 5, End: 9, Text: "X"}))
	assert.Equal(t, "Xab", applyChange("ab", datatypes.ChangeRange{Start: -1, End: 0, Text: "X"}))
}
