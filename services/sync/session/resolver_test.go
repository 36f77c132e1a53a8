// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"testing"

	"github.com/quillside/QuillSync/services/sync/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_DirectApplyInsert(t *testing.T) {
	outcome := Resolve("", datatypes.ChangeRange{Start: 0, End: 0, Text: "hi"}, 0, 0)
	assert.False(t, outcome.HasConflict)
	assert.Equal(t, "hi", outcome.ResolvedContent)
	assert.Nil(t, outcome.Conflict)
}

func TestResolve_DirectApplyReplace(t *testing.T) {
	outcome := Resolve("hello world", datatypes.ChangeRange{Start: 6, End: 11, Text: "there"}, 4, 4)
	assert.False(t, outcome.HasConflict)
	assert.Equal(t, "hello there", outcome.ResolvedContent)
}

func TestResolve_DirectApplyDelete(t *testing.T) {
	outcome := Resolve("hello world", datatypes.ChangeRange{Start: 5, End: 11, Text: ""}, 2, 2)
	assert.False(t, outcome.HasConflict)
	assert.Equal(t, "hello", outcome.ResolvedContent)
}

func TestResolve_RangePastEndDegradesToAppend(t *testing.T) {
	outcome := Resolve("abc", datatypes.ChangeRange{Start: 10, End: 20, Text: "xyz"}, 1, 1)
	assert.False(t, outcome.HasConflict)
	assert.Equal(t, "abcxyz", outcome.ResolvedContent)
}

func TestResolve_VersionMismatchMerges(t *testing.T) {
	outcome := Resolve("current text", datatypes.ChangeRange{Start: 0, End: 0, Text: "stale edit"}, 5, 3)
	assert.True(t, outcome.HasConflict)

	// No silent data loss: both texts survive the merge.
	assert.Contains(t, outcome.ResolvedContent, "current text")
	assert.Contains(t, outcome.ResolvedContent, "stale edit")
	assert.Contains(t, outcome.ResolvedContent, conflictMarkerStart)
	assert.Contains(t, outcome.ResolvedContent, conflictMarkerEnd)

	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, datatypes.ConflictTypeVersionMismatch, outcome.Conflict.Type)
	assert.Equal(t, int64(5), outcome.Conflict.CurrentVersion)
	assert.Equal(t, int64(3), outcome.Conflict.IncomingBaseVersion)
}

func TestResolve_StaleChangeRangeIsIgnoredInMerge(t *testing.T) {
	// The merge policy concatenates; the stale positional range is
	// meaningless against newer content and must not be applied.
	outcome := Resolve("abcdef", datatypes.ChangeRange{Start: 1, End: 3, Text: "ZZ"}, 9, 2)
	assert.True(t, outcome.HasConflict)
	assert.Contains(t, outcome.ResolvedContent, "abcdef")
	assert.Contains(t, outcome.ResolvedContent, "ZZ")
}
