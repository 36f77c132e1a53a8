// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChange(t *testing.T) {
	tests := []struct {
		name    string
		oldText string
		newText string
	}{
		{"append", "hello", "hello world"},
		{"prepend", "world", "hello world"},
		{"insert middle", "helo", "hello"},
		{"delete middle", "hello world", "held"},
		{"delete all", "hello", ""},
		{"create from empty", "", "hello"},
		{"replace middle", "the quick fox", "the slow fox"},
		{"full rewrite", "abc", "xyz"},
		{"repeated text", "aaaa", "aaaaaa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, ok := computeChange(tt.oldText, tt.newText)
			require.True(t, ok)

			// The splice must be valid and reproduce the new text
			assert.GreaterOrEqual(t, change.Start, 0)
			assert.GreaterOrEqual(t, change.End, change.Start)
			assert.LessOrEqual(t, change.End, len(tt.oldText))
			assert.Equal(t, tt.newText, applyChange(tt.oldText, change))
		})
	}
}

func TestComputeChange_NoChange(t *testing.T) {
	_, ok := computeChange("same", "same")
	assert.False(t, ok)

	_, ok = computeChange("", "")
	assert.False(t, ok)
}

func TestComputeChange_MinimalRange(t *testing.T) {
	change, ok := computeChange("hello world", "hello brave world")
	require.True(t, ok)

	// Only the inserted span is transmitted
	assert.Equal(t, 6, change.Start)
	assert.Equal(t, 6, change.End)
	assert.Equal(t, "brave ", change.Text)
}
