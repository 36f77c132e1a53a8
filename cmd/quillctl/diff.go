// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import "github.com/quillside/QuillSync/services/sync/datatypes"

// computeChange derives the minimal single-range edit turning oldText
// into newText.
//
// # Description
//
// Strips the longest common prefix and suffix and expresses whatever
// remains as one positional splice. A save that rewrites the whole
// file still produces one valid (if large) change, which is all the
// positional protocol needs.
//
// # Outputs
//
//   - datatypes.ChangeRange: The splice to submit
//   - bool: False when the texts are identical (nothing to send)
func computeChange(oldText, newText string) (datatypes.ChangeRange, bool) {
	if oldText == newText {
		return datatypes.ChangeRange{}, false
	}

	prefix := 0
	max := len(oldText)
	if len(newText) < max {
		max = len(newText)
	}
	for prefix < max && oldText[prefix] == newText[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < max-prefix &&
		oldText[len(oldText)-1-suffix] == newText[len(newText)-1-suffix] {
		suffix++
	}

	return datatypes.ChangeRange{
		Start: prefix,
		End:   len(oldText) - suffix,
		Text:  newText[prefix : len(newText)-suffix],
	}, true
}

// applyChange replays a splice the way the server does, clamping
// out-of-range offsets.
func applyChange(content string, c datatypes.ChangeRange) string {
	start, end := c.Start, c.End
	if start < 0 {
		start = 0
	}
	if start > len(content) {
		start = len(content)
	}
	if end < start {
		end = start
	}
	if end > len(content) {
		end = len(content)
	}
	return content[:start] + c.Text + content[end:]
}
