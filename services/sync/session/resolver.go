// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"github.com/quillside/QuillSync/services/sync/datatypes"
)

// Conflict markers bracketing the losing edit when a version-gated merge
// falls back to concatenation.
const (
	conflictMarkerStart = "\n<<<<<<< CONFLICT\n"
	conflictMarkerEnd   = "\n>>>>>>> CONFLICT\n"
)

// Outcome is the ephemeral result of resolving one incoming change.
type Outcome struct {
	// HasConflict is true when the change was merged rather than
	// applied directly.
	HasConflict bool

	// ResolvedContent is the new session content either way.
	ResolvedContent string

	// Conflict describes the version mismatch; nil on direct apply.
	Conflict *datatypes.ConflictDescriptor
}

// Resolve decides whether an incoming change applies directly or must
// be merged against newer content.
//
// # Description
//
// The version gate is the whole algorithm: a change based on the
// current version splices cleanly; anything else is a genuine conflict.
// The merge policy is deliberately simple and lossy: the incoming text
// is concatenated after the existing content inside explicit conflict
// markers. Both edits are guaranteed present in the result (no silent
// data loss) but the merge is not semantically structured; it is a
// placeholder for a future OT/CRDT strategy operating behind the same
// version-gate contract.
//
// # Inputs
//
//   - currentContent: Authoritative session content.
//   - change: The incoming range-replace.
//   - currentVersion: The session's version counter.
//   - incomingBaseVersion: The version the client edited against.
//
// # Outputs
//
//   - Outcome: Resolved content, conflict flag, and descriptor.
func Resolve(currentContent string, change datatypes.ChangeRange, currentVersion, incomingBaseVersion int64) Outcome {
	if incomingBaseVersion == currentVersion {
		return Outcome{ResolvedContent: spliceRange(currentContent, change)}
	}
	return Outcome{
		HasConflict:     true,
		ResolvedContent: currentContent + conflictMarkerStart + change.Text + conflictMarkerEnd,
		Conflict: &datatypes.ConflictDescriptor{
			Type:                datatypes.ConflictTypeVersionMismatch,
			CurrentVersion:      currentVersion,
			IncomingBaseVersion: incomingBaseVersion,
		},
	}
}

// spliceRange replaces the byte range [Start, End) with the change
// text. Bounds are clamped to the content length: a range past the end
// (a client splicing against content it mismeasured) degrades to an
// append rather than a panic.
func spliceRange(content string, change datatypes.ChangeRange) string {
	start := change.Start
	end := change.End
	if start > len(content) {
		start = len(content)
	}
	if end > len(content) {
		end = len(content)
	}
	if end < start {
		end = start
	}
	return content[:start] + change.Text + content[end:]
}
