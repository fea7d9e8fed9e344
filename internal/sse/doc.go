// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes Server-Sent Events streams into discrete frames.
//
// Network reads never line up with frame boundaries, so the Parser keeps a
// line buffer across Feed calls and only emits a frame once its terminating
// blank line has been seen (or the input ends).
//
// # Frame Rules
//
//   - "event:" sets the pending frame's type
//   - "data:" sets its payload (the prefix and one following space are stripped)
//   - a blank line terminates the frame
//   - a frame without a data line is never emitted
//   - a data line without an event line reuses the last seen event type
//   - all other lines (comments, id:, retry:) are ignored
//
// # Usage
//
//	p := sse.NewParser()
//	for _, f := range p.Feed(chunk) {
//	    handle(f)
//	}
//	for _, f := range p.Close() {
//	    handle(f)
//	}
//
// Payloads are JSON; DecodeJSON reports a parse failure as a
// *MalformedFrameError which callers log and skip without aborting the
// stream.
package sse
