// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the per-query session state machine.
//
//	idle -> connecting -> streaming -> complete | failed | cancelled
//
// A Session is driven by frames from a transport.Transport. Chunk frames
// append to the accumulated text for live display; the complete frame's
// answer replaces it, since the server's final answer is authoritative.
// On failure or cancellation the partial text is kept and handed to the
// Listener so it can be shown with an annotation instead of discarded.
//
// # Key Types
//
//   - Session: one in-flight query, owned by the orchestrator
//   - Listener: transition callbacks (the conversation reconciler)
//   - Result: a snapshot passed to listeners and returned by Wait
//   - StartEvent, ProgressEvent, ChunkEvent, CompleteEvent, ErrorEvent:
//     decoded frame payloads
//
// # Usage
//
//	s := stream.New(stream.Options{
//	    ConversationID: convID,
//	    Transport:      tr,
//	    Request:        transport.Request{URL: u, Token: token},
//	    Listener:       listener,
//	})
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	res, _ := s.Wait(ctx)
//
// Cancellation is not an error: a cancelled session ends in Cancelled with
// a nil Err.
package stream
