// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator turns a submitted question into a running stream
// session bound to a conversation.
//
// Submitting validates the text, picks or creates the conversation, cancels
// any session still running for it, inserts the user message, builds the
// stream URL and starts a new session whose events are reconciled into the
// conversation.
//
// # Key Types
//
//   - Orchestrator: owns the live sessions, at most one per conversation
//   - Query: a question plus optional retrieval overrides
//   - Handle: the caller's view of one submitted query
//
// # Usage
//
//	orch := orchestrator.New(orchestrator.Options{
//	    Manager:    mgr,
//	    Reconciler: rec,
//	    Transport:  tr,
//	    Tokens:     tokens,
//	    BaseURL:    cfg.API.BaseURL,
//	})
//	h, err := orch.Submit(ctx, "Qu'est-ce qu'un bilan ?", "")
//	if err != nil {
//	    return err
//	}
//	res, err := h.Wait(ctx)
package orchestrator
