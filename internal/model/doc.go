// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// # Key Types
//
//   - Conversation: ordered messages plus title, timestamps and sync state
//   - Message: one message with a stable local id and an optional server id
//   - Source: a retrieved document attached to a finalized assistant answer
//   - Feedback: a rating and optional comment on an assistant answer
//
// Messages live in an id-keyed arena. Every mutation locates its target by
// local id (Update, InsertAfter, Remove), never by position, so a rename or
// delete elsewhere in the conversation cannot redirect a write aimed at a
// streaming placeholder.
//
// # Usage
//
//	conv := model.NewConversation("")
//	user := model.NewUserMessage("Qu'est-ce qu'un bilan ?")
//	_ = conv.Append(user)
//	placeholder := model.NewAssistantPlaceholder("")
//	_ = conv.InsertAfter(user.ID, placeholder)
//	conv.Update(placeholder.ID, func(m *model.Message) {
//	    m.Content = "Le bilan est..."
//	})
package model
