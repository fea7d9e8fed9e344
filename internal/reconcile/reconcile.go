// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconcile merges streaming session output into conversations.
//
// A Binding is the stream.Listener for one session. It inserts an empty
// assistant placeholder when the session starts, rewrites its content as
// chunks arrive, and finalizes it on completion, failure or cancellation.
// Every write locates the placeholder by its local id, so its identity is
// the same before and after finalization; only content, sources and server
// id change. Placeholders are never deleted.
//
// # Usage
//
//	rec := reconcile.New(manager, i18n.New("fr"), logger)
//	userID, _, err := rec.InsertUserMessage(convID, text)
//	listener := rec.Bind(convID, userID)
package reconcile

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/comptax/comptax-cli/internal/i18n"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/stream"
)

// AnnotationSeparator sits between a partial answer and its interruption
// note.
const AnnotationSeparator = "\n\n"

// Store applies id-keyed mutations to a conversation. *chat.Manager
// implements it.
type Store interface {
	Mutate(id string, fn func(*model.Conversation) error) error
}

// Reconciler writes session output into conversations held by a Store.
type Reconciler struct {
	store  Store
	loc    *i18n.Localizer
	logger *slog.Logger
}

// New creates a reconciler. A nil localizer uses French.
func New(store Store, loc *i18n.Localizer, logger *slog.Logger) *Reconciler {
	if loc == nil {
		loc = i18n.New("")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Reconciler{store: store, loc: loc, logger: logger}
}

// InsertUserMessage appends the question unless the conversation's last
// message is a user message with identical content. It returns the id of
// the new or existing message. Only the last message is checked, so a
// question may legitimately be repeated later in a conversation.
func (r *Reconciler) InsertUserMessage(convID, text string) (id string, inserted bool, err error) {
	err = r.store.Mutate(convID, func(c *model.Conversation) error {
		if last, ok := c.LastMessage(); ok && last.Role == model.RoleUser && last.Content == text {
			id = last.ID
			return nil
		}
		msg := model.NewUserMessage(text)
		if err := c.Append(msg); err != nil {
			return err
		}
		id, inserted = msg.ID, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !inserted {
		r.logger.Debug("duplicate question skipped", "conversation", convID, "message", id)
	}
	return id, inserted, nil
}

// Annotate returns the text written into an interrupted placeholder:
// the partial answer plus the reason, or an apology when nothing arrived.
func (r *Reconciler) Annotate(partial string, cancelled bool) string {
	if strings.TrimSpace(partial) == "" {
		if cancelled {
			return r.loc.T(i18n.ApologyCancelled)
		}
		return r.loc.T(i18n.ApologyError)
	}
	note := r.loc.T(i18n.InterruptedByError)
	if cancelled {
		note = r.loc.T(i18n.InterruptedByUser)
	}
	return partial + AnnotationSeparator + note
}

// Bind returns the listener for a session answering the user message
// userMsgID in conversation convID.
func (r *Reconciler) Bind(convID, userMsgID string) *Binding {
	return &Binding{r: r, convID: convID, userMsgID: userMsgID}
}

// =============================================================================
// BINDING
// =============================================================================

// Binding implements stream.Listener for one session. The session
// serializes its calls.
type Binding struct {
	r         *Reconciler
	convID    string
	userMsgID string
}

var _ stream.Listener = (*Binding)(nil)

// OnSessionStart inserts the empty placeholder right after the question.
func (b *Binding) OnSessionStart(res stream.Result) {
	b.mutate(res, "insert placeholder", func(c *model.Conversation) error {
		if _, ok := c.Message(res.PlaceholderID); ok {
			return nil
		}
		return c.InsertAfter(b.userMsgID, model.NewAssistantPlaceholder(res.PlaceholderID))
	})
}

// OnProgress records server ids from the start frame.
func (b *Binding) OnProgress(res stream.Result) {
	if res.ServerUserMessageID == "" {
		return
	}
	b.mutate(res, "record question id", func(c *model.Conversation) error {
		return b.setUserServerID(c, res.ServerUserMessageID)
	})
}

// OnChunk shows the accumulated text. Ignored once finalized.
func (b *Binding) OnChunk(res stream.Result) {
	b.mutate(res, "update placeholder", func(c *model.Conversation) error {
		return c.Update(res.PlaceholderID, func(m *model.Message) {
			if m.Streaming {
				m.Content = res.Text
			}
		})
	})
}

// OnComplete writes the authoritative answer, its sources and server ids.
func (b *Binding) OnComplete(res stream.Result) {
	b.mutate(res, "finalize placeholder", func(c *model.Conversation) error {
		err := c.Update(res.PlaceholderID, func(m *model.Message) {
			m.Content = res.Text
			m.Sources = stream.ToModelSources(res.Sources)
			if res.ServerAssistantMessageID != "" {
				m.ServerID = res.ServerAssistantMessageID
			}
			if res.Performance != nil {
				m.Duration = res.Performance.Total()
			}
			m.Streaming = false
		})
		if err != nil {
			return err
		}
		if res.ServerUserMessageID != "" {
			if err := b.setUserServerID(c, res.ServerUserMessageID); err != nil {
				b.r.logger.Debug("question no longer present", "conversation", b.convID, "error", err)
			}
		}
		if res.ServerConversationID != "" {
			c.MarkSynced(res.ServerConversationID)
		}
		return nil
	})
}

// OnFailure keeps the partial answer with an error note.
func (b *Binding) OnFailure(res stream.Result) {
	b.interrupt(res, false)
}

// OnCancel keeps the partial answer with a cancellation note.
func (b *Binding) OnCancel(res stream.Result) {
	b.interrupt(res, true)
}

func (b *Binding) interrupt(res stream.Result, cancelled bool) {
	text := b.r.Annotate(res.Text, cancelled)
	b.mutate(res, "interrupt placeholder", func(c *model.Conversation) error {
		err := c.Update(res.PlaceholderID, func(m *model.Message) {
			m.Content = text
			m.Streaming = false
		})
		if errors.Is(err, model.ErrMessageNotFound) {
			// Cancelled before the placeholder was inserted.
			ph := model.NewAssistantPlaceholder(res.PlaceholderID)
			ph.Content = text
			ph.Streaming = false
			return c.InsertAfter(b.userMsgID, ph)
		}
		return err
	})
}

func (b *Binding) setUserServerID(c *model.Conversation, serverID string) error {
	return c.Update(b.userMsgID, func(m *model.Message) {
		if m.ServerID == "" {
			m.ServerID = serverID
		}
	})
}

func (b *Binding) mutate(res stream.Result, op string, fn func(*model.Conversation) error) {
	if err := b.r.store.Mutate(b.convID, fn); err != nil {
		// The conversation may have been deleted while streaming.
		b.r.logger.Warn("reconcile failed", "op", op, "conversation", b.convID,
			"session", res.SessionID, "placeholder", res.PlaceholderID, "error", err)
	}
}
