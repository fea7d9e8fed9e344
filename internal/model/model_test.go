// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_TitleDerivedFromFirstUserMessage(t *testing.T) {
	conv := NewConversation("")
	require.NoError(t, conv.Append(NewUserMessage("Comment fonctionne l'amortissement dégressif ?")))
	assert.Equal(t, "Comment fonctionne l'amortissement...", conv.Title)

	require.NoError(t, conv.Append(NewUserMessage("Et le linéaire ?")))
	assert.Equal(t, "Comment fonctionne l'amortissement...", conv.Title, "title is derived only once")
}

func TestConversation_RenameLocksTitle(t *testing.T) {
	conv := NewConversation("")
	conv.Rename("  Amortissements  ")
	require.NoError(t, conv.Append(NewUserMessage("Qu'est-ce qu'un bilan ?")))
	assert.Equal(t, "Amortissements", conv.Title)
	assert.True(t, conv.TitleLocked)

	empty := NewConversation("")
	assert.Equal(t, DefaultTitle, empty.DisplayTitle())
}

func TestConversation_InsertAfter(t *testing.T) {
	conv := NewConversation("t")
	q1 := NewUserMessage("q1")
	q2 := NewUserMessage("q2")
	require.NoError(t, conv.Append(q1))
	require.NoError(t, conv.Append(q2))

	a1 := NewAssistantPlaceholder("")
	require.NoError(t, conv.InsertAfter(q1.ID, a1))

	ids := func() []string {
		var out []string
		for _, m := range conv.Messages() {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{q1.ID, a1.ID, q2.ID}, ids())

	// Missing anchor appends.
	a2 := NewAssistantPlaceholder("")
	require.NoError(t, conv.InsertAfter("msg_gone", a2))
	assert.Equal(t, []string{q1.ID, a1.ID, q2.ID, a2.ID}, ids())

	assert.ErrorIs(t, conv.Append(a2), ErrDuplicateMessage)
}

func TestConversation_UpdateByID(t *testing.T) {
	conv := NewConversation("t")
	ph := NewAssistantPlaceholder("msg_fixed")
	require.NoError(t, conv.Append(ph))

	require.NoError(t, conv.Update("msg_fixed", func(m *Message) {
		m.Content = "Le bilan"
		m.ServerID = "srv-1"
		m.ID = "msg_hijack"
	}))

	got, ok := conv.Message("msg_fixed")
	require.True(t, ok)
	assert.Equal(t, "Le bilan", got.Content)
	assert.Equal(t, "srv-1", got.ServerID)
	assert.Equal(t, "msg_fixed", got.ID, "local id cannot change")

	found, ok := conv.FindByServerID("srv-1")
	require.True(t, ok)
	assert.Equal(t, "msg_fixed", found.ID)

	assert.ErrorIs(t, conv.Update("msg_unknown", func(*Message) {}), ErrMessageNotFound)
}

func TestConversation_ReturnedMessagesAreCopies(t *testing.T) {
	conv := NewConversation("t")
	msg := NewUserMessage("original")
	require.NoError(t, conv.Append(msg))

	last, ok := conv.LastMessage()
	require.True(t, ok)
	last.Content = "mutated"

	again, _ := conv.Message(msg.ID)
	assert.Equal(t, "original", again.Content)
}

func TestConversation_Remove(t *testing.T) {
	conv := NewConversation("t")
	a := NewUserMessage("a")
	b := NewUserMessage("b")
	require.NoError(t, conv.Append(a))
	require.NoError(t, conv.Append(b))

	assert.True(t, conv.Remove(a.ID))
	assert.False(t, conv.Remove(a.ID))
	assert.Equal(t, 1, conv.Len())

	last, _ := conv.LastMessage()
	assert.Equal(t, b.ID, last.ID)
}

func TestConversation_JSONRoundTripKeepsOrder(t *testing.T) {
	conv := NewConversation("")
	q := NewUserMessage("Qu'est-ce qu'un bilan ?")
	require.NoError(t, conv.Append(q))
	a := NewAssistantPlaceholder("")
	a.Content = "Le bilan..."
	a.Streaming = false
	a.Sources = []Source{{DocumentID: "d1", RelevanceScore: 0.4, Partie: intPtr(1)}}
	require.NoError(t, conv.InsertAfter(q.ID, a))
	conv.MarkSynced("srv-c1")

	data, err := json.Marshal(conv)
	require.NoError(t, err)

	var back Conversation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, conv.ID, back.ID)
	assert.Equal(t, "srv-c1", back.ServerID)
	assert.True(t, back.Synced)

	msgs := back.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, q.ID, msgs[0].ID)
	assert.Equal(t, a.ID, msgs[1].ID)
	require.Len(t, msgs[1].Sources, 1)
	assert.Equal(t, 1, *msgs[1].Sources[0].Partie)
}

func TestConversation_CloneIsDeep(t *testing.T) {
	conv := NewConversation("t")
	msg := NewUserMessage("a")
	require.NoError(t, conv.Append(msg))

	clone := conv.Clone()
	require.NoError(t, conv.Update(msg.ID, func(m *Message) { m.Content = "changed" }))
	require.NoError(t, clone.Append(NewUserMessage("only in clone")))

	got, _ := clone.Message(msg.ID)
	assert.Equal(t, "a", got.Content)
	assert.Equal(t, 1, conv.Len())
}

func TestConversation_Meta(t *testing.T) {
	conv := NewConversation("")
	require.NoError(t, conv.Append(NewUserMessage("Qu'est-ce\nqu'un   bilan ?")))
	meta := conv.Meta()
	assert.Equal(t, "Qu'est-ce qu'un bilan ?", meta.Title)
	assert.Equal(t, "Qu'est-ce qu'un bilan ?", meta.Preview)
	assert.Equal(t, 1, meta.MessageCount)
	assert.False(t, meta.Synced)
}

// =============================================================================
// SOURCE AND FEEDBACK TESTS
// =============================================================================

func TestSortSources_DescendingWithoutMutating(t *testing.T) {
	src := []Source{
		{DocumentID: "low", RelevanceScore: 0.2},
		{DocumentID: "high", RelevanceScore: 0.9},
		{DocumentID: "mid-a", RelevanceScore: 0.5},
		{DocumentID: "mid-b", RelevanceScore: 0.5},
	}
	msg := &Message{Sources: src}

	sorted := msg.SortedSources()
	var order []string
	for _, s := range sorted {
		order = append(order, s.DocumentID)
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, order)
	assert.Equal(t, "low", msg.Sources[0].DocumentID, "storage order untouched")
}

func TestSource_Display(t *testing.T) {
	s := Source{DocumentID: "doc-7", Partie: intPtr(2), Chapitre: intPtr(3)}
	assert.Equal(t, "doc-7", s.DisplayTitle())
	assert.Equal(t, "Partie 2, Chapitre 3", s.Location())

	s.Title = "Amortissements"
	s.Partie = nil
	assert.Equal(t, "Amortissements", s.DisplayTitle())
	assert.Equal(t, "Chapitre 3", s.Location())
}

func TestFeedback_Validate(t *testing.T) {
	for _, r := range []int{-1, 1, 2, 5} {
		assert.NoError(t, Feedback{Rating: r}.Validate(), "rating %d", r)
	}
	for _, r := range []int{0, -2, 6} {
		assert.ErrorIs(t, Feedback{Rating: r}.Validate(), ErrInvalidRating, "rating %d", r)
	}
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Comment fonctionne l'amortissement...", DeriveTitle("Comment fonctionne l'amortissement dégressif ?"))
	assert.Equal(t, "Bilan", DeriveTitle("  Bilan \n"))
}
