// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptax/comptax-cli/internal/api"
	"github.com/comptax/comptax-cli/internal/auth"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/storage"
)

// fakeBackend records REST calls and serves canned conversation data.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	list  string
	conv  string
}

func (b *fakeBackend) handler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.calls = append(b.calls, r.Method+" "+r.URL.Path)
	fail, list, conv := b.fail, b.list, b.conv
	b.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"refusé"}`))
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/conversations":
		_, _ = w.Write([]byte(`{"conversation_id":"srv-new"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/conversations":
		_, _ = w.Write([]byte(list))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/conversations/"):
		_, _ = w.Write([]byte(conv))
	case strings.HasSuffix(r.URL.Path, "/feedback"):
		_, _ = w.Write([]byte(`{"feedback_id":"fb1"}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newAuthedManager(t *testing.T, b *fakeBackend, sink storage.Sink) *Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)
	client := api.New(srv.URL, auth.Static("tok")).WithHTTPClient(srv.Client()).WithMaxRetries(1)
	return New(Options{Sink: sink, Client: client, SaveInterval: time.Hour})
}

func TestCreate_LocalOnly(t *testing.T) {
	sink := storage.NewMemoryStore()
	m := New(Options{Sink: sink})

	conv, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, conv.Synced)
	assert.Equal(t, conv.ID, m.CurrentID())
	assert.Equal(t, 1, sink.Saves())

	_, err = sink.Load(conv.ID)
	assert.NoError(t, err)
}

func TestCreate_AuthenticatedSyncsAndSkipsLocalSave(t *testing.T) {
	b := &fakeBackend{}
	sink := storage.NewMemoryStore()
	m := newAuthedManager(t, b, sink)

	conv, err := m.Create(context.Background(), "Bilan")
	require.NoError(t, err)
	assert.Equal(t, "srv-new", conv.ServerID)
	assert.True(t, conv.Synced)
	assert.Zero(t, sink.Saves(), "synced conversations live on the server")
	assert.Equal(t, []string{"POST /conversations"}, b.Calls())
}

func TestCreate_ServerFailureStaysLocal(t *testing.T) {
	b := &fakeBackend{fail: true}
	sink := storage.NewMemoryStore()
	m := newAuthedManager(t, b, sink)

	conv, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, conv.ServerID)
	assert.False(t, conv.Synced)
	assert.Equal(t, 1, sink.Saves())
}

func TestMutate_ThrottlesStreamingWrites(t *testing.T) {
	sink := storage.NewMemoryStore()
	m := New(Options{Sink: sink, SaveInterval: time.Hour})
	conv, _ := m.Create(context.Background(), "t")
	base := sink.Saves()

	ph := model.NewAssistantPlaceholder("")
	require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error { return c.Append(ph) }))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error {
			return c.Update(ph.ID, func(msg *model.Message) { msg.Content += "x" })
		}))
	}
	assert.Equal(t, base+1, sink.Saves(), "only the first streaming write passes the limiter")

	require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error {
		return c.Update(ph.ID, func(msg *model.Message) { msg.Streaming = false })
	}))
	assert.Equal(t, base+2, sink.Saves(), "finalizing write always persists")

	stored, err := sink.Load(conv.ID)
	require.NoError(t, err)
	got, _ := stored.Message(ph.ID)
	assert.Equal(t, "xxxxx", got.Content)
}

func TestFlush_WritesThrottledConversations(t *testing.T) {
	sink := storage.NewMemoryStore()
	m := New(Options{Sink: sink, SaveInterval: time.Hour})
	conv, _ := m.Create(context.Background(), "t")
	ph := model.NewAssistantPlaceholder("")
	require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error { return c.Append(ph) }))
	require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error {
		return c.Update(ph.ID, func(msg *model.Message) { msg.Content = "partial" })
	}))

	m.Flush()
	stored, err := sink.Load(conv.ID)
	require.NoError(t, err)
	got, _ := stored.Message(ph.ID)
	assert.Equal(t, "partial", got.Content)
}

func TestMutate_UnknownConversation(t *testing.T) {
	m := New(Options{})
	err := m.Mutate("conv_missing", func(*model.Conversation) error { return nil })
	assert.ErrorIs(t, err, ErrConversationNotFound)

	boom := errors.New("boom")
	conv, _ := m.Create(context.Background(), "")
	assert.ErrorIs(t, m.Mutate(conv.ID, func(*model.Conversation) error { return boom }), boom)
}

func TestRename_PushesToServer(t *testing.T) {
	b := &fakeBackend{}
	m := newAuthedManager(t, b, storage.NewMemoryStore())
	conv, _ := m.Create(context.Background(), "")

	require.NoError(t, m.Rename(context.Background(), conv.ID, "  Amortissements "))
	got, _ := m.Get(conv.ID)
	assert.Equal(t, "Amortissements", got.Title)
	assert.True(t, got.TitleLocked)
	assert.Contains(t, b.Calls(), "PUT /conversations/srv-new")

	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()
	err := m.Rename(context.Background(), conv.ID, "Autre")
	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, api.ErrBadRequest)
	got, _ = m.Get(conv.ID)
	assert.Equal(t, "Autre", got.Title, "local rename kept")

	assert.Error(t, m.Rename(context.Background(), conv.ID, "   "))
}

func TestDelete_SelectsMostRecent(t *testing.T) {
	sink := storage.NewMemoryStore()
	m := New(Options{Sink: sink})
	older, _ := m.Create(context.Background(), "older")
	time.Sleep(2 * time.Millisecond)
	newer, _ := m.Create(context.Background(), "newer")
	assert.Equal(t, newer.ID, m.CurrentID())

	require.NoError(t, m.Delete(context.Background(), newer.ID))
	assert.Equal(t, older.ID, m.CurrentID())
	_, err := sink.Load(newer.ID)
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)

	assert.ErrorIs(t, m.Delete(context.Background(), newer.ID), ErrConversationNotFound)
}

func TestAddFeedback(t *testing.T) {
	b := &fakeBackend{}
	m := newAuthedManager(t, b, storage.NewMemoryStore())
	conv, _ := m.Create(context.Background(), "")

	local := model.NewMessage(model.RoleAssistant, "réponse locale")
	synced := model.NewMessage(model.RoleAssistant, "réponse serveur")
	synced.ServerID = "srv-msg"
	require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error {
		if err := c.Append(local); err != nil {
			return err
		}
		return c.Append(synced)
	}))

	require.NoError(t, m.AddFeedback(context.Background(), conv.ID, local.ID, model.Feedback{Rating: 1}))
	require.NoError(t, m.AddFeedback(context.Background(), conv.ID, synced.ID, model.Feedback{Rating: -1, Comment: "faux"}))
	assert.ErrorIs(t, m.AddFeedback(context.Background(), conv.ID, synced.ID, model.Feedback{Rating: 9}), model.ErrInvalidRating)

	got, _ := m.Get(conv.ID)
	msg, _ := got.Message(synced.ID)
	require.NotNil(t, msg.Feedback)
	assert.Equal(t, "faux", msg.Feedback.Comment)

	feedbackCalls := 0
	for _, c := range b.Calls() {
		if strings.HasSuffix(c, "/feedback") {
			feedbackCalls++
			assert.Equal(t, "POST /conversations/messages/srv-msg/feedback", c)
		}
	}
	assert.Equal(t, 1, feedbackCalls)
}

func TestRefresh_MergesByServerID(t *testing.T) {
	b := &fakeBackend{list: `[
		{"conversation_id":"srv-new","title":"Titre serveur","updated_at":"2030-01-01T00:00:00"},
		{"conversation_id":"srv-2","title":"Autre","updated_at":"2029-01-01T00:00:00"}
	]`}
	m := newAuthedManager(t, b, storage.NewMemoryStore())
	conv, _ := m.Create(context.Background(), "")

	require.NoError(t, m.Refresh(context.Background()))
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, conv.ID, list[0].ID, "known conversation keeps its local id")
	assert.Equal(t, "Titre serveur", list[0].Title)
	assert.Equal(t, "srv-2", list[1].ServerID)
}

func TestRefresh_FailureKeepsLocal(t *testing.T) {
	sink := storage.NewMemoryStore()
	localConv := model.NewConversation("locale")
	require.NoError(t, sink.Save(localConv))

	b := &fakeBackend{fail: true}
	m := newAuthedManager(t, b, sink)
	err := m.Load(context.Background())
	require.Error(t, err)

	assert.Equal(t, localConv.ID, m.CurrentID())
	assert.Len(t, m.List(), 1)
}

func TestSelect_SyncsMessages(t *testing.T) {
	b := &fakeBackend{conv: `{"conversation_id":"srv-new","title":"Bilan","messages":[
		{"message_id":"u1","is_user":true,"content":"Qu'est-ce qu'un bilan ?"},
		{"message_id":"a1","is_user":false,"content":"Le bilan..."}]}`}
	m := newAuthedManager(t, b, storage.NewMemoryStore())
	conv, _ := m.Create(context.Background(), "")

	require.NoError(t, m.Select(context.Background(), conv.ID))
	got, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, conv.ID, got.ID, "local id preserved")
	require.Equal(t, 2, got.Len())
	_, found := got.FindByServerID("a1")
	assert.True(t, found)

	assert.ErrorIs(t, m.Select(context.Background(), "conv_nope"), ErrConversationNotFound)
}

func TestSelect_SkipsSyncWhileStreaming(t *testing.T) {
	b := &fakeBackend{conv: `{"conversation_id":"srv-new","title":"Bilan","messages":[]}`}
	m := newAuthedManager(t, b, storage.NewMemoryStore())
	conv, _ := m.Create(context.Background(), "")
	ph := model.NewAssistantPlaceholder("msg_live")
	require.NoError(t, m.Mutate(conv.ID, func(c *model.Conversation) error { return c.Append(ph) }))

	require.NoError(t, m.Select(context.Background(), conv.ID))
	got, _ := m.Get(conv.ID)
	_, ok := got.Message("msg_live")
	assert.True(t, ok, "streaming placeholder must survive")
}

func TestResolve(t *testing.T) {
	m := newAuthedManager(t, &fakeBackend{}, storage.NewMemoryStore())
	conv, _ := m.Create(context.Background(), "")

	id, ok := m.Resolve(conv.ID[:12])
	assert.True(t, ok)
	assert.Equal(t, conv.ID, id)

	id, ok = m.Resolve("srv-new")
	assert.True(t, ok)
	assert.Equal(t, conv.ID, id)

	_, ok = m.Resolve("nothing")
	assert.False(t, ok)

	// The conv_ prefix may be left out.
	id, ok = m.Resolve(strings.TrimPrefix(conv.ID, "conv_")[:8])
	assert.True(t, ok)
	assert.Equal(t, conv.ID, id)
}

func TestSearch_CoversLiveConversations(t *testing.T) {
	m := New(Options{})
	a, err := m.Create(context.Background(), "Amortissements")
	require.NoError(t, err)
	b, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, m.Mutate(b.ID, func(c *model.Conversation) error {
		return c.Append(model.NewUserMessage("Qu'est-ce qu'un bilan ?"))
	}))

	res := m.Search("BILAN")
	require.Len(t, res, 1)
	assert.Equal(t, b.ID, res[0].ID)

	res = m.Search("amortissement")
	require.Len(t, res, 1)
	assert.Equal(t, a.ID, res[0].ID)

	assert.Len(t, m.Search(""), 2)
}

func TestGet_ReturnsCopy(t *testing.T) {
	m := New(Options{})
	conv, _ := m.Create(context.Background(), "")
	conv.Rename("modifié dehors")

	got, _ := m.Get(conv.ID)
	assert.NotEqual(t, "modifié dehors", got.Title)
}
