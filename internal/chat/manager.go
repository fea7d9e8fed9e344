// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/comptax/comptax-cli/internal/api"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/storage"
)

// DefaultSaveInterval is the minimum spacing of streaming writes for one
// conversation.
const DefaultSaveInterval = time.Second

var (
	// ErrConversationNotFound is returned for an unknown local id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNoCurrentConversation is returned when nothing is selected.
	ErrNoCurrentConversation = errors.New("no current conversation")
)

// SyncError reports a local change that succeeded while the matching
// backend call failed.
type SyncError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: saved locally, server sync failed: %v", e.Op, e.Err)
}

// Unwrap returns the backend error.
func (e *SyncError) Unwrap() error { return e.Err }

// Options configures a Manager.
type Options struct {
	// Sink stores conversations locally. Nil keeps them in memory only.
	Sink storage.Sink
	// Client syncs with the backend. Nil or unauthenticated means local only.
	Client *api.Client
	// SaveInterval throttles writes while a placeholder streams.
	SaveInterval time.Duration
	Logger       *slog.Logger
}

// Manager owns the conversation collection.
type Manager struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	current string

	sink     storage.Sink
	client   *api.Client
	interval time.Duration
	limiters map[string]*rate.Limiter
	// pending holds ids whose last write was skipped by throttling.
	pending map[string]bool
	// stored holds ids known to be present in the sink.
	stored map[string]bool

	logger *slog.Logger
}

// New creates a manager.
func New(opts Options) *Manager {
	if opts.Sink == nil {
		opts.Sink = storage.NewMemoryStore()
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Manager{
		convs:    make(map[string]*model.Conversation),
		sink:     opts.Sink,
		client:   opts.Client,
		interval: opts.SaveInterval,
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]bool),
		stored:   make(map[string]bool),
		logger:   opts.Logger,
	}
}

// Authenticated reports whether backend sync is possible.
func (m *Manager) Authenticated() bool {
	return m.client != nil && m.client.Authenticated()
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the local store and, when authenticated, merges the server
// list. The most recent conversation becomes current. A server failure
// leaves the local conversations in place and is returned.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.loadLocal(); err != nil {
		return err
	}
	var err error
	if m.Authenticated() {
		err = m.Refresh(ctx)
	}

	m.mu.Lock()
	if m.current == "" {
		if recent := m.sortedLocked(); len(recent) > 0 {
			m.current = recent[0].ID
		}
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) loadLocal() error {
	convs, err := m.sink.LoadAll()
	if err != nil {
		return fmt.Errorf("load local conversations: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range convs {
		m.convs[c.ID] = c
		m.stored[c.ID] = true
	}
	return nil
}

// Refresh merges the server's conversation list into the collection.
// Conversations already known by server id keep their local id and
// messages; new ones are added without messages until selected. Does
// nothing when unauthenticated.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.Authenticated() {
		return nil
	}
	list, err := m.client.ListConversations(ctx)
	if err != nil {
		m.logger.Warn("refresh conversations failed, using local store", "error", err)
		if lerr := m.loadLocal(); lerr != nil {
			return errors.Join(err, lerr)
		}
		return fmt.Errorf("refresh conversations: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range list {
		sc := &list[i]
		if local := m.findByServerIDLocked(sc.ConversationID); local != nil {
			if sc.Title != "" && !local.TitleLocked {
				local.Title = sc.Title
			}
			local.UpdatedAt = api.ParseServerTime(sc.UpdatedAt, local.UpdatedAt)
			continue
		}
		conv := api.ToConversation(sc)
		m.convs[conv.ID] = conv
	}
	m.logger.Debug("conversations refreshed", "server", len(list), "total", len(m.convs))
	return nil
}

// =============================================================================
// READ ACCESS
// =============================================================================

// Get returns a copy of the conversation.
func (m *Manager) Get(id string) (*model.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Current returns a copy of the selected conversation.
func (m *Manager) Current() (*model.Conversation, bool) {
	m.mu.Lock()
	id := m.current
	m.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return m.Get(id)
}

// CurrentID returns the selected conversation's local id, or "".
func (m *Manager) CurrentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// List returns conversation metadata, most recent first.
func (m *Manager) List() []model.ConversationMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	out := make([]model.ConversationMeta, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, c.Meta())
	}
	return out
}

// Search returns the conversations whose title or messages contain query,
// most recent first. It covers synced conversations that are not stored
// locally.
func (m *Manager) Search(query string) []model.ConversationMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConversationMeta
	for _, c := range m.sortedLocked() {
		if storage.Matches(c, query) {
			out = append(out, c.Meta())
		}
	}
	return out
}

// Resolve finds a conversation by local id, server id, or unique local id
// prefix. The "conv_" prefix of local ids may be omitted.
func (m *Manager) Resolve(ref string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[ref]; ok {
		return ref, true
	}
	if c := m.findByServerIDLocked(ref); c != nil {
		return c.ID, true
	}
	var match string
	for id := range m.convs {
		if ref != "" && (strings.HasPrefix(id, ref) || strings.HasPrefix(id, "conv_"+ref)) {
			if match != "" {
				return "", false
			}
			match = id
		}
	}
	return match, match != ""
}

func (m *Manager) sortedLocked() []*model.Conversation {
	out := make([]*model.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b *model.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (m *Manager) findByServerIDLocked(serverID string) *model.Conversation {
	if serverID == "" {
		return nil
	}
	for _, c := range m.convs {
		if c.ServerID == serverID {
			return c
		}
	}
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Create adds a new conversation and selects it. When authenticated the
// backend conversation is created too; if that fails the conversation
// stays local and the backend will originate one on the first query.
func (m *Manager) Create(ctx context.Context, title string) (*model.Conversation, error) {
	conv := model.NewConversation(title)

	if m.Authenticated() {
		serverID, err := m.client.CreateConversation(ctx, conv.DisplayTitle())
		if err != nil {
			m.logger.Warn("create conversation on server failed", "conversation", conv.ID, "error", err)
		} else {
			conv.MarkSynced(serverID)
		}
	}

	m.mu.Lock()
	m.convs[conv.ID] = conv
	m.current = conv.ID
	m.persistLocked(conv, true)
	clone := conv.Clone()
	m.mu.Unlock()

	m.logger.Info("conversation created", "conversation", conv.ID, "server_id", conv.ServerID)
	return clone, nil
}

// Mutate applies fn to the live conversation under the manager's lock and
// persists the result. fn must not call back into the Manager.
func (m *Manager) Mutate(id string, fn func(*model.Conversation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err := fn(conv); err != nil {
		return err
	}
	m.persistLocked(conv, false)
	return nil
}

// Select makes id current. When authenticated and the conversation exists
// on the backend, its messages are fetched unless a placeholder is still
// streaming.
func (m *Manager) Select(ctx context.Context, id string) error {
	m.mu.Lock()
	conv, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	m.current = id
	serverID := conv.ServerID
	m.mu.Unlock()

	if serverID == "" || !m.Authenticated() {
		return nil
	}
	return m.sync(ctx, id, serverID)
}

func (m *Manager) sync(ctx context.Context, id, serverID string) error {
	sc, err := m.client.GetConversation(ctx, serverID)
	if err != nil {
		return &SyncError{Op: "select", Err: err}
	}
	fresh := api.ToConversation(sc)

	m.mu.Lock()
	defer m.mu.Unlock()
	local, ok := m.convs[id]
	if !ok {
		return nil
	}
	if hasStreaming(local) {
		m.logger.Debug("skip sync of streaming conversation", "conversation", id)
		return nil
	}
	fresh.ID = local.ID
	if local.TitleLocked {
		fresh.Title = local.Title
		fresh.TitleLocked = true
	}
	m.convs[id] = fresh
	m.persistLocked(fresh, true)
	return nil
}

func hasStreaming(c *model.Conversation) bool {
	return slices.ContainsFunc(c.Messages(), func(msg *model.Message) bool { return msg.Streaming })
}

// Rename sets an explicit title and pushes it to the backend.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}

	var serverID string
	err := m.Mutate(id, func(c *model.Conversation) error {
		c.Rename(title)
		serverID = c.ServerID
		return nil
	})
	if err != nil {
		return err
	}

	if serverID != "" && m.Authenticated() {
		if err := m.client.RenameConversation(ctx, serverID, title); err != nil {
			return &SyncError{Op: "rename", Err: err}
		}
	}
	return nil
}

// Delete removes a conversation locally and on the backend. If it was
// current, the most recent remaining conversation becomes current.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	conv, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(m.convs, id)
	delete(m.limiters, id)
	delete(m.pending, id)
	if m.stored[id] {
		if err := m.sink.Delete(id); err != nil && !errors.Is(err, storage.ErrConversationNotFound) {
			m.logger.Warn("delete stored conversation failed", "conversation", id, "error", err)
		}
		delete(m.stored, id)
	}
	if m.current == id {
		m.current = ""
		if recent := m.sortedLocked(); len(recent) > 0 {
			m.current = recent[0].ID
		}
	}
	serverID := conv.ServerID
	m.mu.Unlock()

	if serverID != "" && m.Authenticated() {
		if err := m.client.DeleteConversation(ctx, serverID); err != nil {
			return &SyncError{Op: "delete", Err: err}
		}
	}
	return nil
}

// AddFeedback records a rating on a message and sends it to the backend
// when the message has a server id.
func (m *Manager) AddFeedback(ctx context.Context, convID, msgID string, fb model.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}

	var serverMsgID string
	err := m.Mutate(convID, func(c *model.Conversation) error {
		return c.Update(msgID, func(msg *model.Message) {
			stored := fb
			msg.Feedback = &stored
			serverMsgID = msg.ServerID
		})
	})
	if err != nil {
		return err
	}

	if serverMsgID != "" && m.Authenticated() {
		if _, err := m.client.AddFeedback(ctx, serverMsgID, fb); err != nil {
			return &SyncError{Op: "feedback", Err: err}
		}
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persistLocked writes conv to the sink. Streaming conversations are
// throttled unless force is set.
func (m *Manager) persistLocked(conv *model.Conversation, force bool) {
	if !force && hasStreaming(conv) && !m.limiterLocked(conv.ID).Allow() {
		m.pending[conv.ID] = true
		return
	}
	delete(m.pending, conv.ID)

	if conv.Synced && m.Authenticated() {
		// The backend holds synced conversations; drop any stale local copy.
		if m.stored[conv.ID] {
			if err := m.sink.Delete(conv.ID); err != nil && !errors.Is(err, storage.ErrConversationNotFound) {
				m.logger.Warn("drop synced local copy failed", "conversation", conv.ID, "error", err)
				return
			}
			delete(m.stored, conv.ID)
		}
		return
	}

	if err := m.sink.Save(conv); err != nil {
		m.logger.Error("save conversation failed", "conversation", conv.ID, "error", err)
		m.pending[conv.ID] = true
		return
	}
	m.stored[conv.ID] = true
}

func (m *Manager) limiterLocked(id string) *rate.Limiter {
	l, ok := m.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.interval), 1)
		m.limiters[id] = l
	}
	return l
}

// Flush writes every conversation whose last write was throttled or failed.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.pending {
		if conv, ok := m.convs[id]; ok {
			m.persistLocked(conv, true)
		} else {
			delete(m.pending, id)
		}
	}
}

// Close flushes pending writes and closes the sink.
func (m *Manager) Close() error {
	m.Flush()
	return m.sink.Close()
}
