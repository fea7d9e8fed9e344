// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/comptax/comptax-cli/internal/auth"
	"github.com/comptax/comptax-cli/internal/chat"
	"github.com/comptax/comptax-cli/internal/config"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/reconcile"
	"github.com/comptax/comptax-cli/internal/stream"
	"github.com/comptax/comptax-cli/internal/transport"
)

// StreamPath is the backend endpoint that serves answers as SSE.
const StreamPath = "/stream"

var (
	// ErrEmptyQuery is returned when the question is empty or only whitespace.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("orchestrator is shut down")
)

// =============================================================================
// OPTIONS
// =============================================================================

// Retrieval holds the knowledge-base search options sent with a query.
type Retrieval struct {
	NResults       int
	IncludeSources bool
	// Partie and Chapitre restrict the search to one part or chapter of
	// the OHADA plan. Nil means unrestricted.
	Partie   *int
	Chapitre *int
}

// DefaultRetrieval returns the backend defaults.
func DefaultRetrieval() Retrieval {
	return Retrieval{NResults: config.DefaultNResults, IncludeSources: true}
}

// RetrievalFromConfig reads retrieval defaults from the stream section.
func RetrievalFromConfig(cfg *config.Config) Retrieval {
	return Retrieval{
		NResults:       cfg.Stream.NResults,
		IncludeSources: cfg.Stream.IncludeSources,
	}
}

// Options configure an Orchestrator.
type Options struct {
	Manager    *chat.Manager
	Reconciler *reconcile.Reconciler
	Transport  transport.Transport
	// Tokens supplies the bearer credential for each stream. Nil means
	// anonymous.
	Tokens  auth.TokenSource
	BaseURL string

	Retrieval       Retrieval
	CompletionGrace time.Duration
	Logger          *slog.Logger
}

// Query is one question to submit.
type Query struct {
	Text string
	// ConversationID targets a local conversation. Empty uses the current
	// conversation, creating one when there is none.
	ConversationID string
	// Retrieval overrides the orchestrator defaults when set.
	Retrieval *Retrieval
	// Listener receives the session events after the conversation has been
	// updated. Optional.
	Listener stream.Listener
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator starts stream sessions and tracks the live one of each
// conversation.
type Orchestrator struct {
	manager    *chat.Manager
	reconciler *reconcile.Reconciler
	transport  transport.Transport
	tokens     auth.TokenSource
	baseURL    string
	retrieval  Retrieval
	grace      time.Duration
	logger     *slog.Logger

	// submitMu serializes Submit so a replaced session is cancelled before
	// its successor starts.
	submitMu sync.Mutex

	mu       sync.Mutex
	live     map[string]*stream.Session
	shutdown bool
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = auth.Anonymous
	}
	retrieval := opts.Retrieval
	if retrieval.NResults <= 0 {
		retrieval.NResults = config.DefaultNResults
	}
	return &Orchestrator{
		manager:    opts.Manager,
		reconciler: opts.Reconciler,
		transport:  opts.Transport,
		tokens:     tokens,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		retrieval:  retrieval,
		grace:      opts.CompletionGrace,
		logger:     logger,
		live:       make(map[string]*stream.Session),
	}
}

// Submit sends text to the conversation convID, or to the current one when
// convID is empty.
func (o *Orchestrator) Submit(ctx context.Context, text, convID string) (*Handle, error) {
	return o.SubmitQuery(ctx, Query{Text: text, ConversationID: convID})
}

// SubmitQuery starts a session for q. The returned handle is live; its
// session has already notified OnSessionStart.
func (o *Orchestrator) SubmitQuery(ctx context.Context, q Query) (*Handle, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.mu.Lock()
	closed := o.shutdown
	o.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	conv, err := o.target(ctx, q.ConversationID, text)
	if err != nil {
		return nil, err
	}

	// A new question replaces whatever was still streaming here.
	if prior := o.Active(conv.ID); prior != nil {
		o.logger.Info("replacing live session", "conversation", conv.ID, "session", prior.ID())
		prior.Cancel()
	}

	userMsgID, inserted, err := o.reconciler.InsertUserMessage(conv.ID, text)
	if err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	if !inserted {
		o.logger.Debug("question already present, not duplicated", "conversation", conv.ID)
	}

	// Re-read: the conversation may have been synced since target().
	serverConvID := conv.ServerID
	if fresh, ok := o.manager.Get(conv.ID); ok {
		serverConvID = fresh.ServerID
	}

	retrieval := o.retrieval
	if q.Retrieval != nil {
		retrieval = *q.Retrieval
		if retrieval.NResults <= 0 {
			retrieval.NResults = o.retrieval.NResults
		}
	}
	token, _ := o.tokens.Token()
	rawURL, err := BuildStreamURL(o.baseURL, text, retrieval, serverConvID, token != "")
	if err != nil {
		return nil, err
	}

	listeners := []stream.Listener{o.reconciler.Bind(conv.ID, userMsgID)}
	if q.Listener != nil {
		listeners = append(listeners, q.Listener)
	}
	sess := stream.New(stream.Options{
		ConversationID:  conv.ID,
		Transport:       o.transport,
		Request:         transport.Request{URL: rawURL, Token: token},
		Listener:        stream.MultiListener(listeners...),
		Logger:          o.logger,
		CompletionGrace: o.grace,
	})

	o.track(conv.ID, sess)
	if err := sess.Start(ctx); err != nil {
		o.untrack(conv.ID, sess)
		return nil, err
	}

	o.logger.Info("query submitted",
		"conversation", conv.ID,
		"session", sess.ID(),
		"synced", serverConvID != "",
		"transport", o.transport.Name())

	return &Handle{session: sess, userMessageID: userMsgID}, nil
}

// target resolves the conversation a question goes to.
func (o *Orchestrator) target(ctx context.Context, convID, text string) (*model.Conversation, error) {
	if convID != "" {
		conv, ok := o.manager.Get(convID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, convID)
		}
		return conv, nil
	}
	if conv, ok := o.manager.Current(); ok {
		return conv, nil
	}
	return o.manager.Create(ctx, model.DeriveTitle(text))
}

// =============================================================================
// LIVE SESSIONS
// =============================================================================

func (o *Orchestrator) track(convID string, s *stream.Session) {
	o.mu.Lock()
	o.live[convID] = s
	o.mu.Unlock()

	go func() {
		<-s.Done()
		o.untrack(convID, s)
	}()
}

func (o *Orchestrator) untrack(convID string, s *stream.Session) {
	o.mu.Lock()
	if o.live[convID] == s {
		delete(o.live, convID)
	}
	o.mu.Unlock()
}

// Active returns the live session of a conversation, or nil.
func (o *Orchestrator) Active(convID string) *stream.Session {
	o.mu.Lock()
	s := o.live[convID]
	o.mu.Unlock()
	if s == nil || s.State().IsTerminal() {
		return nil
	}
	return s
}

// Cancel stops the live session of a conversation. It reports whether one
// was running.
func (o *Orchestrator) Cancel(convID string) bool {
	s := o.Active(convID)
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

// Shutdown cancels every live session and refuses further submissions.
// Each cancelled answer keeps its partial text, annotated as interrupted.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shutdown = true
	sessions := make([]*stream.Session, 0, len(o.live))
	for _, s := range o.live {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	if len(sessions) > 0 {
		o.logger.Info("live sessions cancelled on shutdown", "count", len(sessions))
	}
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle is returned by Submit.
type Handle struct {
	session       *stream.Session
	userMessageID string
}

// Session returns the underlying session.
func (h *Handle) Session() *stream.Session { return h.session }

// ConversationID returns the local conversation id.
func (h *Handle) ConversationID() string { return h.session.ConversationID() }

// UserMessageID returns the local id of the question message.
func (h *Handle) UserMessageID() string { return h.userMessageID }

// AssistantMessageID returns the local id of the answer message.
func (h *Handle) AssistantMessageID() string { return h.session.PlaceholderID() }

// Cancel stops the session. Idempotent.
func (h *Handle) Cancel() { h.session.Cancel() }

// Wait blocks until the session is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (stream.Result, error) {
	return h.session.Wait(ctx)
}

// =============================================================================
// URL
// =============================================================================

// BuildStreamURL assembles the stream URL for a question. An authenticated
// user extends a conversation already known to the server with
// save_to_conversation; every other query asks the server to create one.
func BuildStreamURL(baseURL, text string, r Retrieval, serverConvID string, authenticated bool) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + StreamPath)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base url %q", baseURL)
	}

	n := r.NResults
	if n <= 0 {
		n = config.DefaultNResults
	}

	q := url.Values{}
	q.Set("query", text)
	q.Set("include_sources", strconv.FormatBool(r.IncludeSources))
	q.Set("n_results", strconv.Itoa(n))
	if r.Partie != nil && *r.Partie > 0 {
		q.Set("partie", strconv.Itoa(*r.Partie))
	}
	if r.Chapitre != nil && *r.Chapitre > 0 {
		q.Set("chapitre", strconv.Itoa(*r.Chapitre))
	}
	if authenticated && serverConvID != "" {
		q.Set("save_to_conversation", serverConvID)
	} else {
		q.Set("create_conversation", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
