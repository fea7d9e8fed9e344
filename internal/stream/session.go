// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comptax/comptax-cli/internal/sse"
	"github.com/comptax/comptax-cli/internal/transport"
)

// =============================================================================
// LISTENER
// =============================================================================

// Listener receives session transitions. Calls are serialized and happen in
// frame order. A listener must not call Cancel on the session it observes.
type Listener interface {
	// OnSessionStart is called once when the session enters Connecting.
	OnSessionStart(r Result)
	// OnProgress is called for start and progress frames.
	OnProgress(r Result)
	// OnChunk is called after a chunk was appended to the text.
	OnChunk(r Result)
	// OnComplete is called with the authoritative final answer.
	OnComplete(r Result)
	// OnFailure is called once on failure. r.Text holds the partial answer.
	OnFailure(r Result)
	// OnCancel is called once on cancellation. r.Text holds the partial answer.
	OnCancel(r Result)
}

// NopListener implements Listener with no-ops. Embed it to handle only some
// transitions.
type NopListener struct{}

func (NopListener) OnSessionStart(Result) {}
func (NopListener) OnProgress(Result)     {}
func (NopListener) OnChunk(Result)        {}
func (NopListener) OnComplete(Result)     {}
func (NopListener) OnFailure(Result)      {}
func (NopListener) OnCancel(Result)       {}

// multiListener fans out to several listeners in order.
type multiListener []Listener

// MultiListener combines listeners. Nil entries are skipped.
func MultiListener(ls ...Listener) Listener {
	var m multiListener
	for _, l := range ls {
		if l != nil {
			m = append(m, l)
		}
	}
	return m
}

func (m multiListener) OnSessionStart(r Result) {
	for _, l := range m {
		l.OnSessionStart(r)
	}
}

func (m multiListener) OnProgress(r Result) {
	for _, l := range m {
		l.OnProgress(r)
	}
}

func (m multiListener) OnChunk(r Result) {
	for _, l := range m {
		l.OnChunk(r)
	}
}

func (m multiListener) OnComplete(r Result) {
	for _, l := range m {
		l.OnComplete(r)
	}
}

func (m multiListener) OnFailure(r Result) {
	for _, l := range m {
		l.OnFailure(r)
	}
}

func (m multiListener) OnCancel(r Result) {
	for _, l := range m {
		l.OnCancel(r)
	}
}

// =============================================================================
// RESULT
// =============================================================================

// Result is a snapshot of a session.
type Result struct {
	SessionID      string
	ConversationID string
	PlaceholderID  string

	State      State
	Text       string
	Completion float64
	Phase      string

	// Server-assigned identifiers captured from start and complete frames.
	QueryID                  string
	ServerConversationID     string
	ServerUserMessageID      string
	ServerAssistantMessageID string

	Sources     []APISource
	Performance *Performance

	Err error
}

// =============================================================================
// SESSION
// =============================================================================

// Options configure a session.
type Options struct {
	// ConversationID is the local id of the owning conversation.
	ConversationID string
	// PlaceholderID is the local id of the assistant message this session
	// writes into. Generated when empty.
	PlaceholderID string

	Transport transport.Transport
	Request   transport.Request
	Listener  Listener
	Logger    *slog.Logger

	// CompletionGrace delays the OnComplete notification. Cosmetic only.
	CompletionGrace time.Duration
}

// Session is the state machine of one in-flight query. Frames from the
// transport are its only writer; Cancel may be called from any goroutine.
type Session struct {
	id             string
	conversationID string
	placeholderID  string

	transport transport.Transport
	request   transport.Request
	listener  Listener
	logger    *slog.Logger
	grace     time.Duration

	// notifyMu serializes listener calls so they observe frame order.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	text       strings.Builder
	completion float64
	phase      string
	queryID    string
	serverConv string
	serverUser string
	serverAsst string
	sources    []APISource
	perf       *Performance
	err        error

	cancelTransport transport.CancelFunc
	stopWatch       func() bool

	done chan struct{}
}

// New creates an idle session.
func New(opts Options) *Session {
	placeholder := opts.PlaceholderID
	if placeholder == "" {
		placeholder = "msg_" + uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}

	id := uuid.NewString()
	return &Session{
		id:             id,
		conversationID: opts.ConversationID,
		placeholderID:  placeholder,
		transport:      opts.Transport,
		request:        opts.Request,
		listener:       listener,
		logger:         logger.With("session", id, "conversation", opts.ConversationID),
		grace:          opts.CompletionGrace,
		state:          Idle,
		done:           make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ConversationID returns the owning conversation's local id.
func (s *Session) ConversationID() string { return s.conversationID }

// PlaceholderID returns the local id of the assistant message being written.
func (s *Session) PlaceholderID() string { return s.placeholderID }

// Done is closed once the session is terminal and listeners were notified.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the accumulated answer text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err returns the last error, for diagnostics. Nil unless Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Result returns a snapshot of the session.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return s.Result(), ctx.Err()
	}
}

func (s *Session) snapshotLocked() Result {
	r := Result{
		SessionID:                s.id,
		ConversationID:           s.conversationID,
		PlaceholderID:            s.placeholderID,
		State:                    s.state,
		Text:                     s.text.String(),
		Completion:               s.completion,
		Phase:                    s.phase,
		QueryID:                  s.queryID,
		ServerConversationID:     s.serverConv,
		ServerUserMessageID:      s.serverUser,
		ServerAssistantMessageID: s.serverAsst,
		Performance:              s.perf,
		Err:                      s.err,
	}
	if len(s.sources) > 0 {
		r.Sources = append([]APISource(nil), s.sources...)
	}
	return r
}

// Start moves the session to Connecting, notifies OnSessionStart and opens
// the transport. Cancelling ctx cancels the session.
func (s *Session) Start(ctx context.Context) error {
	s.notifyMu.Lock()
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return ErrSessionStarted
	}
	s.state = Connecting
	r := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("session connecting", "placeholder", s.placeholderID)
	s.listener.OnSessionStart(r)
	s.notifyMu.Unlock()

	cancel := s.transport.Open(ctx, s.request, transport.Handlers{
		OnFrame: s.handleFrame,
		OnError: s.handleTransportError,
		OnEnd:   s.handleEnd,
	})

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancelTransport = cancel
	s.stopWatch = context.AfterFunc(ctx, s.Cancel)
	s.mu.Unlock()
	return nil
}

// Cancel stops the session. It is idempotent: only the first call on a
// non-terminal session transitions to Cancelled and notifies OnCancel.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = Cancelled
	cancel := s.cancelTransport
	r := s.snapshotLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.logger.Info("session cancelled", "partial_len", len(r.Text))
	s.notifyMu.Lock()
	s.listener.OnCancel(r)
	s.finish()
	s.notifyMu.Unlock()
}

// finish releases resources once the session is terminal. Called with
// notifyMu held, exactly once.
func (s *Session) finish() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	close(s.done)
}

// =============================================================================
// FRAME HANDLING
// =============================================================================

// handleFrame applies one frame. Runs on the transport goroutine.
func (s *Session) handleFrame(f sse.Frame) error {
	ev, err := Decode(f)
	if err != nil {
		var mf *sse.MalformedFrameError
		if errors.As(err, &mf) {
			s.logger.Warn("skipping malformed frame", "type", mf.Type, "raw", mf.Raw, "error", mf.Err)
		} else {
			s.logger.Warn("skipping frame", "type", f.Type, "error", err)
		}
		return nil
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state.IsTerminal() {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("ignoring frame after terminal state", "type", ev.EventType(), "state", state.String())
		return transport.ErrStop
	}

	var notify func(Result)
	stop := false

	switch e := ev.(type) {
	case StartEvent:
		s.state = Streaming
		s.queryID = e.ID
		if e.ConversationID != "" {
			s.serverConv = e.ConversationID
		}
		if e.UserMessageID != "" {
			s.serverUser = e.UserMessageID
		}
		notify = s.listener.OnProgress

	case ProgressEvent:
		s.state = Streaming
		s.phase = e.Status
		s.raiseCompletion(e.Completion)
		notify = s.listener.OnProgress

	case ChunkEvent:
		s.state = Streaming
		s.text.WriteString(e.Text)
		if e.Completion != nil {
			s.raiseCompletion(*e.Completion)
		}
		notify = s.listener.OnChunk

	case CompleteEvent:
		s.state = Complete
		s.text.Reset()
		s.text.WriteString(e.Answer)
		s.completion = 1
		if e.ID != "" {
			s.queryID = e.ID
		}
		if e.ConversationID != "" {
			s.serverConv = e.ConversationID
		}
		if e.UserMessageID != "" {
			s.serverUser = e.UserMessageID
		}
		s.serverAsst = e.IAMessageID
		s.sources = e.Sources
		perf := e.Performance
		s.perf = &perf
		notify = s.listener.OnComplete
		stop = true

	case ErrorEvent:
		s.state = Failed
		s.err = &ServerError{Message: e.Error, QueryID: e.ID}
		notify = s.listener.OnFailure
		stop = true
	}

	r := s.snapshotLocked()
	s.mu.Unlock()

	switch r.State {
	case Complete:
		s.logger.Info("session complete", "query_id", r.QueryID, "answer_len", len(r.Text), "sources", len(r.Sources))
		s.waitGrace()
	case Failed:
		s.logger.Warn("session failed", "error", r.Err, "partial_len", len(r.Text))
	}

	notify(r)
	if stop {
		s.finish()
		return transport.ErrStop
	}
	return nil
}

// raiseCompletion keeps the completion fraction monotonic within [0, 1].
func (s *Session) raiseCompletion(c float64) {
	if c > 1 {
		c = 1
	}
	if c > s.completion {
		s.completion = c
	}
}

// waitGrace delays the completion notification by the configured grace
// period.
func (s *Session) waitGrace() {
	if s.grace <= 0 {
		return
	}
	t := time.NewTimer(s.grace)
	defer t.Stop()
	<-t.C
}

// handleTransportError fails the session, keeping the partial text.
func (s *Session) handleTransportError(err error) {
	s.fail(err)
}

// handleEnd fails a session whose stream closed without a complete frame.
func (s *Session) handleEnd() {
	s.fail(ErrStreamTruncated)
}

func (s *Session) fail(err error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.err = err
	r := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Warn("session failed", "kind", ClassifyFailure(err).String(), "error", err, "partial_len", len(r.Text))
	s.listener.OnFailure(r)
	s.finish()
}
