// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport owns the long-lived HTTP connection that carries an SSE
// answer stream.
//
// Two interchangeable strategies share one read loop:
//
//   - header: streaming GET with custom headers (bearer auth). Preferred.
//   - query:  degraded fallback for environments that cannot set custom
//     headers on streaming requests; the token travels in the query string.
//
// Open returns a CancelFunc. Cancelling is idempotent and non-blocking, and
// once it returns no new OnFrame call begins. Cancellation is never reported
// through OnError.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comptax/comptax-cli/internal/sse"
)

// =============================================================================
// TYPES
// =============================================================================

// Request describes one stream to open.
type Request struct {
	// URL is the full stream URL including query parameters.
	URL string
	// Token is the bearer credential. Empty means anonymous.
	Token string
	// Header holds extra headers. Ignored by the query strategy.
	Header http.Header
}

// Handlers receive transport events. All calls happen on the transport's
// reader goroutine, strictly in arrival order.
type Handlers struct {
	// OnOpen is called once the server answered with a 2xx status.
	OnOpen func()
	// OnFrame is called for every decoded frame. Returning ErrStop ends the
	// stream quietly; any other error is reported through OnError.
	OnFrame func(sse.Frame) error
	// OnError is called at most once, for connection and stream failures.
	OnError func(error)
	// OnEnd is called when the server closed the stream normally.
	OnEnd func()
}

// CancelFunc stops a stream. Safe to call any number of times, from any
// goroutine, including from inside a handler.
type CancelFunc func()

// Transport opens answer streams.
type Transport interface {
	// Open starts the stream in the background and returns immediately.
	Open(ctx context.Context, req Request, h Handlers) CancelFunc
	// Name identifies the strategy in logs.
	Name() string
}

// ErrStop may be returned from OnFrame to end a stream without error.
var ErrStop = errors.New("transport: stop requested")

// =============================================================================
// ERRORS
// =============================================================================

// ConnectError is a connection failure before any byte was received.
type ConnectError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to stream failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// StatusError is a non-success HTTP status at connection open.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stream rejected (HTTP %d): %s", e.Code, e.Body)
	}
	return fmt.Sprintf("stream rejected (HTTP %d)", e.Code)
}

// MidStreamError is a network failure after partial content was received.
type MidStreamError struct {
	BytesRead int64
	Err       error
}

// Error implements the error interface.
func (e *MidStreamError) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes: %v", e.BytesRead, e.Err)
}

// Unwrap returns the underlying error.
func (e *MidStreamError) Unwrap() error {
	return e.Err
}

// IsOpenFailure reports whether err happened before any content arrived.
func IsOpenFailure(err error) bool {
	var ce *ConnectError
	var se *StatusError
	return errors.As(err, &ce) || errors.As(err, &se)
}

// =============================================================================
// STRATEGY SELECTION
// =============================================================================

// Strategy names a transport implementation.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"
	StrategyHeader Strategy = "header"
	StrategyQuery  Strategy = "query"
)

// Capabilities describes what the environment allows on streaming requests.
type Capabilities struct {
	// CustomHeaders is false when something between the client and the
	// backend strips Authorization from streaming requests.
	CustomHeaders bool
}

// ParseStrategy validates a strategy name. Empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyHeader, StrategyQuery:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown transport strategy %q (want auto, header or query)", s)
	}
}

// New resolves the strategy once, at startup. Auto picks the header
// transport unless the environment disallows custom headers.
func New(strategy Strategy, caps Capabilities, client *http.Client, logger *slog.Logger) Transport {
	if client == nil {
		client = sharedStreamingClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	mode := StrategyHeader
	switch strategy {
	case StrategyQuery:
		mode = StrategyQuery
	case StrategyAuto, "":
		if !caps.CustomHeaders {
			mode = StrategyQuery
		}
	}

	logger.Debug("stream transport selected", "strategy", string(mode), "requested", string(strategy))
	return &httpTransport{client: client, mode: mode, logger: logger}
}

// NewHeaderTransport returns the header-auth transport.
func NewHeaderTransport(client *http.Client, logger *slog.Logger) Transport {
	return New(StrategyHeader, Capabilities{CustomHeaders: true}, client, logger)
}

// NewQueryTokenTransport returns the query-string-token fallback transport.
func NewQueryTokenTransport(client *http.Client, logger *slog.Logger) Transport {
	return New(StrategyQuery, Capabilities{}, client, logger)
}

// sharedStreamingClient is used for streaming requests (no timeout,
// context-controlled). Connections are pooled across streams.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// CANCELLATION
// =============================================================================

// stopper is the per-stream cancellation token.
type stopper struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
	once      sync.Once
}

func (s *stopper) stop() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.cancel()
	})
}

func (s *stopper) stopped() bool {
	return s.cancelled.Load()
}
