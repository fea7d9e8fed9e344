// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/comptax/comptax-cli/internal/sse"
)

const (
	// readBufferSize is the size of one network read.
	readBufferSize = 4096

	// maxErrorBody caps how much of an error response body is kept.
	maxErrorBody = 4096

	// queryTokenParam carries the credential in the fallback strategy.
	queryTokenParam = "token"
)

// httpTransport implements both strategies; mode picks how the credential
// travels.
type httpTransport struct {
	client *http.Client
	mode   Strategy
	logger *slog.Logger
}

// Name returns the strategy name.
func (t *httpTransport) Name() string {
	return string(t.mode)
}

// Open starts the stream on its own goroutine.
func (t *httpTransport) Open(ctx context.Context, req Request, h Handlers) CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	s := &stopper{cancel: cancel}
	go t.run(ctx, s, req, h)
	return s.stop
}

// buildRequest applies the strategy's auth and header policy.
func (t *httpTransport) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := req.URL
	if t.mode == StrategyQuery && req.Token != "" {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set(queryTokenParam, req.Token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "text/event-stream")
	if t.mode == StrategyHeader {
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		httpReq.Header.Set("Cache-Control", "no-cache")
		if req.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.Token)
		}
	}
	return httpReq, nil
}

// run is the reader goroutine. Every exit path after a cancel is silent.
func (t *httpTransport) run(ctx context.Context, s *stopper, req Request, h Handlers) {
	defer s.cancel()

	fail := func(err error) {
		if s.stopped() || ctx.Err() != nil {
			return
		}
		t.logger.Debug("stream failed", "strategy", string(t.mode), "error", err)
		if h.OnError != nil {
			h.OnError(err)
		}
	}

	httpReq, err := t.buildRequest(ctx, req)
	if err != nil {
		fail(connectError(req.URL, err))
		return
	}
	if s.stopped() {
		return
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		fail(connectError(req.URL, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		fail(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		return
	}

	if s.stopped() {
		return
	}
	if h.OnOpen != nil {
		h.OnOpen()
	}

	parser := sse.NewParser()
	buf := make([]byte, readBufferSize)
	var bytesRead int64

	// deliver returns false when the stream must stop.
	deliver := func(frames []sse.Frame) bool {
		for _, f := range frames {
			if s.stopped() {
				return false
			}
			if h.OnFrame == nil {
				continue
			}
			if err := h.OnFrame(f); err != nil {
				if !errors.Is(err, ErrStop) {
					fail(err)
				}
				return false
			}
		}
		return true
	}

	for {
		if s.stopped() {
			return
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			bytesRead += int64(n)
			if !deliver(parser.Feed(buf[:n])) {
				return
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if !deliver(parser.Close()) {
				return
			}
			if !s.stopped() && h.OnEnd != nil {
				h.OnEnd()
			}
			return
		}

		if bytesRead == 0 {
			fail(connectError(req.URL, readErr))
		} else {
			fail(&MidStreamError{BytesRead: bytesRead, Err: readErr})
		}
		return
	}
}

// connectError strips the *url.Error wrapper, whose message would repeat
// the full URL including a query-string token.
func connectError(raw string, err error) *ConnectError {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return &ConnectError{URL: redact(raw), Err: err}
}

// redact removes the credential from a URL before it ends up in an error.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has(queryTokenParam) {
		q.Set(queryTokenParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
