// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth supplies the bearer token used for REST calls and streams.
//
// Obtaining a token is out of scope: the user pastes one into the config,
// an environment variable, or a file that some other tool refreshes.
//
// # Key Types
//
//   - TokenSource: anything that can report the current token
//   - Static: a fixed token (empty means anonymous)
//   - Env: reads an environment variable on every call
//   - FileTokenSource: reads a file and reloads it when it changes
//
// # Usage
//
//	src, err := auth.FromConfig(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//	if tok, ok := src.Token(); ok {
//	    req.Header.Set("Authorization", "Bearer "+tok)
//	}
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/comptax/comptax-cli/internal/config"
)

// DefaultEnvVar is the environment variable consulted by FromConfig when no
// token is configured.
const DefaultEnvVar = "COMPTAX_TOKEN"

// TokenSource reports the current bearer token. ok is false when the user
// is anonymous.
type TokenSource interface {
	Token() (token string, ok bool)
	Close() error
}

// =============================================================================
// STATIC / ENV
// =============================================================================

// Static is a fixed token.
type Static string

// Token implements TokenSource.
func (s Static) Token() (string, bool) {
	t := strings.TrimSpace(string(s))
	return t, t != ""
}

// Close implements TokenSource.
func (Static) Close() error { return nil }

// Anonymous is the token source for unauthenticated use.
var Anonymous TokenSource = Static("")

// Env reads the named environment variable on every call.
type Env string

// Token implements TokenSource.
func (e Env) Token() (string, bool) {
	return Static(os.Getenv(string(e))).Token()
}

// Close implements TokenSource.
func (Env) Close() error { return nil }

// =============================================================================
// FILE
// =============================================================================

// FileTokenSource serves the contents of a token file, reloading it when
// the file is written, replaced or removed.
type FileTokenSource struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.RWMutex
	token string
}

// NewFileTokenSource reads path and starts watching it. The file must exist
// at creation; later removal makes the source anonymous until it returns.
func NewFileTokenSource(path string, logger *slog.Logger) (*FileTokenSource, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve token file: %w", err)
	}

	fs := &FileTokenSource{path: abs, logger: logger, done: make(chan struct{})}
	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token watcher: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch token directory: %w", err)
	}
	fs.watcher = watcher
	fs.ctx, fs.cancel = context.WithCancel(context.Background())

	go fs.processEvents()
	return fs, nil
}

// Token implements TokenSource.
func (fs *FileTokenSource) Token() (string, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.token, fs.token != ""
}

// Path returns the watched file.
func (fs *FileTokenSource) Path() string { return fs.path }

// Close stops watching.
func (fs *FileTokenSource) Close() error {
	if fs.cancel == nil {
		return nil
	}
	fs.cancel()
	err := fs.watcher.Close()
	<-fs.done
	return err
}

func (fs *FileTokenSource) reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	fs.set(strings.TrimSpace(string(data)))
	return nil
}

func (fs *FileTokenSource) set(token string) {
	fs.mu.Lock()
	fs.token = token
	fs.mu.Unlock()
}

func (fs *FileTokenSource) processEvents() {
	defer close(fs.done)

	for {
		select {
		case <-fs.ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path {
				continue
			}

			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				if err := fs.reload(); err != nil {
					fs.logger.Warn("token reload failed", "path", fs.path, "error", err)
					continue
				}
				fs.logger.Info("token reloaded", "path", fs.path)
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				fs.set("")
				fs.logger.Info("token file removed", "path", fs.path)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("token watcher error", "error", err)
		}
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// ErrTokenFileMissing is returned when auth.token_file names a missing file.
var ErrTokenFileMissing = errors.New("token file does not exist")

// FromConfig picks the token source: the token file if configured, then the
// inline token, then the COMPTAX_TOKEN variable read on each call.
func FromConfig(cfg *config.Config, logger *slog.Logger) (TokenSource, error) {
	if cfg.Auth.TokenFile != "" {
		if _, err := os.Stat(cfg.Auth.TokenFile); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTokenFileMissing, cfg.Auth.TokenFile)
		}
		return NewFileTokenSource(cfg.Auth.TokenFile, logger)
	}
	if cfg.Auth.Token != "" {
		return Static(cfg.Auth.Token), nil
	}
	return Env(DefaultEnvVar), nil
}
