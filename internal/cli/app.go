// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring of the components behind every networked command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/comptax/comptax-cli/internal/api"
	"github.com/comptax/comptax-cli/internal/auth"
	"github.com/comptax/comptax-cli/internal/chat"
	"github.com/comptax/comptax-cli/internal/config"
	"github.com/comptax/comptax-cli/internal/i18n"
	"github.com/comptax/comptax-cli/internal/logging"
	"github.com/comptax/comptax-cli/internal/orchestrator"
	"github.com/comptax/comptax-cli/internal/reconcile"
	"github.com/comptax/comptax-cli/internal/storage"
	"github.com/comptax/comptax-cli/internal/transport"
)

// App holds the wired components for one process.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Loc          *i18n.Localizer
	Tokens       auth.TokenSource
	Client       *api.Client
	Sink         storage.Sink
	Manager      *chat.Manager
	Reconciler   *reconcile.Reconciler
	Transport    transport.Transport
	Orchestrator *orchestrator.Orchestrator

	Out    io.Writer
	ErrOut io.Writer
}

// LoadConfig loads the config file named by args (or the default one) and
// applies command-line overrides.
func LoadConfig(args Args) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if args.ConfigPath != "" {
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if args.Lang != "" {
		cfg.UI.Lang = args.Lang
	}
	if args.Transport != "" {
		cfg.Stream.Transport = args.Transport
	}
	if args.Verbose {
		cfg.Log.Level = "debug"
	}
	if args.Plain {
		cfg.UI.Markdown = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewApp wires every component from cfg and loads conversations. A backend
// failure during the initial sync is logged; local conversations stay
// available.
func NewApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{Config: cfg, Out: os.Stdout, ErrOut: os.Stderr}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if app.Logger, err = logging.New(cfg); err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	logger := app.Logger.Logger
	logger.Debug("starting", "version", Version, "base_url", cfg.API.BaseURL)

	app.Loc = i18n.New(cfg.UI.Lang)

	if app.Tokens, err = auth.FromConfig(cfg, logger); err != nil {
		return nil, err
	}

	app.Client = api.New(cfg.API.BaseURL, app.Tokens).
		WithTimeout(cfg.APITimeout()).
		WithLogger(logger)

	dir, err := cfg.StorageDir()
	if err != nil {
		return nil, err
	}
	if app.Sink, err = storage.Open(storage.Backend(cfg.Storage.Backend), dir); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	app.Manager = chat.New(chat.Options{
		Sink:   app.Sink,
		Client: app.Client,
		Logger: logger,
	})
	if err := app.Manager.Load(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Warn("conversation sync failed, using local copies", "error", err)
	}

	strategy, err := transport.ParseStrategy(cfg.Stream.Transport)
	if err != nil {
		return nil, err
	}
	app.Transport = transport.New(strategy,
		transport.Capabilities{CustomHeaders: cfg.Stream.HeadersAllowed},
		nil, logger)

	app.Reconciler = reconcile.New(app.Manager, app.Loc, logger)
	app.Orchestrator = orchestrator.New(orchestrator.Options{
		Manager:         app.Manager,
		Reconciler:      app.Reconciler,
		Transport:       app.Transport,
		Tokens:          app.Tokens,
		BaseURL:         cfg.API.BaseURL,
		Retrieval:       orchestrator.RetrievalFromConfig(cfg),
		CompletionGrace: cfg.CompletionGrace(),
		Logger:          logger,
	})
	return app, nil
}

// Retrieval returns the retrieval options for a query, with flags applied
// over the configured defaults.
func (a *App) Retrieval(args Args) orchestrator.Retrieval {
	r := orchestrator.RetrievalFromConfig(a.Config)
	if args.NResults > 0 {
		r.NResults = args.NResults
	}
	if args.NoSources {
		r.IncludeSources = false
	}
	if args.Partie > 0 {
		p := args.Partie
		r.Partie = &p
	}
	if args.Chapitre > 0 {
		c := args.Chapitre
		r.Chapitre = &c
	}
	return r
}

// ResolveConversation turns a user reference into a local id.
func (a *App) ResolveConversation(ref string) (string, error) {
	id, ok := a.Manager.Resolve(ref)
	if !ok {
		return "", fmt.Errorf("%w: %s", chat.ErrConversationNotFound, ref)
	}
	return id, nil
}

// Close cancels live answers, flushes conversations and releases resources.
// Safe on a partially built App.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Shutdown()
	}
	if a.Manager != nil {
		if err := a.Manager.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("close storage failed", "error", err)
		}
	} else if a.Sink != nil {
		_ = a.Sink.Close()
	}
	if a.Tokens != nil {
		_ = a.Tokens.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Close()
	}
}
