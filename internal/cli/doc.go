// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the comptax command line.
//
// Commands parse their flags with ParseArgs, receive an App holding the
// wired components, and return errors. main maps errors to exit codes with
// ExitCode and prints them with DisplayError.
//
// # Commands
//
//   - chat: interactive conversation with slash commands
//   - ask: one question, streamed to stdout
//   - conversations: list, show, rename, delete, search, refresh
//   - config: show, path, init, get, set, keys
//   - status, history: backend checks
//
// # Usage
//
//	cmd, args, err := cli.Parse()
//	cfg, err := cli.LoadConfig(args)
//	app, err := cli.NewApp(ctx, cfg)
//	defer app.Close()
//	err = cli.HandleAsk(ctx, app, args)
package cli
