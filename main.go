// comptax - A terminal client for the OHADA accounting assistant.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/comptax/comptax-cli/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args, err := cli.Parse()
	if err != nil {
		cli.DisplayError(os.Stderr, err, args.JSON)
		os.Exit(cli.ExitCode(err))
	}

	if err := run(cmd, args); err != nil {
		cli.DisplayError(os.Stderr, err, args.JSON)
		os.Exit(cli.ExitCode(err))
	}
}

// run executes cmd. Interrupts are handled per command so that Ctrl+C in
// chat cancels the answer being generated, not the process.
func run(cmd cli.Command, args cli.Args) error {
	// Commands that never touch the backend or local conversations.
	switch cmd {
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
		return nil
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout)
		return nil
	case cli.CmdConfig:
		return cli.HandleConfig(args, os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	cfg, err := cli.LoadConfig(args)
	if err != nil {
		return err
	}
	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	switch cmd {
	case cli.CmdAsk:
		return cli.HandleAsk(ctx, app, args)
	case cli.CmdConversations:
		return cli.HandleConversations(ctx, app, args)
	case cli.CmdStatus:
		return cli.HandleStatus(ctx, app, args)
	case cli.CmdHistory:
		return cli.HandleHistory(ctx, app, args)
	default:
		return cli.HandleChat(ctx, app, args)
	}
}
