// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// conversations.go - Conversation management command handler for comptax.
//
// Command: conversations [subcommand]
// Aliases: conv, c
//
// Subcommands:
//   list (default)       List conversations, most recent first
//   show <ref>           Print a transcript
//   rename <ref> <title> Rename a conversation
//   delete <ref>         Delete a conversation locally and on the backend
//   search <text>        Search stored conversations
//   refresh              Re-fetch the list from the backend
//   export <ref>         Write a transcript file (--format md|json, -o PATH)
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/comptax/comptax-cli/internal/export"
)

// nowFunc is replaced in tests.
var nowFunc = time.Now

// HandleConversations dispatches the conversations subcommands.
func HandleConversations(ctx context.Context, app *App, args Args) error {
	switch args.Subcommand {
	case "", "list", "ls":
		return listConversations(app, args)
	case "show", "cat":
		return showConversation(app, args)
	case "rename", "mv":
		return renameConversation(ctx, app, args)
	case "delete", "rm":
		return deleteConversation(ctx, app, args)
	case "search", "find":
		return searchConversations(app, args)
	case "export":
		return exportConversation(app, args)
	case "refresh", "sync":
		if err := app.Manager.Refresh(ctx); err != nil {
			return NewCommandError("conversations", "refresh", err)
		}
		return listConversations(app, args)
	default:
		return NewUsageError(fmt.Sprintf("unknown conversations subcommand %q", args.Subcommand))
	}
}

func listConversations(app *App, args Args) error {
	metas := app.Manager.List()
	if args.Limit > 0 && len(metas) > args.Limit {
		metas = metas[:args.Limit]
	}
	if args.JSON {
		return writeJSON(app.Out, metas)
	}
	printConversationList(app.Out, metas, app.Manager.CurrentID(), TerminalWidth(), nowFunc())
	return nil
}

func showConversation(app *App, args Args) error {
	ref := firstArg(args.Rest)
	if ref == "" {
		ref = app.Manager.CurrentID()
	}
	if ref == "" {
		return NewUsageError("usage: comptax conv show <ref>")
	}
	id, err := app.ResolveConversation(ref)
	if err != nil {
		return err
	}
	conv, _ := app.Manager.Get(id)

	if args.JSON {
		return writeJSON(app.Out, conv)
	}
	markdown := app.Config.UI.Markdown && IsStdoutTTY()
	printTranscript(app.Out, app.Loc, conv, markdown, TerminalWidth())
	return nil
}

func renameConversation(ctx context.Context, app *App, args Args) error {
	if len(args.Rest) < 2 {
		return NewUsageError("usage: comptax conv rename <ref> <title>")
	}
	id, err := app.ResolveConversation(args.Rest[0])
	if err != nil {
		return err
	}
	title := strings.Join(args.Rest[1:], " ")
	if err := app.Manager.Rename(ctx, id, title); err != nil {
		return NewCommandError("conversations", "rename", err)
	}
	if !args.Quiet {
		fmt.Fprintf(app.Out, "%s %s\n", SuccessStyle.Render("Renamed to"), title)
	}
	return nil
}

func deleteConversation(ctx context.Context, app *App, args Args) error {
	ref := firstArg(args.Rest)
	if ref == "" {
		return NewUsageError("usage: comptax conv delete <ref>")
	}
	id, err := app.ResolveConversation(ref)
	if err != nil {
		return err
	}
	conv, _ := app.Manager.Get(id)
	if err := app.Manager.Delete(ctx, id); err != nil {
		return NewCommandError("conversations", "delete", err)
	}
	if !args.Quiet {
		fmt.Fprintf(app.Out, "%s %s\n", SuccessStyle.Render("Deleted"), conv.DisplayTitle())
	}
	return nil
}

func searchConversations(app *App, args Args) error {
	query := strings.Join(args.Rest, " ")
	if strings.TrimSpace(query) == "" {
		return NewUsageError("usage: comptax conv search <text>")
	}
	metas := app.Manager.Search(query)
	if args.JSON {
		return writeJSON(app.Out, metas)
	}
	printConversationList(app.Out, metas, app.Manager.CurrentID(), TerminalWidth(), nowFunc())
	return nil
}

func exportConversation(app *App, args Args) error {
	ref := firstArg(args.Rest)
	if ref == "" {
		ref = app.Manager.CurrentID()
	}
	if ref == "" {
		return NewUsageError("usage: comptax conv export <ref> [--format md|json] [-o PATH]")
	}
	id, err := app.ResolveConversation(ref)
	if err != nil {
		return err
	}
	conv, _ := app.Manager.Get(id)

	opts := export.DefaultOptions()
	opts.Path = args.Output
	opts.Loc = app.Loc
	opts.Now = nowFunc
	exporter, err := export.ForFormat(args.Format, opts)
	if err != nil {
		return NewUsageError(err.Error())
	}
	path, err := export.ExportToFile(conv, exporter, opts)
	if err != nil {
		return NewCommandError("conversations", "export", err)
	}
	if args.JSON {
		return writeJSON(app.Out, map[string]string{"conversation_id": id, "path": path})
	}
	fmt.Fprintf(app.Out, "%s %s\n", SuccessStyle.Render("Exported to"), path)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func firstArg(rest []string) string {
	if len(rest) == 0 {
		return ""
	}
	return rest[0]
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
