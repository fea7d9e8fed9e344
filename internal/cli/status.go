// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - Backend status and query history command handlers.
//
// Command: status
// Aliases: s
//
// Command: history [--limit N]
package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/comptax/comptax-cli/internal/api"
	"github.com/comptax/comptax-cli/internal/util"
)

// DefaultHistoryLimit is the number of past queries shown by history.
const DefaultHistoryLimit = 10

// statusJSON is the --json output of status.
type statusJSON struct {
	BaseURL       string `json:"base_url"`
	Reachable     bool   `json:"reachable"`
	Service       string `json:"service,omitempty"`
	Version       string `json:"version,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Transport     string `json:"transport"`
	Storage       string `json:"storage"`
	Conversations int    `json:"conversations"`
	Language      string `json:"language"`
}

// HandleStatus checks the backend and prints the local setup.
func HandleStatus(ctx context.Context, app *App, args Args) error {
	ctx, cancel := context.WithTimeout(ctx, app.Config.APITimeout())
	defer cancel()

	st := statusJSON{
		BaseURL:       app.Config.API.BaseURL,
		Authenticated: app.Client.Authenticated(),
		Transport:     app.Transport.Name(),
		Storage:       app.Config.Storage.Backend,
		Conversations: len(app.Manager.List()),
		Language:      app.Loc.Lang(),
	}

	info, err := app.Client.Info(ctx)
	if err == nil {
		st.Reachable = true
		st.Service = info.Service
		st.Version = info.Version
		st.Status = info.Status
	} else {
		st.Error = err.Error()
	}

	if args.JSON {
		if werr := writeJSON(app.Out, st); werr != nil {
			return werr
		}
		return err
	}

	fmt.Fprintln(app.Out, TitleStyle.Render("comptax status"))
	fmt.Fprintln(app.Out, RenderSeparator(40))
	backend := SuccessStyle.Render("reachable")
	if !st.Reachable {
		backend = ErrorStyle.Render("unreachable")
	}
	rows := [][2]string{
		{"Backend", st.BaseURL + " " + backend},
	}
	if st.Reachable {
		rows = append(rows, [2]string{"Service", fmt.Sprintf("%s %s (%s)", st.Service, st.Version, st.Status)})
	}
	auth := "anonymous"
	if st.Authenticated {
		auth = "signed in"
	}
	rows = append(rows,
		[2]string{"Auth", auth},
		[2]string{"Transport", st.Transport},
		[2]string{"Storage", st.Storage},
		[2]string{"Conversations", fmt.Sprint(st.Conversations)},
		[2]string{"Language", st.Language},
	)
	for _, r := range rows {
		fmt.Fprintf(app.Out, "%s %s\n", RenderLabel(r[0]), ValueStyle.Render(r[1]))
	}
	if err != nil {
		return NewCommandError("status", "", err)
	}
	return nil
}

// HandleHistory prints the backend's recent queries, newest first.
func HandleHistory(ctx context.Context, app *App, args Args) error {
	limit := args.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	hist, err := app.Client.History(ctx, limit)
	if err != nil {
		return NewCommandError("history", "", err)
	}
	entries := slices.Clone(hist.History)
	slices.SortStableFunc(entries, func(a, b api.HistoryEntry) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})

	if args.JSON {
		return writeJSON(app.Out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(app.Out, DimStyle.Render("No queries yet."))
		return nil
	}

	width := TerminalWidth()
	now := nowFunc()
	for _, e := range entries {
		when := relativeTime(time.Unix(0, int64(e.Timestamp*float64(time.Second))), now)
		fmt.Fprintf(app.Out, "%s %s\n", DimStyle.Render(util.PadRight(when, 12)), util.TruncateWidth(e.Query, width-14))
		if !args.Quiet && e.Answer != "" {
			fmt.Fprintf(app.Out, "%s %s\n", util.PadRight("", 12), DimStyle.Render(util.TruncateWidth(flattenLine(e.Answer), width-14)))
		}
	}
	return nil
}

// flattenLine collapses whitespace runs so an answer fits on one line.
func flattenLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
