// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptax/comptax-cli/internal/api"
	"github.com/comptax/comptax-cli/internal/auth"
	"github.com/comptax/comptax-cli/internal/chat"
	"github.com/comptax/comptax-cli/internal/config"
	"github.com/comptax/comptax-cli/internal/i18n"
	"github.com/comptax/comptax-cli/internal/logging"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/orchestrator"
	"github.com/comptax/comptax-cli/internal/reconcile"
	"github.com/comptax/comptax-cli/internal/stream"
	"github.com/comptax/comptax-cli/internal/transport"
)

// =============================================================================
// ARGUMENT PARSING
// =============================================================================

func TestParseArgs_Commands(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want Command
	}{
		{"no args starts chat", nil, CmdChat},
		{"chat", []string{"chat"}, CmdChat},
		{"ask", []string{"ask", "question"}, CmdAsk},
		{"conv alias", []string{"conv", "list"}, CmdConversations},
		{"c alias", []string{"c"}, CmdConversations},
		{"status alias", []string{"s"}, CmdStatus},
		{"history", []string{"history"}, CmdHistory},
		{"config", []string{"config", "path"}, CmdConfig},
		{"version flag", []string{"--version"}, CmdVersion},
		{"help flag", []string{"-h"}, CmdHelp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, _, err := ParseArgs(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParseArgs_AskFlags(t *testing.T) {
	cmd, args, err := ParseArgs([]string{
		"ask", "--json", "--partie", "2", "--chapitre=4", "-n", "8",
		"--no-sources", "-c", "3f2a", "Qu'est-ce", "qu'un", "bilan",
	})
	require.NoError(t, err)
	assert.Equal(t, CmdAsk, cmd)
	assert.True(t, args.JSON)
	assert.True(t, args.NoSources)
	assert.Equal(t, 2, args.Partie)
	assert.Equal(t, 4, args.Chapitre)
	assert.Equal(t, 8, args.NResults)
	assert.Equal(t, "3f2a", args.Conversation)
	assert.Equal(t, []string{"Qu'est-ce", "qu'un", "bilan"}, args.Rest)
}

func TestParseArgs_Subcommand(t *testing.T) {
	_, args, err := ParseArgs([]string{"conv", "rename", "3f2a", "Stocks", "2024"})
	require.NoError(t, err)
	assert.Equal(t, "rename", args.Subcommand)
	assert.Equal(t, []string{"3f2a", "Stocks", "2024"}, args.Rest)
}

func TestParseArgs_DoubleDashKeepsFlagsAsText(t *testing.T) {
	_, args, err := ParseArgs([]string{"ask", "--", "--partie", "est-elle", "utile"})
	require.NoError(t, err)
	assert.Zero(t, args.Partie)
	assert.Equal(t, []string{"--partie", "est-elle", "utile"}, args.Rest)
}

func TestParseArgs_Invalid(t *testing.T) {
	tests := [][]string{
		{"ask", "--partie", "deux", "q"},
		{"ask", "-n", "0x", "q"},
		{"ask", "-n", "51", "q"},
		{"ask", "--chapitre", "-1", "q"},
		{"frobnicate"},
	}
	for _, raw := range tests {
		t.Run(strings.Join(raw, " "), func(t *testing.T) {
			_, _, err := ParseArgs(raw)
			require.Error(t, err)
			assert.Equal(t, ExitUsageError, ExitCode(err))
		})
	}
}

func TestArgParser_BoolFlagsDoNotConsumeValues(t *testing.T) {
	p := NewArgParser([]string{"--json", "question", "--lang", "en", "-"}, "json")
	assert.True(t, p.BoolFlag("json"))
	assert.Equal(t, "en", p.Flag("lang"))
	assert.Equal(t, []string{"question", "-"}, p.PositionalFrom(0))
	assert.True(t, p.HasFlag("json"))
	assert.False(t, p.HasFlag("quiet"))

	p = NewArgParser([]string{"--json=false", "--limit"}, "json")
	assert.False(t, p.BoolFlag("json"))
	assert.True(t, p.HasFlag("limit"))
	n, err := p.FlagInt("limit")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"generic", errors.New("boom"), ExitGeneralError},
		{"interrupted", ErrInterrupted, ExitInterrupted},
		{"canceled", context.Canceled, ExitInterrupted},
		{"usage", NewUsageError("bad"), ExitUsageError},
		{"empty query", orchestrator.ErrEmptyQuery, ExitUsageError},
		{"not found", fmt.Errorf("%w: x", chat.ErrConversationNotFound), ExitNotFoundError},
		{"timeout", context.DeadlineExceeded, ExitTimeoutError},
		{"unauthorized stream", &transport.StatusError{Code: 401}, ExitAuthError},
		{"server stream", &transport.StatusError{Code: 502}, ExitNetworkError},
		{"connect", &transport.ConnectError{URL: "http://x", Err: errors.New("refused")}, ExitNetworkError},
		{"api unauthorized", NewCommandError("status", "", api.ErrUnauthorized), ExitAuthError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestDisplayError_JSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, NewCommandError("conversations", "rename", chat.ErrConversationNotFound), true)

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "conversations", out["command"])
	assert.Equal(t, "rename", out["action"])
	assert.EqualValues(t, ExitNotFoundError, out["code"])
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

func TestStreamPrinter_LivePrintsDeltas(t *testing.T) {
	var out bytes.Buffer
	p := newStreamPrinter(&out, nil, i18n.New("en"), true, false, 80)

	p.OnChunk(stream.Result{Text: "Le mode "})
	p.OnChunk(stream.Result{Text: "Le mode dégressif"})
	assert.Equal(t, "Le mode dégressif", out.String())

	p.Finish("Le mode dégressif applique un taux décroissant.")
	assert.Equal(t, "Le mode dégressif applique un taux décroissant.\n", out.String())
}

func TestStreamPrinter_ReplacementPrintedInFull(t *testing.T) {
	var out bytes.Buffer
	p := newStreamPrinter(&out, nil, i18n.New("en"), true, false, 40)

	p.OnChunk(stream.Result{Text: "Brouillon"})
	p.Finish("Réponse définitive.")

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "Brouillon\n"))
	assert.True(t, strings.HasSuffix(got, "\nRéponse définitive.\n"))
}

func TestStreamPrinter_PhasesGoToStatus(t *testing.T) {
	var out, status bytes.Buffer
	p := newStreamPrinter(&out, &status, i18n.New("en"), false, false, 80)

	p.OnSessionStart(stream.Result{})
	p.OnProgress(stream.Result{Phase: "retrieving"})
	p.OnProgress(stream.Result{Phase: "retrieving"})
	p.OnChunk(stream.Result{Phase: "generating", Text: "x"})
	assert.Empty(t, out.String())
	assert.Equal(t, 1, strings.Count(status.String(), "Retrieving relevant documents..."))
	assert.Contains(t, status.String(), "Connecting...")
	assert.Contains(t, status.String(), "Generating the answer...")

	p.Finish("Réponse")
	assert.Equal(t, "Réponse\n", out.String())
	assert.True(t, strings.HasSuffix(status.String(), "\r\033[K"))
}

// =============================================================================
// FORMATTING
// =============================================================================

func TestShortID(t *testing.T) {
	assert.Equal(t, "3f2a9c01", shortID("conv_3f2a9c01-aaaa-bbbb"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
		{now.Add(-30 * 24 * time.Hour), "2025-02-08"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, relativeTime(tt.t, now))
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Empty(t, formatDuration(0))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
}

func TestPrintConversationList(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	metas := []model.ConversationMeta{
		{ID: "conv_aaaaaaaa-1", Title: "Amortissements", MessageCount: 4, UpdatedAt: now.Add(-2 * time.Hour), Synced: true},
		{ID: "conv_bbbbbbbb-2", Title: "Stocks", MessageCount: 2, UpdatedAt: now.Add(-3 * time.Minute)},
	}

	var buf bytes.Buffer
	printConversationList(&buf, metas, "conv_bbbbbbbb-2", 80, now)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "aaaaaaaa")
	assert.Contains(t, lines[0], "☁")
	assert.Contains(t, lines[0], "2h ago")
	assert.Contains(t, lines[1], "* ")
	assert.Contains(t, lines[1], "3m ago")

	buf.Reset()
	printConversationList(&buf, nil, "", 80, now)
	assert.Contains(t, buf.String(), "No conversations.")
}

// =============================================================================
// CHAT HELPERS
// =============================================================================

func TestParseSlash(t *testing.T) {
	name, rest := parseSlash("/Rename  Bilan 2024 ")
	assert.Equal(t, "rename", name)
	assert.Equal(t, "Bilan 2024", rest)

	name, rest = parseSlash("/quit")
	assert.Equal(t, "quit", name)
	assert.Empty(t, rest)
}

func TestParseFeedback(t *testing.T) {
	fb, err := parseFeedback("+1 très clair")
	require.NoError(t, err)
	assert.Equal(t, model.Feedback{Rating: 1, Comment: "très clair"}, fb)

	fb, err = parseFeedback("down")
	require.NoError(t, err)
	assert.Equal(t, -1, fb.Rating)

	fb, err = parseFeedback("4")
	require.NoError(t, err)
	assert.Equal(t, 4, fb.Rating)

	_, err = parseFeedback("")
	assert.Equal(t, ExitUsageError, ExitCode(err))
	_, err = parseFeedback("six")
	assert.Error(t, err)
	_, err = parseFeedback("0")
	assert.ErrorIs(t, err, model.ErrInvalidRating)
}

func TestReadQuestion(t *testing.T) {
	q, err := readQuestion([]string{"Qu'est-ce", "qu'un", "bilan ?"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "Qu'est-ce qu'un bilan ?", q)

	q, err = readQuestion([]string{"-"}, strings.NewReader("  Et le compte de résultat ?\n"))
	require.NoError(t, err)
	assert.Equal(t, "Et le compte de résultat ?", q)

	_, err = readQuestion([]string{"-"}, strings.NewReader("   \n"))
	assert.Equal(t, ExitUsageError, ExitCode(err))

	_, err = readQuestion([]string{"-"}, strings.NewReader(strings.Repeat("a", MaxStdinQuestion+1)))
	assert.Equal(t, ExitUsageError, ExitCode(err))
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"COMPTAX_CONFIG", "COMPTAX_API_URL", "COMPTAX_TOKEN", "COMPTAX_TOKEN_FILE",
		"COMPTAX_TRANSPORT", "COMPTAX_LANG", "COMPTAX_LOG_LEVEL", "COMPTAX_STORAGE",
	} {
		t.Setenv(k, "")
	}
}

func TestHandleConfig_InitSetGet(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	args := Args{ConfigPath: path}
	var out bytes.Buffer

	args.Subcommand = "path"
	require.NoError(t, HandleConfig(args, &out))
	assert.Equal(t, path+"\n", out.String())

	args.Subcommand = "init"
	require.NoError(t, HandleConfig(args, &out))
	_, err := os.Stat(path)
	require.NoError(t, err)

	err = HandleConfig(args, &out)
	assert.Equal(t, ExitUsageError, ExitCode(err), "init refuses to overwrite without --force")
	args.Force = true
	require.NoError(t, HandleConfig(args, &out))
	args.Force = false

	args.Subcommand = "set"
	args.Rest = []string{"stream.n_results", "8"}
	require.NoError(t, HandleConfig(args, &out))

	args.Rest = []string{"auth.token", "secret"}
	require.NoError(t, HandleConfig(args, &out))

	args.Subcommand = "get"
	out.Reset()
	args.Rest = []string{"stream.n_results"}
	require.NoError(t, HandleConfig(args, &out))
	assert.Equal(t, "8\n", out.String())

	out.Reset()
	args.Rest = []string{"auth.token"}
	require.NoError(t, HandleConfig(args, &out))
	assert.Equal(t, "[REDACTED]\n", out.String())

	args.Rest = []string{"stream.nope"}
	assert.Error(t, HandleConfig(args, &out))
}

func TestHandleConfig_SetRejectsInvalidValue(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	args := Args{ConfigPath: path, Subcommand: "set", Rest: []string{"stream.n_results", "500"}}

	err := HandleConfig(args, &bytes.Buffer{})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing saved")
}

func TestHandleConfig_Keys(t *testing.T) {
	clearEnv(t)
	var out bytes.Buffer
	require.NoError(t, HandleConfig(Args{ConfigPath: filepath.Join(t.TempDir(), "c.toml"), Subcommand: "keys"}, &out))
	assert.Contains(t, out.String(), "stream.transport\n")
	assert.Contains(t, out.String(), "api.base_url\n")
}

// =============================================================================
// ASK COMMAND
// =============================================================================

const answerFrames = "event: start\ndata: {\"id\":\"q-1\"}\n\n" +
	"event: chunk\ndata: {\"text\":\"Le mode \",\"completion\":0.3}\n\n" +
	"event: chunk\ndata: {\"text\":\"dégressif\",\"completion\":0.6}\n\n" +
	"event: complete\ndata: {\"id\":\"q-1\",\"answer\":\"Le mode dégressif applique un taux décroissant.\"," +
	"\"sources\":[{\"document_id\":\"plan-42\",\"relevance_score\":0.87,\"metadata\":{\"title\":\"Amortissements\"}}]," +
	"\"performance\":{\"total_time_seconds\":1.5}}\n\n"

// newTestApp wires an anonymous App against an SSE test server.
func newTestApp(t *testing.T, handler http.HandlerFunc) (*App, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.UI.Markdown = false

	logger := logging.Discard()
	loc := i18n.New("en")
	mgr := chat.New(chat.Options{Logger: logger})
	rec := reconcile.New(mgr, loc, logger)
	tr := transport.NewHeaderTransport(srv.Client(), logger)

	var out bytes.Buffer
	app := &App{
		Config:     cfg,
		Logger:     &logging.Logger{Logger: logger},
		Loc:        loc,
		Tokens:     auth.Anonymous,
		Client:     api.New(srv.URL, auth.Anonymous),
		Manager:    mgr,
		Reconciler: rec,
		Transport:  tr,
		Orchestrator: orchestrator.New(orchestrator.Options{
			Manager:    mgr,
			Reconciler: rec,
			Transport:  tr,
			BaseURL:    srv.URL,
			Retrieval:  orchestrator.RetrievalFromConfig(cfg),
			Logger:     logger,
		}),
		Out:    &out,
		ErrOut: &bytes.Buffer{},
	}
	t.Cleanup(app.Orchestrator.Shutdown)
	return app, &out
}

func sseHandler(frames string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}
}

func TestHandleAsk_PrintsAnswerAndSources(t *testing.T) {
	app, out := newTestApp(t, sseHandler(answerFrames))

	err := HandleAsk(context.Background(), app, Args{Rest: []string{"Comment", "fonctionne", "l'amortissement ?"}})
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "Le mode dégressif applique un taux décroissant.")
	assert.Contains(t, got, "Amortissements")
	assert.Contains(t, got, "1.5s")

	conv, ok := app.Manager.Current()
	require.True(t, ok)
	assert.Equal(t, 2, conv.Len())
}

func TestHandleAsk_JSON(t *testing.T) {
	app, out := newTestApp(t, sseHandler(answerFrames))

	err := HandleAsk(context.Background(), app, Args{JSON: true, Rest: []string{"question"}})
	require.NoError(t, err)

	var got askJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, "complete", got.State)
	assert.Equal(t, "Le mode dégressif applique un taux décroissant.", got.Answer)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, "plan-42", got.Sources[0].DocumentID)
	assert.EqualValues(t, 1500, got.DurationMs)
}

func TestHandleAsk_ServerErrorFrame(t *testing.T) {
	app, out := newTestApp(t, sseHandler(
		"event: chunk\ndata: {\"text\":\"Début\"}\n\n"+
			"event: error\ndata: {\"error\":\"quota exceeded\"}\n\n"))

	err := HandleAsk(context.Background(), app, Args{JSON: true, Rest: []string{"question"}})
	require.Error(t, err)

	var got askJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.False(t, got.Success)
	assert.Equal(t, "failed", got.State)
	assert.Contains(t, got.Error, "quota exceeded")
}

func TestHandleAsk_UnknownConversation(t *testing.T) {
	app, _ := newTestApp(t, sseHandler(answerFrames))

	err := HandleAsk(context.Background(), app, Args{Conversation: "nope", Rest: []string{"question"}})
	assert.Equal(t, ExitNotFoundError, ExitCode(err))
	assert.Empty(t, app.Manager.List())
}

// =============================================================================
// CHAT SLASH COMMANDS
// =============================================================================

func TestHandleSlash_ConversationLifecycle(t *testing.T) {
	app, out := newTestApp(t, sseHandler(answerFrames))
	s := &ChatSession{app: app, out: out}
	ctx := context.Background()

	quit, err := s.handleSlash(ctx, "/new Stocks")
	require.NoError(t, err)
	assert.False(t, quit)
	convID := app.Manager.CurrentID()
	require.NotEmpty(t, convID)

	_, err = s.handleSlash(ctx, "/sources")
	assert.Error(t, err, "no answer yet")

	require.NoError(t, s.ask(ctx, "Comment valoriser les stocks ?"))
	assert.NotEmpty(t, s.lastAnswer)

	_, err = s.handleSlash(ctx, "/feedback 5 parfait")
	require.NoError(t, err)
	conv, _ := app.Manager.Get(convID)
	msg, ok := conv.Message(s.lastAnswer)
	require.True(t, ok)
	require.NotNil(t, msg.Feedback)
	assert.Equal(t, 5, msg.Feedback.Rating)

	_, err = s.handleSlash(ctx, "/rename Valorisation des stocks")
	require.NoError(t, err)
	conv, _ = app.Manager.Get(convID)
	assert.Equal(t, "Valorisation des stocks", conv.DisplayTitle())

	_, err = s.handleSlash(ctx, "/delete")
	require.NoError(t, err)
	_, ok = app.Manager.Get(convID)
	assert.False(t, ok)

	_, err = s.handleSlash(ctx, "/frobnicate")
	assert.Equal(t, ExitUsageError, ExitCode(err))

	quit, err = s.handleSlash(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

// =============================================================================
// CONVERSATIONS COMMAND
// =============================================================================

func TestHandleConversations_ListSearchExport(t *testing.T) {
	app, out := newTestApp(t, sseHandler(answerFrames))
	ctx := context.Background()

	require.NoError(t, HandleAsk(ctx, app, Args{Rest: []string{"Comment", "fonctionne", "l'amortissement ?"}}))
	_, err := app.Manager.Create(ctx, "Stocks")
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, HandleConversations(ctx, app, Args{Subcommand: "list", JSON: true}))
	var metas []model.ConversationMeta
	require.NoError(t, json.Unmarshal(out.Bytes(), &metas))
	require.Len(t, metas, 2)

	out.Reset()
	require.NoError(t, HandleConversations(ctx, app, Args{Subcommand: "search", JSON: true, Rest: []string{"AMORTISSEMENT"}}))
	metas = nil
	require.NoError(t, json.Unmarshal(out.Bytes(), &metas))
	require.Len(t, metas, 1)
	assert.Contains(t, metas[0].Title, "amortissement")

	path := filepath.Join(t.TempDir(), "amortissement.md")
	out.Reset()
	require.NoError(t, HandleConversations(ctx, app, Args{
		Subcommand: "export",
		Rest:       []string{shortID(metas[0].ID)},
		Output:     path,
	}))
	assert.Contains(t, out.String(), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Le mode dégressif applique un taux décroissant.")
	assert.Contains(t, string(data), "Amortissements")

	err = HandleConversations(ctx, app, Args{Subcommand: "export", Rest: []string{metas[0].ID}, Format: "pdf"})
	assert.Equal(t, ExitUsageError, ExitCode(err))

	err = HandleConversations(ctx, app, Args{Subcommand: "bogus"})
	assert.Equal(t, ExitUsageError, ExitCode(err))
}
