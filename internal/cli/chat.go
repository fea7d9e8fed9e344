// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command handler for comptax.
//
// Command: chat
// Short:   Start an interactive chat session (default command)
//
// Interactive Commands (during chat):
//   /help, /h            Show available commands
//   /new [title]         Start a new conversation
//   /list, /ls           List conversations
//   /open <ref>          Switch to a conversation
//   /rename <title>      Rename the current conversation
//   /delete [ref]        Delete a conversation (current by default)
//   /feedback <rating>   Rate the last answer (-1, +1 or 1-5) [comment]
//   /sources             Show the sources of the last answer
//   /show                Print the current conversation
//   /quit, /q            Exit chat
//   Ctrl+C               Cancel the answer being generated
//   Ctrl+D               Exit chat
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/comptax/comptax-cli/internal/chat"
	"github.com/comptax/comptax-cli/internal/config"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/stream"
	"github.com/comptax/comptax-cli/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatInput provides line editing and persistent input history.
type ChatInput struct {
	line        *liner.State
	historyFile string
}

// NewChatInput creates the line editor and loads history.
func NewChatInput() *ChatInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeSlash)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &ChatInput{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(in.historyFile); err == nil {
		_, _ = in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

// ReadInput reads one line. Non-empty input is added to history.
func (c *ChatInput) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the
// terminal.
func (c *ChatInput) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

var slashCommands = []string{
	"/help", "/new", "/list", "/open", "/rename", "/delete",
	"/feedback", "/sources", "/show", "/export", "/quit",
}

func completeSlash(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// CHAT SESSION
// =============================================================================

// ChatSession holds the state of the REPL.
type ChatSession struct {
	app  *App
	args Args
	out  io.Writer

	// lastAnswer is the local id of the most recent answer in the current
	// conversation, for /sources and /feedback.
	lastAnswer string
}

// HandleChat runs the interactive REPL until /quit, Ctrl+D or ctx is done.
func HandleChat(ctx context.Context, app *App, args Args) error {
	if !IsTTY() {
		return NewUsageError("chat needs an interactive terminal; use 'comptax ask' for piped input")
	}

	s := &ChatSession{app: app, args: args, out: app.Out}

	if args.Conversation != "" {
		id, err := app.ResolveConversation(args.Conversation)
		if err != nil {
			return err
		}
		if err := app.Manager.Select(ctx, id); err != nil {
			app.Logger.Warn("sync conversation failed", "conversation", id, "error", err)
		}
	}

	input := NewChatInput()
	defer input.Close()

	s.printWelcome()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := input.ReadInput(PromptStyle.Render("> "))
		if errors.Is(err, liner.ErrPromptAborted) {
			fmt.Fprintln(s.out, DimStyle.Render("(Ctrl+D or /quit to exit)"))
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.handleSlash(ctx, line)
			if err != nil {
				DisplayError(s.out, err, false)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := s.ask(ctx, line); err != nil && !errors.Is(err, ErrInterrupted) {
			DisplayError(s.out, err, false)
		}
	}
}

// ask streams one answer. Ctrl+C cancels only this answer.
func (s *ChatSession) ask(ctx context.Context, question string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	markdown := s.app.Config.UI.Markdown
	var status io.Writer
	if !s.args.Quiet {
		status = s.app.ErrOut
	}
	printer := newStreamPrinter(s.out, status, s.app.Loc, !markdown, markdown, TerminalWidth())

	fmt.Fprintln(s.out)
	outcome, err := runQuery(turnCtx, s.app, s.args, s.app.Manager.CurrentID(), question, printer)
	if err != nil {
		return err
	}
	s.lastAnswer = outcome.Answer.ID

	printer.Finish(outcome.Answer.Content)
	switch outcome.Result.State {
	case stream.Complete:
		if d := formatDuration(outcome.Answer.Duration); d != "" && !s.args.Quiet {
			hint := fmt.Sprintf("%s · %d sources · /sources /feedback", d, len(outcome.Answer.Sources))
			fmt.Fprintln(s.out, DimStyle.Render(hint))
		}
	case stream.Cancelled:
		fmt.Fprintln(s.out, WarningStyle.Render("Cancelled."))
	}
	fmt.Fprintln(s.out)
	return outcomeError(outcome.Result)
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// parseSlash splits "/cmd a b" into "cmd" and its argument string.
func parseSlash(line string) (string, string) {
	line = strings.TrimPrefix(line, "/")
	name, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(rest)
}

// handleSlash runs a slash command and reports whether to quit.
func (s *ChatSession) handleSlash(ctx context.Context, line string) (bool, error) {
	name, rest := parseSlash(line)
	mgr := s.app.Manager

	switch name {
	case "quit", "q", "exit":
		return true, nil

	case "help", "h", "?":
		printChatHelp(s.out)

	case "new", "n":
		conv, err := mgr.Create(ctx, rest)
		if err != nil {
			return false, err
		}
		s.lastAnswer = ""
		fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render("New conversation"), DimStyle.Render(shortID(conv.ID)))

	case "list", "ls", "l":
		printConversationList(s.out, mgr.List(), mgr.CurrentID(), TerminalWidth(), nowFunc())

	case "open", "o":
		if rest == "" {
			return false, NewUsageError("usage: /open <ref>")
		}
		id, err := s.app.ResolveConversation(rest)
		if err != nil {
			return false, err
		}
		if err := mgr.Select(ctx, id); err != nil {
			s.app.Logger.Warn("sync conversation failed", "conversation", id, "error", err)
		}
		s.lastAnswer = ""
		if conv, ok := mgr.Get(id); ok {
			if last, ok := conv.LastAssistantMessage(); ok {
				s.lastAnswer = last.ID
			}
			printTranscript(s.out, s.app.Loc, conv, s.app.Config.UI.Markdown, TerminalWidth())
		}

	case "show":
		conv, ok := mgr.Current()
		if !ok {
			return false, chat.ErrNoCurrentConversation
		}
		printTranscript(s.out, s.app.Loc, conv, s.app.Config.UI.Markdown, TerminalWidth())

	case "rename":
		id := mgr.CurrentID()
		if id == "" {
			return false, chat.ErrNoCurrentConversation
		}
		if err := mgr.Rename(ctx, id, rest); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("Renamed."))

	case "delete", "del":
		id := mgr.CurrentID()
		if rest != "" {
			var err error
			if id, err = s.app.ResolveConversation(rest); err != nil {
				return false, err
			}
		}
		if id == "" {
			return false, chat.ErrNoCurrentConversation
		}
		s.app.Orchestrator.Cancel(id)
		if err := mgr.Delete(ctx, id); err != nil {
			return false, err
		}
		s.lastAnswer = ""
		fmt.Fprintln(s.out, SuccessStyle.Render("Deleted."))

	case "sources", "src":
		msg, err := s.lastAnswerMessage()
		if err != nil {
			return false, err
		}
		printSources(s.out, s.app.Loc, msg)

	case "feedback", "fb":
		fb, err := parseFeedback(rest)
		if err != nil {
			return false, err
		}
		msg, err := s.lastAnswerMessage()
		if err != nil {
			return false, err
		}
		if err := mgr.AddFeedback(ctx, mgr.CurrentID(), msg.ID, fb); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("Thanks for the feedback."))

	case "export":
		id := mgr.CurrentID()
		if id == "" {
			return false, chat.ErrNoCurrentConversation
		}
		args := s.args
		args.Rest = []string{id}
		args.Format = rest
		args.JSON = false
		if err := exportConversation(s.app, args); err != nil {
			return false, err
		}

	default:
		return false, NewUsageError(fmt.Sprintf("unknown command /%s (try /help)", name))
	}
	return false, nil
}

func (s *ChatSession) lastAnswerMessage() (*model.Message, error) {
	conv, ok := s.app.Manager.Current()
	if !ok {
		return nil, chat.ErrNoCurrentConversation
	}
	if s.lastAnswer != "" {
		if msg, ok := conv.Message(s.lastAnswer); ok {
			return msg, nil
		}
	}
	if msg, ok := conv.LastAssistantMessage(); ok {
		return msg, nil
	}
	return nil, errors.New("no answer yet in this conversation")
}

// parseFeedback reads "<rating> [comment]". Ratings are -1, +1 or 1..5;
// "up" and "down" are accepted for thumbs.
func parseFeedback(arg string) (model.Feedback, error) {
	ratingStr, comment, _ := strings.Cut(strings.TrimSpace(arg), " ")
	var rating int
	switch strings.ToLower(ratingStr) {
	case "":
		return model.Feedback{}, NewUsageError("usage: /feedback <-1|+1|1-5> [comment]")
	case "up", "👍":
		rating = 1
	case "down", "👎":
		rating = -1
	default:
		n, err := strconv.Atoi(ratingStr)
		if err != nil {
			return model.Feedback{}, NewUsageError(fmt.Sprintf("invalid rating %q", ratingStr))
		}
		rating = n
	}
	fb := model.Feedback{Rating: rating, Comment: strings.TrimSpace(comment)}
	if err := fb.Validate(); err != nil {
		return model.Feedback{}, err
	}
	return fb, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func (s *ChatSession) printWelcome() {
	fmt.Fprintln(s.out, TitleStyle.Render("comptax")+DimStyle.Render(" · OHADA accounting assistant"))
	auth := "anonymous"
	if s.app.Client.Authenticated() {
		auth = "signed in"
	}
	fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("%s · %s · /help for commands", s.app.Config.API.BaseURL, auth)))
	if conv, ok := s.app.Manager.Current(); ok {
		fmt.Fprintln(s.out, DimStyle.Render("Conversation: "+conv.DisplayTitle()))
	}
	fmt.Fprintln(s.out)
}

func printChatHelp(w io.Writer) {
	rows := [][2]string{
		{"/new [title]", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/open <ref>", "Switch to a conversation"},
		{"/show", "Print the current conversation"},
		{"/rename <title>", "Rename the current conversation"},
		{"/delete [ref]", "Delete a conversation"},
		{"/sources", "Show the sources of the last answer"},
		{"/feedback <r> [text]", "Rate the last answer: -1, +1 or 1-5"},
		{"/export [md|json]", "Write the conversation to a file"},
		{"/quit", "Exit (also Ctrl+D)"},
		{"Ctrl+C", "Cancel the answer being generated"},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %s %s\n", ValueStyle.Render(util.PadRight(r[0], 22)), DimStyle.Render(r[1]))
	}
}
