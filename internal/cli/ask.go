// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single question command handler for comptax.
//
// Command: ask [question]
// Short:   Ask a single question
//
// Examples:
//   comptax ask "Comment fonctionne l'amortissement dégressif ?"
//   comptax ask --partie 2 "Qu'est-ce qu'un compte de bilan ?"
//   echo "Qu'est-ce qu'un bilan ?" | comptax ask -
//   comptax ask -c 3f2a "Et le linéaire ?"
//
// Flags:
//   -c, --conversation REF   Continue a conversation instead of starting one
//   --partie N, --chapitre N Restrict retrieval
//   -n, --n-results N        Documents to retrieve
//   --no-sources             Do not request sources
//   --json                   Output the reconciled answer as JSON
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/orchestrator"
	"github.com/comptax/comptax-cli/internal/stream"
)

// MaxStdinQuestion bounds a question read from stdin.
const MaxStdinQuestion = 64 * 1024

// =============================================================================
// QUERY EXECUTION
// =============================================================================

// queryOutcome is the reconciled result of one question.
type queryOutcome struct {
	ConversationID string
	Result         stream.Result
	Answer         *model.Message
}

// runQuery submits question and blocks until the session is terminal.
// Cancelling ctx cancels the answer; its partial text is kept.
func runQuery(ctx context.Context, app *App, args Args, convID, question string, printer *streamPrinter) (*queryOutcome, error) {
	retrieval := app.Retrieval(args)
	q := orchestrator.Query{
		Text:           question,
		ConversationID: convID,
		Retrieval:      &retrieval,
	}
	if printer != nil {
		q.Listener = printer
	}

	handle, err := app.Orchestrator.SubmitQuery(ctx, q)
	if err != nil {
		return nil, err
	}

	// The session observes ctx itself; wait without it so the cancellation
	// is reconciled before returning.
	res, err := handle.Wait(context.Background())
	if err != nil {
		return nil, err
	}

	out := &queryOutcome{ConversationID: handle.ConversationID(), Result: res}
	if conv, ok := app.Manager.Get(handle.ConversationID()); ok {
		if msg, ok := conv.Message(handle.AssistantMessageID()); ok {
			out.Answer = msg
		}
	}
	if out.Answer == nil {
		// The conversation was deleted while answering.
		out.Answer = &model.Message{Role: model.RoleAssistant, Content: res.Text}
	}
	return out, nil
}

// outcomeError maps a terminal state to the command's error.
func outcomeError(res stream.Result) error {
	switch res.State {
	case stream.Cancelled:
		return ErrInterrupted
	case stream.Failed:
		if res.Err != nil {
			return res.Err
		}
		return errors.New("answer failed")
	}
	return nil
}

// =============================================================================
// ASK COMMAND
// =============================================================================

// askJSON is the --json output of ask.
type askJSON struct {
	Success        bool           `json:"success"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	ServerID       string         `json:"server_id,omitempty"`
	State          string         `json:"state"`
	Answer         string         `json:"answer"`
	Sources        []model.Source `json:"sources,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// HandleAsk answers one question. Without --conversation a new
// conversation is started.
func HandleAsk(ctx context.Context, app *App, args Args) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	question, err := readQuestion(args.Rest, os.Stdin)
	if err != nil {
		return err
	}

	convID := ""
	if args.Conversation != "" {
		if convID, err = app.ResolveConversation(args.Conversation); err != nil {
			return err
		}
	} else {
		conv, err := app.Manager.Create(ctx, model.DeriveTitle(question))
		if err != nil {
			return NewCommandError("ask", "create conversation", err)
		}
		convID = conv.ID
	}

	var printer *streamPrinter
	if !args.JSON {
		var status io.Writer
		if IsStderrTTY() && !args.Quiet {
			status = app.ErrOut
		}
		markdown := app.Config.UI.Markdown && IsStdoutTTY()
		printer = newStreamPrinter(app.Out, status, app.Loc, !markdown, markdown, TerminalWidth())
	}

	outcome, err := runQuery(ctx, app, args, convID, question, printer)
	if err != nil {
		return err
	}

	if args.JSON {
		return writeAskJSON(app.Out, outcome)
	}

	printer.Finish(outcome.Answer.Content)
	if !args.Quiet && outcome.Result.State == stream.Complete {
		fmt.Fprintln(app.Out)
		printSources(app.Out, app.Loc, outcome.Answer)
		if d := formatDuration(outcome.Answer.Duration); d != "" {
			fmt.Fprintln(app.Out, DimStyle.Render(d))
		}
	}
	return outcomeError(outcome.Result)
}

func writeAskJSON(w io.Writer, o *queryOutcome) error {
	out := askJSON{
		Success:        o.Result.State == stream.Complete,
		ConversationID: o.ConversationID,
		MessageID:      o.Answer.ID,
		ServerID:       o.Answer.ServerID,
		State:          o.Result.State.String(),
		Answer:         o.Answer.Content,
		Sources:        o.Answer.Sources,
		DurationMs:     o.Answer.Duration.Milliseconds(),
	}
	if o.Result.Err != nil {
		out.Error = o.Result.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return outcomeError(o.Result)
}

// readQuestion joins the positional words, or reads stdin for "-" or when
// no words were given and stdin is piped.
func readQuestion(words []string, stdin io.Reader) (string, error) {
	fromStdin := len(words) == 1 && words[0] == "-"
	if len(words) == 0 && !IsTTY() {
		fromStdin = true
	}

	var question string
	if fromStdin {
		data, err := io.ReadAll(io.LimitReader(stdin, MaxStdinQuestion+1))
		if err != nil {
			return "", fmt.Errorf("read question: %w", err)
		}
		if len(data) > MaxStdinQuestion {
			return "", NewUsageError(fmt.Sprintf("question too long (max %d bytes)", MaxStdinQuestion))
		}
		question = string(data)
	} else {
		question = strings.Join(words, " ")
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return "", NewUsageError("no question given: comptax ask \"your question\"")
	}
	return question, nil
}
