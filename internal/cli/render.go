// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Answer rendering and live stream output.
package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/comptax/comptax-cli/internal/i18n"
	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/stream"
	"github.com/comptax/comptax-cli/internal/util"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

var (
	rendererMu    sync.Mutex
	renderer      *glamour.TermRenderer
	rendererWidth int
)

// renderMarkdown renders markdown for the terminal. Returns content as-is
// if the renderer cannot be built.
func renderMarkdown(content string, width int) string {
	rendererMu.Lock()
	defer rendererMu.Unlock()

	if renderer == nil || rendererWidth != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content
		}
		renderer, rendererWidth = r, width
	}

	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes a session's answer as it arrives. In live mode the
// text is printed chunk by chunk; otherwise only progress phases are shown
// and the final answer is rendered once, as markdown when enabled.
type streamPrinter struct {
	stream.NopListener

	out      io.Writer
	status   io.Writer // nil disables phase output
	loc      *i18n.Localizer
	live     bool
	markdown bool
	width    int

	mu        sync.Mutex
	printed   string
	lastPhase string
}

func newStreamPrinter(out, status io.Writer, loc *i18n.Localizer, live, markdown bool, width int) *streamPrinter {
	return &streamPrinter{
		out:      out,
		status:   status,
		loc:      loc,
		live:     live,
		markdown: markdown,
		width:    width,
	}
}

func (p *streamPrinter) OnSessionStart(res stream.Result) {
	p.phase(res.Phase)
}

func (p *streamPrinter) OnProgress(res stream.Result) {
	p.phase(res.Phase)
}

func (p *streamPrinter) OnChunk(res stream.Result) {
	if !p.live {
		p.phase(res.Phase)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearStatusLocked()
	if strings.HasPrefix(res.Text, p.printed) {
		fmt.Fprint(p.out, res.Text[len(p.printed):])
		p.printed = res.Text
	}
}

func (p *streamPrinter) phase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == nil || p.printed != "" {
		return
	}
	label := p.loc.Phase(phase)
	if label == p.lastPhase {
		return
	}
	p.lastPhase = label
	fmt.Fprintf(p.status, "\r\033[K%s", DimStyle.Render(label))
}

func (p *streamPrinter) clearStatusLocked() {
	if p.status != nil && p.lastPhase != "" {
		fmt.Fprint(p.status, "\r\033[K")
		p.lastPhase = ""
	}
}

// Finish prints whatever of the reconciled final text has not been shown.
// A complete frame may replace the streamed text; the replacement is
// printed in full below what was streamed.
func (p *streamPrinter) Finish(final string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearStatusLocked()

	switch {
	case !p.live && p.markdown:
		fmt.Fprint(p.out, renderMarkdown(final, p.width))
		return
	case !p.live:
		fmt.Fprintln(p.out, final)
	case strings.HasPrefix(final, p.printed):
		fmt.Fprintln(p.out, final[len(p.printed):])
	default:
		fmt.Fprintf(p.out, "\n%s\n%s\n", RenderSeparator(p.width/2), final)
	}
	p.printed = final
}

// =============================================================================
// MESSAGE FORMATTING
// =============================================================================

// printSources lists a message's sources by relevance.
func printSources(w io.Writer, loc *i18n.Localizer, msg *model.Message) {
	if len(msg.Sources) == 0 {
		fmt.Fprintln(w, DimStyle.Render(loc.T(i18n.NoSources)))
		return
	}
	fmt.Fprintln(w, TitleStyle.Render(loc.T(i18n.LabelSources)))
	for i, s := range msg.SortedSources() {
		line := fmt.Sprintf("  %d. %s", i+1, s.DisplayTitle())
		if where := s.Location(); where != "" {
			line += DimStyle.Render(" (" + where + ")")
		}
		line += DimStyle.Render(fmt.Sprintf("  %.0f%%", s.RelevanceScore*100))
		fmt.Fprintln(w, line)
		if s.Preview != "" {
			fmt.Fprintln(w, DimStyle.Render("     "+util.TruncateRunes(strings.Join(strings.Fields(s.Preview), " "), 100)))
		}
	}
}

// printTranscript prints a whole conversation.
func printTranscript(w io.Writer, loc *i18n.Localizer, conv *model.Conversation, markdown bool, width int) {
	fmt.Fprintln(w, TitleStyle.Render(conv.DisplayTitle()))
	fmt.Fprintln(w, RenderSeparator(width/2))
	for _, m := range conv.Messages() {
		switch m.Role {
		case model.RoleUser:
			fmt.Fprintf(w, "%s %s\n", UserStyle.Render(loc.T(i18n.LabelYou)+":"), m.Content)
		default:
			fmt.Fprintln(w, AssistantStyle.Render(loc.T(i18n.LabelAssistant)+":"))
			if markdown {
				fmt.Fprint(w, renderMarkdown(m.Content, width))
			} else {
				fmt.Fprintln(w, m.Content)
			}
			if len(m.Sources) > 0 {
				fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("  [%d %s]", len(m.Sources), strings.ToLower(loc.T(i18n.LabelSources)))))
			}
		}
		fmt.Fprintln(w)
	}
}

// printConversationList prints one line per conversation.
func printConversationList(w io.Writer, metas []model.ConversationMeta, currentID string, width int, now time.Time) {
	if len(metas) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No conversations."))
		return
	}
	titleWidth := max(20, width-40)
	for _, m := range metas {
		marker := "  "
		if m.ID == currentID {
			marker = SuccessStyle.Render("* ")
		}
		synced := " "
		if m.Synced {
			synced = "☁"
		}
		fmt.Fprintf(w, "%s%s %s %s %s %s\n",
			marker,
			DimStyle.Render(shortID(m.ID)),
			synced,
			util.PadRight(m.Title, titleWidth),
			DimStyle.Render(fmt.Sprintf("%3d msg", m.MessageCount)),
			DimStyle.Render(relativeTime(m.UpdatedAt, now)))
	}
}

// shortID strips the "conv_" prefix and keeps a prefix Resolve accepts.
func shortID(id string) string {
	id = strings.TrimPrefix(id, "conv_")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// relativeTime formats t relative to now.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case t.IsZero():
		return "-"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// formatDuration renders an answer's processing time.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
