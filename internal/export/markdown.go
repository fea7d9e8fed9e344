// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/comptax/comptax-cli/internal/i18n"
	"github.com/comptax/comptax-cli/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export renders the transcript. Answers still streaming are exported as
// they currently read.
func (e *MarkdownExporter) Export(conv *model.Conversation) ([]byte, error) {
	if conv == nil {
		return nil, fmt.Errorf("conversation is nil")
	}
	if conv.IsEmpty() {
		return nil, ErrEmptyConversation
	}

	loc := e.options.loc()
	msgs := conv.Messages()
	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(conv.DisplayTitle()))
		fmt.Fprintf(&sb, "id: %s\n", conv.ID)
		if conv.ServerID != "" {
			fmt.Fprintf(&sb, "server_id: %s\n", conv.ServerID)
		}
		fmt.Fprintf(&sb, "date: %s\n", conv.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", conv.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(msgs))
		fmt.Fprintf(&sb, "exported: %s\n", e.options.now().Format(time.RFC3339))
		sb.WriteString("generator: comptax\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(conv.DisplayTitle()))

	for i, msg := range msgs {
		label := e.roleLabel(loc, msg.Role)
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, msg.Timestamp.Format("2006-01-02 15:04"))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n\n")

		if msg.Role == model.RoleAssistant {
			if e.options.IncludeSources && len(msg.Sources) > 0 {
				sb.WriteString(e.formatSources(loc, msg))
				sb.WriteString("\n")
			}
			if e.options.IncludeMetadata {
				if stats := formatMessageStats(msg); stats != "" {
					sb.WriteString(stats)
					sb.WriteString("\n\n")
				}
			}
		}

		if i < len(msgs)-1 {
			sb.WriteString("---\n\n")
		}
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func (e *MarkdownExporter) roleLabel(loc *i18n.Localizer, role model.Role) string {
	switch role {
	case model.RoleUser:
		return loc.T(i18n.LabelYou)
	case model.RoleAssistant:
		return loc.T(i18n.LabelAssistant)
	case "":
		return "Unknown"
	default:
		r := []rune(string(role))
		return strings.ToUpper(string(r[0])) + string(r[1:])
	}
}

// formatSources lists sources by relevance, with their plan location.
func (e *MarkdownExporter) formatSources(loc *i18n.Localizer, msg *model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n\n", loc.T(i18n.LabelSources))
	for i, s := range msg.SortedSources() {
		fmt.Fprintf(&sb, "%d. %s", i+1, escapeMarkdown(s.DisplayTitle()))
		if where := s.Location(); where != "" {
			fmt.Fprintf(&sb, " (%s)", where)
		}
		fmt.Fprintf(&sb, " `%.0f%%`\n", s.RelevanceScore*100)
	}
	return sb.String()
}

func formatMessageStats(msg *model.Message) string {
	var parts []string
	if msg.Duration > 0 {
		parts = append(parts, "Duration: "+formatDuration(msg.Duration))
	}
	if msg.Feedback != nil {
		parts = append(parts, fmt.Sprintf("Rating: %+d", msg.Feedback.Rating))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("<sub>%s</sub>", strings.Join(parts, " | "))
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes special Markdown characters in plain text.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

var markdownEscaper = strings.NewReplacer(
	"#", "\\#",
	"*", "\\*",
	"_", "\\_",
	"[", "\\[",
	"]", "\\]",
)

// escapeYAML quotes a value when it contains YAML syntax.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
