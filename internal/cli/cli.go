// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command-line parsing for comptax.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdConversations
	CmdConfig
	CmdStatus
	CmdHistory
	CmdVersion
	CmdHelp
)

var commandNames = map[string]Command{
	"chat":          CmdChat,
	"ask":           CmdAsk,
	"conversations": CmdConversations,
	"conv":          CmdConversations,
	"c":             CmdConversations,
	"config":        CmdConfig,
	"status":        CmdStatus,
	"s":             CmdStatus,
	"history":       CmdHistory,
	"version":       CmdVersion,
	"help":          CmdHelp,
}

// boolFlags never take a value.
var boolFlags = []string{
	"verbose", "v", "quiet", "q", "json", "no-sources", "help", "h",
	"version", "force", "f", "plain",
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Verbose    bool
	Quiet      bool
	JSON       bool
	Plain      bool // no markdown rendering
	ConfigPath string
	Lang       string
	Transport  string

	// Query options
	Conversation string
	Partie       int
	Chapitre     int
	NResults     int
	NoSources    bool

	// Command-specific
	Subcommand string
	Rest       []string // positionals after the subcommand
	Force      bool
	Limit      int
	Format     string // conv export
	Output     string // conv export
}

const usageText = `comptax - OHADA accounting assistant

Ask questions about the OHADA accounting plan and get streamed answers
with their sources.

Usage:
  comptax                          Start interactive chat (default)
  comptax chat                     Interactive chat
  comptax ask "question"           Ask a single question
  comptax conversations [sub]      Manage conversations (alias: conv)
  comptax config [sub]             Configuration
  comptax status                   Show backend status
  comptax history [--limit N]      Show recent queries on the backend
  comptax version                  Show version

Conversation Commands:
  comptax conv list                List conversations, most recent first
  comptax conv show <ref>          Print a conversation transcript
  comptax conv rename <ref> <title>
  comptax conv delete <ref>        Delete locally and on the backend
  comptax conv search <text>       Search stored conversations
  comptax conv refresh             Fetch the conversation list from the backend
  comptax conv export <ref> [--format md|json] [-o PATH]

  <ref> is a local id, a server id, or a unique prefix of either.

Config Commands:
  comptax config show              Print the effective configuration
  comptax config path              Print the config file path
  comptax config init [--force]    Write a default config file
  comptax config get <key>         Print one value (e.g. stream.n_results)
  comptax config set <key> <value> Change one value
  comptax config keys              List every key

Query Flags:
  -c, --conversation REF   Continue a conversation
  --partie N               Restrict retrieval to one part of the plan
  --chapitre N             Restrict retrieval to one chapter
  -n, --n-results N        Number of documents to retrieve (1-50)
  --no-sources             Do not request sources

Global Flags:
  --config PATH            Use another config file
  --lang fr|en             Language of annotations and labels
  --transport auto|header|query
  --json                   Machine-readable output
  --plain                  Do not render markdown
  -v, --verbose            Debug logging
  -q, --quiet              Minimal output
  -h, --help               Show this help

Chat Commands:
  /new [title]  /list  /open <ref>  /rename <title>  /delete [ref]
  /feedback <-1|+1|1-5> [comment]  /sources  /show  /export [md|json]
  /help  /quit
  Ctrl+C cancels the answer being generated.

Environment:
  COMPTAX_CONFIG, COMPTAX_API_URL, COMPTAX_TOKEN, COMPTAX_TOKEN_FILE,
  COMPTAX_TRANSPORT, COMPTAX_LANG, COMPTAX_LOG_LEVEL, COMPTAX_STORAGE
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "comptax %s (%s, built %s, %s/%s)\n",
		Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// Parse parses os.Args.
func Parse() (Command, Args, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses raw arguments (without the program name).
func ParseArgs(raw []string) (Command, Args, error) {
	p := NewArgParser(raw, boolFlags...)

	args := Args{
		Verbose:      p.BoolFlag("verbose", "v"),
		Quiet:        p.BoolFlag("quiet", "q"),
		JSON:         p.BoolFlag("json"),
		Plain:        p.BoolFlag("plain"),
		ConfigPath:   p.Flag("config"),
		Format:       p.Flag("format"),
		Output:       p.Flag("output", "o"),
		Lang:         p.Flag("lang"),
		Transport:    p.Flag("transport"),
		Conversation: p.Flag("conversation", "c"),
		NoSources:    p.BoolFlag("no-sources"),
		Force:        p.BoolFlag("force", "f"),
	}

	var err error
	if args.Partie, err = p.FlagInt("partie"); err != nil {
		return CmdHelp, args, NewUsageError(err.Error())
	}
	if args.Chapitre, err = p.FlagInt("chapitre"); err != nil {
		return CmdHelp, args, NewUsageError(err.Error())
	}
	if args.NResults, err = p.FlagInt("n-results", "n"); err != nil {
		return CmdHelp, args, NewUsageError(err.Error())
	}
	if args.Limit, err = p.FlagInt("limit"); err != nil {
		return CmdHelp, args, NewUsageError(err.Error())
	}
	if args.Partie < 0 || args.Chapitre < 0 {
		return CmdHelp, args, NewUsageError("--partie and --chapitre must be positive")
	}
	if args.NResults < 0 || args.NResults > 50 {
		return CmdHelp, args, NewUsageError("--n-results must be between 1 and 50")
	}

	if p.BoolFlag("help", "h") {
		return CmdHelp, args, nil
	}
	if p.BoolFlag("version") {
		return CmdVersion, args, nil
	}

	if p.PositionalCount() == 0 {
		return CmdChat, args, nil
	}

	cmd, ok := commandNames[p.Subcommand()]
	if !ok {
		return CmdHelp, args, NewUsageError(fmt.Sprintf("unknown command %q", p.Subcommand()))
	}

	rest := p.PositionalFrom(1)
	switch cmd {
	case CmdConversations, CmdConfig:
		if len(rest) > 0 {
			args.Subcommand = rest[0]
			rest = rest[1:]
		}
	}
	args.Rest = rest
	return cmd, args, nil
}
