// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command-line parsing and dispatch for chatgeneral.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
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
	CmdStartServer
	CmdSessions
	CmdConfig
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Model string
	Quiet bool
	Debug bool

	// ask
	Query string
	Yes   bool

	// start-server
	Host       string
	Port       int
	WorkingDir string
	Passcode   string

	// sessions, config
	Subcommand string
	Target     string
	Confirm    bool
	Format     string

	// Raw holds the arguments after the command name.
	Raw []string
}

const usageText = `chatgeneral - chat with an LLM that can run scripts on your machine

Usage:
  chatgeneral [chat]                 Interactive chat (default)
  chatgeneral ask "question"         Ask a single question
  chatgeneral start-server           Run the local script server
  chatgeneral sessions [subcommand]  Manage saved conversations
  chatgeneral config [show|path|init] Configuration
  chatgeneral version                Show version

Global flags:
  -m, --model NAME    Model to use (overrides config)
  -q, --quiet         Minimal output
  --debug             Log diagnostics to stderr (or set CHATGENERAL_DEBUG=1)

Ask flags:
  -y, --yes           Approve every script without asking

Server flags:
  --host HOST         Listen address (default 127.0.0.1)
  --port PORT         Listen port (default 3339)
  --working-dir DIR   Directory scripts run under (default: current)
  --passcode CODE     Passcode clients must send (default: generated)

Sessions:
  chatgeneral sessions list          List saved conversations
  chatgeneral sessions show ID       Print a conversation as Markdown
  chatgeneral sessions delete ID --confirm
  chatgeneral sessions search TEXT   Search conversations

Chat commands:
  /help for the full list once the chat is running.

Environment:
  OPENROUTER_API_KEY       Backend API key
  CHATGENERAL_MODEL        Default model
  CHATGENERAL_SERVER_URL   Script server URL
  CHATGENERAL_PASSCODE     Script server passcode
  CHATGENERAL_DEBUG        Enable debug logging

Version: %s
`

// PrintUsage prints the usage text.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("chatgeneral version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses command-line arguments (without the program name).
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)
	if len(remaining) == 0 {
		return CmdChat, args
	}

	cmd := strings.ToLower(remaining[0])
	rest := remaining[1:]
	args.Raw = rest

	switch cmd {
	case "chat":
		return CmdChat, args
	case "ask":
		parseAskArgs(&args, rest)
		return CmdAsk, args
	case "start-server", "server":
		parseServerArgs(&args, rest)
		return CmdStartServer, args
	case "sessions", "session":
		parseSubcommandArgs(&args, rest)
		return CmdSessions, args
	case "config":
		parseSubcommandArgs(&args, rest)
		return CmdConfig, args
	case "version", "-v", "--version":
		return CmdVersion, args
	case "help", "-h", "--help":
		return CmdHelp, args
	default:
		// Anything else is a question.
		parseAskArgs(&args, remaining)
		return CmdAsk, args
	}
}

// parseGlobalFlags extracts global flags and returns the remaining args.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var remaining []string
	args := Args{Debug: os.Getenv("CHATGENERAL_DEBUG") != ""}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-m" || arg == "--model":
			if i+1 < len(argv) {
				i++
				args.Model = argv[i]
			}
		case strings.HasPrefix(arg, "--model="):
			args.Model = strings.TrimPrefix(arg, "--model=")
		case arg == "-q" || arg == "--quiet":
			args.Quiet = true
		case arg == "--debug":
			args.Debug = true
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining, args
}

func parseAskArgs(args *Args, rest []string) {
	p := NewArgParser(rest, "y", "yes")
	args.Yes = p.BoolFlag("y", "yes")
	args.Query = strings.Join(p.PositionalFrom(0), " ")
}

func parseServerArgs(args *Args, rest []string) {
	p := NewArgParser(rest)
	args.Host = p.Flag("host")
	args.WorkingDir = p.Flag("working-dir", "dir")
	args.Passcode = p.Flag("passcode")
	if port, err := p.FlagInt(0, "port", "p"); err == nil {
		args.Port = port
	}
}

func parseSubcommandArgs(args *Args, rest []string) {
	p := NewArgParser(rest, "confirm", "yes", "y")
	args.Subcommand = strings.ToLower(p.Positional(0))
	args.Target = strings.Join(p.PositionalFrom(1), " ")
	args.Confirm = p.BoolFlag("confirm", "yes", "y")
	args.Format = p.FlagOrDefault("md", "format")
}

// =============================================================================
// LOGGING
// =============================================================================

// SetupLogging routes the standard logger to stderr in debug mode and
// discards it otherwise so log lines never break the REPL.
func SetupLogging(debug bool) {
	if debug {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		return
	}
	log.SetOutput(io.Discard)
}

// =============================================================================
// DISPATCH
// =============================================================================

// Run executes cmd and returns the process exit code.
func Run(cmd Command, args Args) int {
	SetupLogging(args.Debug)

	var err error
	switch cmd {
	case CmdChat:
		err = HandleChat(args)
	case CmdAsk:
		err = HandleAsk(args)
	case CmdStartServer:
		err = HandleStartServer(args)
	case CmdSessions:
		err = HandleSessions(args, os.Stdout)
	case CmdConfig:
		err = HandleConfig(args, os.Stdout)
	case CmdVersion:
		PrintVersion()
	case CmdHelp:
		PrintUsage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
