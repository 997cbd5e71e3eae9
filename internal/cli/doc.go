// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and execution for chatgeneral.
//
// It wires the conversation engine (internal/chat) to the completion
// backend, the tool registry, the output sink and the conversation store,
// and drives it from an interactive REPL or a one-shot ask command. The
// start-server command runs the local script server.
//
// # Key Types
//
//   - Command: Enumeration of the available commands
//   - Args: Parsed command-line arguments
//   - App: One wired conversation engine shared by chat and ask
//   - REPL: The interactive loop with slash commands and script approval
//
// # Usage
//
//	cmd, args := cli.Parse(os.Args[1:])
//	os.Exit(cli.Run(cmd, args))
//
// # Commands Overview
//
//   - chat: Interactive chat (default)
//   - ask: Single question, scripts approved with --yes or on the terminal
//   - start-server: Local script execution server
//   - sessions: List, show, search and delete saved conversations
//   - config: Show and edit ~/.chatgeneral/config.toml
package cli
