// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for chatgeneral.
//
// Command: chat (default)
//
// Examples:
//   chatgeneral                          Start interactive chat
//   chatgeneral chat --model openai/gpt-4o
//
// Ctrl+C cancels the running turn; Ctrl+D or /quit exits.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/magland/chatgeneral/internal/chat"
	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/output"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of input after showing prompt.
type lineReader interface {
	Prompt(prompt string) (string, error)
}

// ChatCLI provides line editing and persistent history for the REPL.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI with history loaded from the config dir.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
}

// Prompt reads a line, recording non-empty input in the history.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat.
func HandleChat(args Args) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, args.Model)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Prompt.Watch(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: not watching instructions: %v\n", err)
	}

	input := NewChatCLI()
	defer input.Close()

	repl := newREPL(app, os.Stdout, input, args.Quiet)
	defer repl.Close()

	if !args.Quiet {
		repl.printWelcome()
	}
	return repl.Run(ctx)
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the interactive loop around one App.
type REPL struct {
	app      *App
	out      io.Writer
	input    lineReader
	renderer *streamRenderer
	quiet    bool

	approvals chan string
	mu        sync.Mutex
	announced map[string]bool

	unsubscribe []func()
}

func newREPL(app *App, out io.Writer, input lineReader, quiet bool) *REPL {
	r := &REPL{
		app:       app,
		out:       out,
		input:     input,
		renderer:  newStreamRenderer(out, app.Orch.Conversation().Len(), quiet),
		quiet:     quiet,
		approvals: make(chan string, 16),
		announced: make(map[string]bool),
	}
	r.unsubscribe = append(r.unsubscribe,
		app.Orch.Subscribe(r.renderer.onState),
		app.Sink.Subscribe(r.onItems),
	)
	return r
}

// Close detaches the REPL from the orchestrator and sink.
func (r *REPL) Close() {
	for _, fn := range r.unsubscribe {
		fn()
	}
}

// readyForDecision reports whether a script item awaits approval and its
// server health check has finished.
func readyForDecision(it output.Item) bool {
	return it.Meta.Approval == output.ApprovalPending && it.Meta.Health != output.HealthChecking
}

// onItems forwards newly pending script items to the approval loop once
// their health is known.
func (r *REPL) onItems(items []output.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		if !readyForDecision(it) || r.announced[it.ID] {
			continue
		}
		r.announced[it.ID] = true
		select {
		case r.approvals <- it.ID:
		default:
			// Still resolvable with /approve.
		}
	}
}

func (r *REPL) printWelcome() {
	fmt.Fprintf(r.out, "chatgeneral %s - model %s\n", Version, r.app.Orch.Model())
	fmt.Fprintf(r.out, "Script server: %s\n", r.app.Server.Get())
	if err := r.app.Prompt.Err(); err != nil {
		fmt.Fprintf(r.out, "Instructions error: %v\n", err)
	}
	fmt.Fprintln(r.out, "Type /help for commands, Ctrl+C to cancel a response, Ctrl+D to exit.")
	fmt.Fprintln(r.out)
}

// Run reads input until EOF or /quit.
func (r *REPL) Run(ctx context.Context) error {
	for {
		line, err := r.input.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				r.printExitSummary()
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			cont, err := r.handleCommand(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
			}
			if !cont {
				r.printExitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			r.printExitSummary()
			return nil
		}

		r.runTurn(func() error { return r.app.Orch.SubmitUserMessage(ctx, line) })
	}
}

// runTurn runs fn in the background while serving approval prompts and
// Ctrl+C cancellation.
func (r *REPL) runTurn(fn func() error) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	done := make(chan error, 1)
	go func() { done <- fn() }()

	for {
		select {
		case err := <-done:
			r.reportTurnError(err)
			return
		case id := <-r.approvals:
			r.promptApproval(id)
		case <-interrupts:
			r.app.Orch.Abort()
			fmt.Fprintln(r.out, "\n[Cancelled]")
		}
	}
}

func (r *REPL) reportTurnError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrConfiguration):
		fmt.Fprintf(r.out, "Configuration error: %v\n", errors.Unwrap(err))
	case errors.Is(err, chat.ErrTurnFailed):
		// Already rendered as an error message.
	default:
		fmt.Fprintf(r.out, "Error: %v\n", err)
	}
}

// promptApproval shows a proposed script and resolves it from a y/n answer.
func (r *REPL) promptApproval(id string) {
	item, ok := r.app.Sink.Get(id)
	if !ok || item.Meta.Approval != output.ApprovalPending {
		return
	}

	fmt.Fprintf(r.out, "\n--- %s script proposed (%s) ---\n", item.Meta.ScriptType, shortID(id))
	fmt.Fprintln(r.out, strings.TrimRight(item.Content, "\n"))
	fmt.Fprintln(r.out, "---")
	fmt.Fprintf(r.out, "Server: %s (%s)\n", r.app.Server.Get(), r.serverHealth(id))

	answer, err := r.input.Prompt("Run this script? [y/N] ")
	approve := false
	if err == nil {
		approve, _ = ParseBoolString(answer)
	}
	if approve {
		_ = r.app.Sink.Approve(id)
	} else {
		_ = r.app.Sink.Deny(id)
		fmt.Fprintln(r.out, "Script denied.")
	}
}

func (r *REPL) serverHealth(id string) string {
	item, ok := r.app.Sink.Get(id)
	if !ok {
		return string(output.HealthUnknown)
	}
	if item.Meta.HealthError != "" {
		return fmt.Sprintf("%s: %s", item.Meta.Health, item.Meta.HealthError)
	}
	return string(item.Meta.Health)
}

func (r *REPL) printExitSummary() {
	if r.quiet {
		return
	}
	conv := r.app.Orch.Conversation()
	fmt.Fprintf(r.out, "Session: %d messages, %d tokens, $%.4f\n",
		conv.Len(), conv.TotalUsage.TotalTokens(), conv.TotalUsage.EstimatedCost)
}
