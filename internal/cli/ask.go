// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single question command for chatgeneral.
//
// Command: ask [question]
//
// Examples:
//   chatgeneral ask "What is the capital of France?"
//   chatgeneral ask --yes "Plot sin(x) for x in 0..2pi"
//   echo "Summarize https://example.com" | chatgeneral ask
//
// Without --yes, proposed scripts are confirmed on the terminal and denied
// when stdin is not a terminal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/output"
)

// maxStdinQuery bounds a question read from a pipe.
const maxStdinQuery = 1 << 20

// approvalFunc decides a proposed script.
type approvalFunc func(item output.Item) bool

// HandleAsk answers one question and prints the conversation output.
func HandleAsk(args Args) error {
	query := strings.TrimSpace(args.Query)
	if query == "" && !IsTTY() {
		b, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinQuery))
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		query = strings.TrimSpace(string(b))
	}
	if query == "" {
		return errors.New("no question given\nUsage: chatgeneral ask \"question\"")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, args.Model)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	decide := denyAll
	switch {
	case args.Yes:
		decide = approveAll
	case IsTTY():
		decide = confirmOnTerminal(bufio.NewReader(os.Stdin), os.Stderr)
	}
	return runAsk(ctx, app, query, os.Stdout, decide, args.Quiet)
}

// runAsk submits query and serves approvals until the turn ends.
func runAsk(ctx context.Context, app *App, query string, out io.Writer, decide approvalFunc, quiet bool) error {
	renderer := newStreamRenderer(out, app.Orch.Conversation().Len(), quiet)
	defer app.Orch.Subscribe(renderer.onState)()

	approvals := make(chan string, 16)
	var mu sync.Mutex
	seen := make(map[string]bool)
	defer app.Sink.Subscribe(func(items []output.Item) {
		mu.Lock()
		defer mu.Unlock()
		for _, it := range items {
			if readyForDecision(it) && !seen[it.ID] {
				seen[it.ID] = true
				approvals <- it.ID
			}
		}
	})()

	done := make(chan error, 1)
	go func() { done <- app.Orch.SubmitUserMessage(ctx, query) }()

	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			if !quiet {
				printArtifacts(out, app.Sink.Items())
			}
			return nil
		case id := <-approvals:
			item, ok := app.Sink.Get(id)
			if !ok {
				continue
			}
			if decide(item) {
				_ = app.Sink.Approve(id)
			} else {
				_ = app.Sink.Deny(id)
			}
		}
	}
}

// printArtifacts lists images and pages produced during the turn.
func printArtifacts(out io.Writer, items []output.Item) {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		switch it.Kind {
		case output.KindImage, output.KindIframe:
			fmt.Fprintf(out, "[%s] %s\n", it.Kind, it.Meta.URL)
		}
	}
}

func approveAll(output.Item) bool { return true }

func denyAll(output.Item) bool { return false }

// confirmOnTerminal shows the script on w and reads y/n from r.
func confirmOnTerminal(r *bufio.Reader, w io.Writer) approvalFunc {
	return func(item output.Item) bool {
		fmt.Fprintf(w, "\n--- %s script proposed ---\n%s\n---\nRun this script? [y/N] ",
			item.Meta.ScriptType, strings.TrimRight(item.Content, "\n"))
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		ok, _ := ParseBoolString(line)
		return ok
	}
}
