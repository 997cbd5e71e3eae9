// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// commands.go - Slash commands available inside the chat REPL.
package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/magland/chatgeneral/internal/output"
	"github.com/magland/chatgeneral/internal/storage"
)

// healthTimeout bounds the /server health check.
const healthTimeout = 5 * time.Second

// slashCommand is one REPL command.
type slashCommand struct {
	name    string
	aliases []string
	usage   string
	help    string
	run     func(r *REPL, ctx context.Context, arg string) (bool, error)
}

var slashCommands []slashCommand

func init() {
	slashCommands = []slashCommand{
		{name: "help", aliases: []string{"h", "?"}, help: "Show this help", run: (*REPL).cmdHelp},
		{name: "quit", aliases: []string{"q", "exit"}, help: "Exit chat", run: (*REPL).cmdQuit},
		{name: "model", usage: "[ID]", help: "Show or switch the model", run: (*REPL).cmdModel},
		{name: "models", usage: "[FILTER]", help: "List backend models and refresh prices", run: (*REPL).cmdModels},
		{name: "clear", aliases: []string{"c"}, help: "Start a new conversation", run: (*REPL).cmdClear},
		{name: "history", help: "List messages with their indexes", run: (*REPL).cmdHistory},
		{name: "revert", usage: "N", help: "Keep messages 0..N and drop the rest", run: (*REPL).cmdRevert},
		{name: "compress", help: "Replace the conversation with a summary", run: (*REPL).cmdCompress},
		{name: "outputs", usage: "[clear]", help: "List output items (scripts, images, pages)", run: (*REPL).cmdOutputs},
		{name: "show", usage: "ID", help: "Print an output item in full", run: (*REPL).cmdShow},
		{name: "approve", usage: "ID", help: "Approve a pending script", run: (*REPL).cmdApprove},
		{name: "deny", usage: "ID", help: "Deny a pending script", run: (*REPL).cmdDeny},
		{name: "server", usage: "[default|fallback|URL]", help: "Show or switch the script server", run: (*REPL).cmdServer},
		{name: "passcode", help: "Enter the script server passcode", run: (*REPL).cmdPasscode},
		{name: "instructions", usage: "[reload|set NAME=VALUE]", help: "Show, reload or parameterize instructions", run: (*REPL).cmdInstructions},
		{name: "save", help: "Save the conversation", run: (*REPL).cmdSave},
		{name: "load", usage: "ID|N", help: "Load a saved conversation", run: (*REPL).cmdLoad},
		{name: "sessions", usage: "[SEARCH]", help: "List saved conversations", run: (*REPL).cmdSessions},
		{name: "cost", help: "Show token usage and cost", run: (*REPL).cmdCost},
	}
}

func findCommand(name string) *slashCommand {
	for i := range slashCommands {
		c := &slashCommands[i]
		if c.name == name {
			return c
		}
		for _, a := range c.aliases {
			if a == name {
				return c
			}
		}
	}
	return nil
}

// handleCommand runs a slash command. It returns false when the REPL should
// exit.
func (r *REPL) handleCommand(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	cmd := findCommand(strings.ToLower(name))
	if cmd == nil {
		if s := suggestName(name, slashCommandNames()); s != "" {
			return true, fmt.Errorf("unknown command /%s (did you mean /%s?)", name, s)
		}
		return true, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return cmd.run(r, ctx, strings.TrimSpace(arg))
}

// =============================================================================
// GENERAL
// =============================================================================

func (r *REPL) cmdHelp(ctx context.Context, arg string) (bool, error) {
	fmt.Fprintln(r.out, "Commands:")
	for _, c := range slashCommands {
		fmt.Fprintf(r.out, "  %s %s\n", padDisplay("/"+c.name+" "+c.usage, 34), c.help)
	}
	return true, nil
}

func (r *REPL) cmdQuit(ctx context.Context, arg string) (bool, error) {
	return false, nil
}

func (r *REPL) cmdModel(ctx context.Context, arg string) (bool, error) {
	if arg == "" {
		fmt.Fprintf(r.out, "Model: %s\n", r.app.Orch.Model())
		return true, nil
	}
	r.app.Orch.SetModel(arg)
	if _, ok := r.app.Prices.Lookup(arg); !ok {
		fmt.Fprintf(r.out, "Model set to %s (no price known, cost shows as $0)\n", arg)
		return true, nil
	}
	fmt.Fprintf(r.out, "Model set to %s\n", arg)
	return true, nil
}

func (r *REPL) cmdModels(ctx context.Context, arg string) (bool, error) {
	if r.app.Client == nil {
		return true, errors.New("model listing is not available")
	}
	models, err := r.app.Client.ListModels(ctx)
	if err != nil {
		return true, err
	}
	added := r.app.Prices.MergeFromModels(models)

	filter := strings.ToLower(arg)
	shown := 0
	for _, m := range models {
		if filter != "" && !strings.Contains(strings.ToLower(m.ID), filter) {
			continue
		}
		prompt, completion := m.Pricing.PerMillion()
		fmt.Fprintf(r.out, "  %s $%.2f/$%.2f per M\n", padDisplay(m.ID, 48), prompt, completion)
		shown++
	}
	fmt.Fprintf(r.out, "%d models shown, %d prices added\n", shown, added)
	return true, nil
}

// =============================================================================
// CONVERSATION
// =============================================================================

func (r *REPL) cmdClear(ctx context.Context, arg string) (bool, error) {
	r.app.ClearConversation()
	r.renderer.reset(0)
	fmt.Fprintln(r.out, "Conversation cleared.")
	return true, nil
}

func (r *REPL) cmdHistory(ctx context.Context, arg string) (bool, error) {
	conv := r.app.Orch.Conversation()
	if conv.IsEmpty() {
		fmt.Fprintln(r.out, "No messages.")
		return true, nil
	}
	width := GetTerminalWidth()
	for i, msg := range conv.Messages {
		text := msg.Content
		if text == "" && len(msg.ToolCalls) > 0 {
			names := make([]string, len(msg.ToolCalls))
			for j, c := range msg.ToolCalls {
				names[j] = c.Name
			}
			text = "[tool calls: " + strings.Join(names, ", ") + "]"
		}
		prefix := fmt.Sprintf("%3d  %s ", i, padDisplay(msg.Role.DisplayName(), 9))
		fmt.Fprintf(r.out, "%s%s\n", prefix, truncateDisplay(text, width-len(prefix)))
	}
	return true, nil
}

func (r *REPL) cmdRevert(ctx context.Context, arg string) (bool, error) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return true, fmt.Errorf("usage: /revert N (see /history)")
	}
	if err := r.app.Orch.RevertToMessage(index); err != nil {
		return true, err
	}
	r.renderer.reset(index + 1)
	fmt.Fprintf(r.out, "Reverted to message %d.\n", index)
	return true, nil
}

func (r *REPL) cmdCompress(ctx context.Context, arg string) (bool, error) {
	before := r.app.Orch.Conversation().Len()
	if before == 0 {
		fmt.Fprintln(r.out, "Nothing to compress.")
		return true, nil
	}

	var err error
	r.runTurn(func() error {
		err = r.app.Orch.CompressConversation(ctx)
		return nil
	})
	after := r.app.Orch.Conversation()
	r.renderer.reset(after.Len())
	if err != nil {
		return true, err
	}
	if after.Len() == 1 && before != 1 {
		fmt.Fprintf(r.out, "\nCompressed %d messages into a summary.\n", before)
	}
	return true, nil
}

// =============================================================================
// OUTPUTS AND APPROVALS
// =============================================================================

func (r *REPL) cmdOutputs(ctx context.Context, arg string) (bool, error) {
	if arg == "clear" {
		r.app.Sink.ClearAll()
		fmt.Fprintln(r.out, "Outputs cleared.")
		return true, nil
	}
	fmt.Fprintln(r.out, formatOutputs(r.app.Sink.Items(), GetTerminalWidth()))
	return true, nil
}

func (r *REPL) cmdShow(ctx context.Context, arg string) (bool, error) {
	id, err := resolveItemID(r.app.Sink.Items(), arg)
	if err != nil {
		return true, err
	}
	item, _ := r.app.Sink.Get(id)
	switch item.Kind {
	case output.KindImage:
		fmt.Fprintf(r.out, "%s (%s, %d bytes base64)\n", item.Meta.URL, item.Meta.MIMEType, len(item.Content))
	case output.KindIframe:
		fmt.Fprintln(r.out, item.Meta.URL)
	default:
		fmt.Fprintln(r.out, item.Content)
	}
	return true, nil
}

func (r *REPL) cmdApprove(ctx context.Context, arg string) (bool, error) {
	return true, r.decide(arg, true)
}

func (r *REPL) cmdDeny(ctx context.Context, arg string) (bool, error) {
	return true, r.decide(arg, false)
}

func (r *REPL) decide(ref string, approve bool) error {
	pending := r.app.Sink.Pending()
	if len(pending) == 0 {
		return output.ErrNoPendingApproval
	}
	if ref == "" && len(pending) == 1 {
		ref = pending[0]
	}
	var items []output.Item
	for _, id := range pending {
		if it, ok := r.app.Sink.Get(id); ok {
			items = append(items, it)
		}
	}
	id, err := resolveItemID(items, ref)
	if err != nil {
		return err
	}
	if approve {
		return r.app.Sink.Approve(id)
	}
	return r.app.Sink.Deny(id)
}

// resolveItemID matches ref against item ids by prefix.
func resolveItemID(items []output.Item, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("an item id is required (see /outputs)")
	}
	var match string
	for _, it := range items {
		if it.ID == ref {
			return it.ID, nil
		}
		if strings.HasPrefix(it.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("ambiguous item id %q", ref)
			}
			match = it.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no output item %q", ref)
	}
	return match, nil
}

// =============================================================================
// SCRIPT SERVER
// =============================================================================

func (r *REPL) cmdServer(ctx context.Context, arg string) (bool, error) {
	switch arg {
	case "":
	case "default":
		r.app.Server.UseDefault()
	case "fallback":
		if !r.app.Server.UseFallback() {
			return true, fmt.Errorf("no fallback script server configured (set fallback_url)")
		}
	default:
		if !strings.HasPrefix(arg, "http://") && !strings.HasPrefix(arg, "https://") {
			return true, fmt.Errorf("usage: /server [default|fallback|URL]")
		}
		r.app.Server.Set(arg)
	}

	fmt.Fprintf(r.out, "Script server: %s\n", r.app.Server.Get())
	healthCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	health, err := r.app.ToolCtx.Script.Health(healthCtx)
	if err != nil {
		fmt.Fprintf(r.out, "Health: unreachable (%v)\n", err)
		return true, nil
	}
	fmt.Fprintf(r.out, "Health: %s, working dir %s\n", health.Status, health.WorkingDir)
	return true, nil
}

func (r *REPL) cmdPasscode(ctx context.Context, arg string) (bool, error) {
	if _, err := r.app.Creds.Reprompt(ctx); err != nil {
		return true, err
	}
	fmt.Fprintln(r.out, "Passcode updated.")
	return true, nil
}

// =============================================================================
// INSTRUCTIONS
// =============================================================================

func (r *REPL) cmdInstructions(ctx context.Context, arg string) (bool, error) {
	sub, rest, _ := strings.Cut(arg, " ")
	switch sub {
	case "":
		path := r.app.Prompt.Path()
		if path == "" {
			path = "(built-in)"
		}
		fmt.Fprintf(r.out, "Instructions: %s\n", path)
		if err := r.app.Prompt.Err(); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	case "reload":
		if err := r.app.Prompt.Load(); err != nil {
			return true, err
		}
		fmt.Fprintln(r.out, "Instructions reloaded.")
	case "set":
		name, value, ok := strings.Cut(strings.TrimSpace(rest), "=")
		if !ok || strings.TrimSpace(name) == "" {
			return true, errors.New("usage: /instructions set NAME=VALUE")
		}
		if err := r.app.Prompt.SetParam(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return true, err
		}
		fmt.Fprintf(r.out, "Set %s.\n", strings.TrimSpace(name))
	default:
		return true, errors.New("usage: /instructions [reload|set NAME=VALUE]")
	}
	return true, nil
}

// =============================================================================
// SESSIONS AND COST
// =============================================================================

func (r *REPL) cmdSave(ctx context.Context, arg string) (bool, error) {
	id, err := r.app.SaveConversation(ctx)
	if err != nil {
		return true, err
	}
	fmt.Fprintf(r.out, "Saved as %s\n", id)
	return true, nil
}

func (r *REPL) cmdLoad(ctx context.Context, arg string) (bool, error) {
	if arg == "" {
		return true, errors.New("usage: /load ID|N (see /sessions)")
	}
	stored, err := r.app.LoadConversation(ctx, arg)
	if err != nil {
		return true, err
	}
	r.renderer.reset(stored.Conversation.Len())
	fmt.Fprintf(r.out, "Loaded %q (%d messages, model %s)\n",
		stored.Summary, stored.Conversation.Len(), stored.Conversation.Model)
	return true, nil
}

func (r *REPL) cmdSessions(ctx context.Context, arg string) (bool, error) {
	store, err := r.app.Store()
	if err != nil {
		return true, err
	}
	var metas []storage.ConversationMeta
	if arg == "" {
		metas, err = store.List(ctx)
	} else {
		metas, err = store.Search(ctx, arg)
	}
	if err != nil {
		return true, err
	}
	fmt.Fprintln(r.out, storage.FormatSessionList(metas))
	return true, nil
}

func (r *REPL) cmdCost(ctx context.Context, arg string) (bool, error) {
	conv := r.app.Orch.Conversation()
	fmt.Fprintf(r.out, "Conversation: %d prompt + %d completion tokens, $%.4f\n",
		conv.TotalUsage.PromptTokens, conv.TotalUsage.CompletionTokens, conv.TotalUsage.EstimatedCost)

	session := r.app.Costs.GetCurrentSession()
	fmt.Fprintf(r.out, "Session: %d requests, %d in / %d out tokens, $%.4f\n",
		session.Requests, session.Tokens.Input, session.Tokens.Output, session.TotalCost)

	models := make([]string, 0, len(session.Models))
	for m := range session.Models {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		tc := session.Models[m]
		fmt.Fprintf(r.out, "  %s %d in / %d out\n", padDisplay(m, 40), tc.Input, tc.Output)
	}
	return true, nil
}
