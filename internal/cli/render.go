// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Incremental printing of orchestrator state.
package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/magland/chatgeneral/internal/chat"
	"github.com/magland/chatgeneral/internal/model"
	"github.com/magland/chatgeneral/internal/output"
)

// previewWidth bounds one-line tool previews.
const previewWidth = 100

// streamRenderer prints streamed text as it grows and summarizes committed
// tool traffic. It is fed State snapshots by an orchestrator subscription.
type streamRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed string // partial text already written
	seen    int    // committed messages already rendered
	quiet   bool
}

func newStreamRenderer(out io.Writer, alreadySeen int, quiet bool) *streamRenderer {
	return &streamRenderer{out: out, seen: alreadySeen, quiet: quiet}
}

// reset resynchronizes after the conversation was replaced.
func (r *streamRenderer) reset(seen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = seen
	r.printed = ""
}

func (r *streamRenderer) onState(s chat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := s.Conversation.Messages
	if len(msgs) < r.seen {
		// Cleared or reverted underneath us.
		r.seen = len(msgs)
		r.printed = ""
	}
	for _, msg := range msgs[r.seen:] {
		r.renderMessage(msg)
	}
	r.seen = len(msgs)

	r.renderPartial(s.Partial)
}

func (r *streamRenderer) renderPartial(partial string) {
	switch {
	case partial == r.printed:
	case strings.HasPrefix(partial, r.printed):
		fmt.Fprint(r.out, partial[len(r.printed):])
		r.printed = partial
	case partial == "":
		// Committed or abandoned; renderMessage finishes the line.
	default:
		// Replaced text, e.g. a retry notice followed by the real answer.
		fmt.Fprint(r.out, "\n"+partial)
		r.printed = partial
	}
}

func (r *streamRenderer) renderMessage(msg model.Message) {
	streamed := r.printed
	r.printed = ""

	switch msg.Role {
	case model.RoleUser:
		return
	case model.RoleAssistant:
		if msg.IsError {
			r.endLine(streamed)
			fmt.Fprintln(r.out, msg.Content)
			return
		}
		switch {
		case msg.Content == "":
			r.endLine(streamed)
		case streamed == msg.Content:
			fmt.Fprintln(r.out)
		default:
			r.endLine(streamed)
			fmt.Fprintln(r.out, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(r.out, "-> %s\n", truncateDisplay(call.Name+" "+call.Arguments, previewWidth))
		}
	case model.RoleTool:
		if r.quiet {
			return
		}
		fmt.Fprintf(r.out, "<- %s\n", truncateDisplay(msg.Name+": "+msg.Content, previewWidth))
	}
}

// endLine terminates a streamed line that was not followed by a newline.
func (r *streamRenderer) endLine(streamed string) {
	if streamed != "" && !strings.HasSuffix(streamed, "\n") {
		fmt.Fprintln(r.out)
	}
}

// =============================================================================
// OUTPUT ITEMS
// =============================================================================

// formatOutputs lists output items newest first, one per line.
func formatOutputs(items []output.Item, width int) string {
	if len(items) == 0 {
		return "No outputs."
	}
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	var sb strings.Builder
	for _, it := range items {
		status := itemStatus(it)
		line := fmt.Sprintf("%s  %s  %s  ",
			shortID(it.ID), padDisplay(string(it.Kind), 13), padDisplay(status, 18))
		rest := width - len(line)
		fmt.Fprintf(&sb, "%s%s\n", line, truncateDisplay(itemSummary(it), rest))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func itemStatus(it output.Item) string {
	switch it.Kind {
	case output.KindScript:
		status := string(it.Meta.Approval)
		if it.Meta.Execution != "" && it.Meta.Execution != output.ExecutionNone {
			status = string(it.Meta.Execution)
		}
		if it.Meta.ExitCode != nil {
			status = fmt.Sprintf("%s (exit %d)", status, *it.Meta.ExitCode)
		}
		return status
	case output.KindImage:
		return it.Meta.MIMEType
	default:
		return ""
	}
}

func itemSummary(it output.Item) string {
	switch it.Kind {
	case output.KindImage, output.KindIframe:
		if it.Meta.Title != "" {
			return it.Meta.Title + " " + it.Meta.URL
		}
		return it.Meta.URL
	default:
		return it.Content
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
