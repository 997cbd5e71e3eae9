// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/model"
)

// maxTranscriptEntry caps each message in the compression transcript.
const maxTranscriptEntry = 2000

const summaryInstructions = `Summarize the conversation below thoroughly. The summary replaces the conversation, so preserve everything needed to continue it:
- The user's questions and goals
- Tools that were used, what they were used for and what they produced
- Decisions, conclusions and open problems
- File names, URLs and values that later messages may refer to

Respond with the summary only.`

// CompressConversation replaces the conversation with a single assistant
// message summarizing it. The summarization call's usage is added to the
// totals. On failure the conversation is unchanged; a cancelled compression
// returns nil.
func (o *Orchestrator) CompressConversation(ctx context.Context) error {
	o.cancelInFlight()

	o.mu.Lock()
	empty := o.conv.IsEmpty()
	o.mu.Unlock()
	if empty {
		return nil
	}

	systemPrompt, err := o.prompt.SystemPrompt()
	o.mu.Lock()
	o.configErr = err
	o.mu.Unlock()
	if err != nil {
		o.notify()
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	genCtx, epoch, finish := o.begin(ctx, func() { o.err = nil })
	defer finish()

	o.mu.Lock()
	modelID := o.conv.Model
	transcript := buildTranscript(o.conv.Messages)
	count := len(o.conv.Messages)
	o.mu.Unlock()

	req := cloud.Request{
		Model:        modelID,
		SystemPrompt: systemPrompt,
		Messages:     []model.Message{model.NewUserMessage(summaryInstructions + "\n\n" + transcript)},
	}

	start := time.Now()
	resp, err := o.transport.Complete(genCtx, req, func(text string) {
		o.setPartial(epoch, text)
	})
	if err != nil {
		if isCancellation(genCtx, err) {
			return nil
		}
		err = fmt.Errorf("%w: %w", ErrCompressFailed, err)
		o.mu.Lock()
		if o.epoch == epoch {
			o.err = err
		}
		o.mu.Unlock()
		o.notify()
		return err
	}

	usage := o.account(modelID, resp.Usage, time.Since(start), "compress conversation")

	o.mu.Lock()
	if o.epoch == epoch {
		o.conv.Replace([]model.Message{model.NewAssistantMessage(resp.Content, modelID, nil)}, usage)
		o.partial = ""
	}
	o.mu.Unlock()
	o.notify()

	log.Printf("CHAT_COMPRESS | messages=%d summary_chars=%d prompt_tokens=%d completion_tokens=%d",
		count, len(resp.Content), usage.PromptTokens, usage.CompletionTokens)
	return nil
}

// buildTranscript renders messages as plain text for summarization.
func buildTranscript(msgs []model.Message) string {
	var sb strings.Builder
	sb.WriteString("Conversation:\n\n")

	for _, msg := range msgs {
		if msg.IsError {
			continue
		}
		switch msg.Role {
		case model.RoleUser:
			sb.WriteString("User: ")
			sb.WriteString(clip(userText(msg)))
		case model.RoleAssistant:
			sb.WriteString("Assistant: ")
			sb.WriteString(clip(msg.Content))
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&sb, "\n[called tool %s with %s]", call.Name, clip(call.Arguments))
			}
		case model.RoleTool:
			fmt.Fprintf(&sb, "Tool result (%s): %s", msg.Name, clip(msg.Content))
		default:
			fmt.Fprintf(&sb, "%s: %s", msg.Role.DisplayName(), clip(msg.Content))
		}
		sb.WriteString("\n\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func userText(msg model.Message) string {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	var texts []string
	for _, part := range msg.Parts {
		switch part.Type {
		case model.PartText:
			texts = append(texts, part.Text)
		case model.PartImage:
			texts = append(texts, "[image]")
		}
	}
	return strings.Join(texts, " ")
}

// clip caps s at maxTranscriptEntry runes.
func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxTranscriptEntry {
		return s
	}
	return string(r[:maxTranscriptEntry]) + "...[truncated]"
}
