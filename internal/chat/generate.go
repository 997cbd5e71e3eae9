// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/model"
	"github.com/magland/chatgeneral/internal/tools"
)

// cancelledToolResult is recorded for tool calls skipped by an abort so that
// every assistant tool call keeps a matching tool message.
var cancelledToolResult = tools.Failure("Cancelled by user", nil)

// =============================================================================
// HOP LOOP
// =============================================================================

// generate runs request/tool hops until the model answers without tool
// calls. A cancelled generation commits what it has and returns nil.
func (o *Orchestrator) generate(ctx context.Context, epoch uint64, systemPrompt string) error {
	var defs []cloud.ToolDefinition
	if o.tools != nil {
		defs = o.tools.Definitions()
	}

	for hop := 0; hop < o.maxHops; hop++ {
		req, prompt := o.buildRequest(systemPrompt, defs)

		start := time.Now()
		resp, err := o.transport.Complete(ctx, req, func(text string) {
			o.setPartial(epoch, text)
		})
		if err != nil {
			if isCancellation(ctx, err) {
				o.commitPartial(epoch, req.Model, resp)
				return nil
			}
			return err
		}

		usage := o.account(req.Model, resp.Usage, time.Since(start), prompt)
		log.Printf("CHAT_HOP | hop=%d model=%s tool_calls=%d prompt_tokens=%d completion_tokens=%d",
			hop+1, req.Model, len(resp.ToolCalls), usage.PromptTokens, usage.CompletionTokens)

		if !resp.HasToolCalls() {
			o.commit(epoch, model.NewAssistantMessage(resp.Content, req.Model, &usage))
			return nil
		}

		calls := normalizeCalls(resp.ToolCalls)
		if !o.commit(epoch, model.NewAssistantToolCallMessage(resp.Content, calls, req.Model, &usage)) {
			return nil
		}
		if !o.runTools(ctx, epoch, calls) {
			return nil
		}
	}

	return fmt.Errorf("%w (limit %d)", ErrMaxHopsExceeded, o.maxHops)
}

// buildRequest snapshots the conversation into a request. Error messages
// are shown to the user but never replayed to the backend. The second
// result is the latest user text, used for cost records.
func (o *Orchestrator) buildRequest(systemPrompt string, defs []cloud.ToolDefinition) (cloud.Request, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	msgs := make([]model.Message, 0, len(o.conv.Messages))
	prompt := ""
	for _, msg := range o.conv.Messages {
		if msg.IsError {
			continue
		}
		if msg.Role == model.RoleUser {
			prompt = msg.Preview(200)
		}
		msgs = append(msgs, msg.Clone())
	}

	return cloud.Request{
		Model:        o.conv.Model,
		SystemPrompt: systemPrompt,
		Messages:     msgs,
		Tools:        defs,
	}, prompt
}

// runTools executes calls in order, committing each result. It reports
// false when the generation was cancelled or superseded.
func (o *Orchestrator) runTools(ctx context.Context, epoch uint64, calls []model.ToolCall) bool {
	for i, call := range calls {
		if ctx.Err() != nil {
			o.commitCancelled(epoch, calls[i:])
			return false
		}

		var msgs []model.Message
		if o.tools == nil {
			msgs = []model.Message{model.NewToolMessage(call.ID, call.Name,
				tools.Failure("Unknown tool: "+call.Name, nil))}
		} else {
			result, injected := o.tools.Dispatch(ctx, call, o.toolCtx)
			msgs = append([]model.Message{result}, injected...)
		}

		if !o.commit(epoch, msgs...) {
			return false
		}
	}
	return ctx.Err() == nil
}

// commitCancelled answers skipped tool calls so the history stays valid.
func (o *Orchestrator) commitCancelled(epoch uint64, calls []model.ToolCall) {
	msgs := make([]model.Message, 0, len(calls))
	for _, call := range calls {
		msgs = append(msgs, model.NewToolMessage(call.ID, call.Name, cancelledToolResult))
	}
	o.commit(epoch, msgs...)
}

// commitPartial keeps streamed text from a cancelled request.
func (o *Orchestrator) commitPartial(epoch uint64, modelID string, resp *cloud.Response) {
	if resp == nil || resp.Content == "" {
		return
	}
	var usage *model.Usage
	if !resp.Usage.IsZero() {
		priced := o.price(modelID, resp.Usage)
		usage = &priced
	}
	o.commit(epoch, model.NewAssistantMessage(resp.Content, modelID, usage))
}

// =============================================================================
// HELPERS
// =============================================================================

// account prices a completion and records it with the cost tracker.
func (o *Orchestrator) account(modelID string, usage model.Usage, duration time.Duration, prompt string) model.Usage {
	usage = o.price(modelID, usage)
	if o.costs != nil {
		o.costs.RecordQuery(modelID, usage, duration, prompt)
	}
	return usage
}

func (o *Orchestrator) price(modelID string, usage model.Usage) model.Usage {
	if o.prices == nil {
		return usage
	}
	return o.prices.Price(modelID, usage)
}

// normalizeCalls assigns ids to calls the backend left unnamed so tool
// messages can reference them.
func normalizeCalls(calls []model.ToolCall) []model.ToolCall {
	out := make([]model.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out[i] = call
	}
	return out
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, cloud.ErrCancelled) ||
		errors.Is(err, context.Canceled)
}
