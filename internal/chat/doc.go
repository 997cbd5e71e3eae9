// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives a conversation against a completion backend.
//
// An Orchestrator owns one conversation. Each user message starts a turn: an
// explicit hop loop that streams a completion, executes any requested tool
// calls in order, and continues until the model answers without tools or
// the hop limit is reached.
//
// # Key Types
//
//   - Orchestrator: conversation state, turns, abort, revert, compression
//   - State: snapshot delivered to observers after every change
//   - Transport: the completion backend (*cloud.Client)
//   - ToolRunner: tool schemas and dispatch (*tools.Registry)
//   - PromptSource: system prompt provider (*instructions.Loader)
//
// # Usage
//
//	orch := chat.New(client, cfg.Backend.DefaultModel).
//		WithTools(registry, toolCtx).
//		WithPrompt(loader).
//		WithPricing(prices)
//	unsubscribe := orch.Subscribe(render)
//	defer unsubscribe()
//	if err := orch.SubmitUserMessage(ctx, "Plot a sine wave"); err != nil {
//		log.Printf("turn failed: %v", err)
//	}
//
// # Cancellation
//
// Abort, a new submission, ClearConversation, RevertToMessage and
// LoadConversation all cancel the running generation. Streamed text is kept
// as an assistant message and unanswered tool calls receive a cancelled
// result. Cancellation is never reported as an error.
package chat
