// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the streaming completion transport for
// OpenAI-compatible chat backends such as OpenRouter.
//
// # Key Types
//
//   - Client: HTTP client with retry, backoff, and optional request pacing
//   - Request / Response: one completion exchange
//   - SSEReader: Server-Sent Events decoder
//   - StreamAccumulator: merges text, tool-call deltas, and usage
//
// # Usage
//
//	client := cloud.NewClient(apiKey)
//	resp, err := client.Complete(ctx, cloud.Request{
//	    Model:        "openai/gpt-4o-mini",
//	    SystemPrompt: "You are helpful.",
//	    Messages:     conv.Messages,
//	}, func(text string) { fmt.Print("\r", text) })
//	if errors.Is(err, cloud.ErrCancelled) {
//	    // resp.Content holds the partial output
//	}
//
// Rate-limited (HTTP 429 or a "rate limit" message) and network-failed
// attempts are retried with exponential backoff. API keys are never logged.
package cloud
