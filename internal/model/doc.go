// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// # Key Types
//
//   - Conversation: ordered messages, accumulated usage, and the active model
//   - Message: a user, assistant, or tool entry
//   - ToolCall: an assistant request to run a tool, with raw JSON arguments
//   - Usage: prompt/completion token counters and estimated cost
//
// # Usage
//
//	conv := model.NewConversation("openai/gpt-4o-mini")
//	conv.Append(model.NewUserMessage("What is 2+2?"))
//	conv.Append(model.NewAssistantMessage("4", conv.Model, &model.Usage{PromptTokens: 12, CompletionTokens: 1}))
//
// Assistant usage is folded into TotalUsage at commit time; Truncate leaves
// TotalUsage untouched.
package model
