// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package instructions builds the system prompt.
//
// An instructions file is a text/template body with optional YAML front
// matter declaring required parameters and defaults. Rendering fails with
// ErrMissingParams when a required parameter is unset; callers treat that as
// a configuration error rather than a conversation error. The rendered text
// is followed by the description of every registered tool.
//
// # Key Types
//
//   - Document: parsed front matter and template body
//   - Loader: renders the prompt and hot-reloads it with fsnotify
//
// # Usage
//
//	loader := instructions.NewLoader(cfg.Chat.InstructionsPath, params, reg.SystemPromptSection())
//	if err := loader.Load(); err != nil { ... }
//	prompt, _ := loader.SystemPrompt()
package instructions
