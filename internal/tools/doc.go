// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tools the assistant can call during a turn.
//
// Tool results are always JSON objects of the form
// {"success":true,"data":...} or {"success":false,"error":...}. Failures are
// ordinary results the model can react to, never errors raised into the
// conversation loop.
//
// # Key Types
//
//   - Tool: name, JSON Schema parameters, system-prompt description, Execute
//   - Registry: the closed set of tools; Dispatch turns a tool call into a
//     tool message plus any injected messages
//   - Context: output sink, script server client and credentials
//   - Outcome: result string and extra messages
//
// # Available Tools
//
//   - fetch_url: fetch a page with SSRF protection and inject its text
//   - run_script: approval-gated script execution on the local script server,
//     displaying created images and .figpack bundles
//   - display_iframe: show a URL in the output panel
//
// # Usage
//
//	reg := tools.NewDefaultRegistry()
//	msg, extra := reg.Dispatch(ctx, call, &tools.Context{Sink: sink, Script: client})
package tools
