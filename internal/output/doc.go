// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package output holds the side-channel artifacts produced during a
// conversation: proposed scripts, their output, generated images, and
// embedded pages.
//
// # Key Types
//
//   - Item: one artifact with kind-specific Meta
//   - Sink: newest-first item list plus the pending approval table
//   - Ticket: one-shot approval request awaited by the run_script tool
//
// # Usage
//
//	sink := output.NewSink()
//	id, ticket := sink.EmitForApproval(output.Item{Kind: output.KindScript, Content: src})
//	// elsewhere: sink.Approve(id)
//	approved, err := ticket.Wait(ctx)
package output
