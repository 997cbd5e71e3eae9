// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides model pricing and cost tracking.
//
// # Key Types
//
//   - PriceTable: per-model prompt/completion prices in dollars per million tokens
//   - CostTracker: per-session token and cost totals with the most expensive requests
//
// # Usage
//
//	prices := telemetry.NewPriceTable(cfg.Prices)
//	usage = prices.Price("openai/gpt-4o-mini", usage)
//	tracker.RecordQuery("openai/gpt-4o-mini", usage, elapsed, prompt)
//
// # Privacy
//
// Cost tracking is local-only and does not transmit any data.
package telemetry
