// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sort"
	"sync"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/model"
)

// =============================================================================
// PRICE TABLE
// =============================================================================

// ModelPrice is the price of a model in dollars per million tokens.
type ModelPrice struct {
	PromptPerMillion     float64 `toml:"prompt_per_million" json:"prompt_per_million"`
	CompletionPerMillion float64 `toml:"completion_per_million" json:"completion_per_million"`
}

// DefaultPrices holds prices for commonly used models. Unknown models cost zero.
var DefaultPrices = map[string]ModelPrice{
	"openai/gpt-4o-mini":          {PromptPerMillion: 0.15, CompletionPerMillion: 0.60},
	"openai/gpt-4o":               {PromptPerMillion: 2.50, CompletionPerMillion: 10.00},
	"openai/gpt-4.1-mini":         {PromptPerMillion: 0.40, CompletionPerMillion: 1.60},
	"openai/gpt-4.1":              {PromptPerMillion: 2.00, CompletionPerMillion: 8.00},
	"anthropic/claude-3.5-sonnet": {PromptPerMillion: 3.00, CompletionPerMillion: 15.00},
	"anthropic/claude-3.5-haiku":  {PromptPerMillion: 0.80, CompletionPerMillion: 4.00},
	"google/gemini-2.0-flash-001": {PromptPerMillion: 0.10, CompletionPerMillion: 0.40},
}

// PriceTable maps model IDs to prices. Safe for concurrent use.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewPriceTable creates a table seeded with DefaultPrices and then the
// given overrides.
func NewPriceTable(overrides map[string]ModelPrice) *PriceTable {
	pt := &PriceTable{prices: make(map[string]ModelPrice, len(DefaultPrices)+len(overrides))}
	for id, p := range DefaultPrices {
		pt.prices[id] = p
	}
	for id, p := range overrides {
		pt.prices[id] = p
	}
	return pt
}

// Set sets the price for a model.
func (pt *PriceTable) Set(modelID string, price ModelPrice) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.prices[modelID] = price
}

// Lookup returns the price for a model.
func (pt *PriceTable) Lookup(modelID string) (ModelPrice, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.prices[modelID]
	return p, ok
}

// Models returns the priced model IDs in sorted order.
func (pt *PriceTable) Models() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	ids := make([]string, 0, len(pt.prices))
	for id := range pt.prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EstimateCost returns the dollar cost of the given token counts.
func (pt *PriceTable) EstimateCost(modelID string, promptTokens, completionTokens int) float64 {
	p, ok := pt.Lookup(modelID)
	if !ok {
		return 0
	}
	return (float64(promptTokens)*p.PromptPerMillion + float64(completionTokens)*p.CompletionPerMillion) / 1e6
}

// Price fills in EstimatedCost on a usage record.
func (pt *PriceTable) Price(modelID string, usage model.Usage) model.Usage {
	usage.EstimatedCost = pt.EstimateCost(modelID, usage.PromptTokens, usage.CompletionTokens)
	return usage
}

// MergeFromModels adds backend-reported prices for models not already in
// the table. Configured prices win.
func (pt *PriceTable) MergeFromModels(models []cloud.ModelInfo) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	added := 0
	for _, m := range models {
		if _, exists := pt.prices[m.ID]; exists {
			continue
		}
		prompt, completion := m.Pricing.PerMillion()
		if prompt == 0 && completion == 0 {
			continue
		}
		pt.prices[m.ID] = ModelPrice{PromptPerMillion: prompt, CompletionPerMillion: completion}
		added++
	}
	return added
}
