// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/model"
)

func TestPriceTable_EstimateCost(t *testing.T) {
	pt := NewPriceTable(map[string]ModelPrice{
		"test/model": {PromptPerMillion: 1, CompletionPerMillion: 2},
	})

	assert.InDelta(t, 0.003, pt.EstimateCost("test/model", 1000, 1000), 1e-12)
	assert.Zero(t, pt.EstimateCost("unknown/model", 1000, 1000))
}

func TestPriceTable_OverridesWin(t *testing.T) {
	pt := NewPriceTable(map[string]ModelPrice{
		"openai/gpt-4o-mini": {PromptPerMillion: 9, CompletionPerMillion: 9},
	})
	p, ok := pt.Lookup("openai/gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, 9.0, p.PromptPerMillion)
}

func TestPriceTable_Price(t *testing.T) {
	pt := NewPriceTable(map[string]ModelPrice{"m": {PromptPerMillion: 10, CompletionPerMillion: 20}})
	u := pt.Price("m", model.Usage{PromptTokens: 100, CompletionTokens: 50})
	assert.Equal(t, 100, u.PromptTokens)
	assert.InDelta(t, 0.002, u.EstimatedCost, 1e-12)
}

func TestPriceTable_MergeFromModels(t *testing.T) {
	pt := NewPriceTable(map[string]ModelPrice{"known": {PromptPerMillion: 1}})
	added := pt.MergeFromModels([]cloud.ModelInfo{
		{ID: "known", Pricing: cloud.Pricing{Prompt: "0.5", Completion: "0.5"}},
		{ID: "new", Pricing: cloud.Pricing{Prompt: "0.000001", Completion: "0.000002"}},
		{ID: "free", Pricing: cloud.Pricing{Prompt: "0", Completion: "0"}},
	})
	assert.Equal(t, 1, added)

	p, _ := pt.Lookup("known")
	assert.Equal(t, 1.0, p.PromptPerMillion)

	p, ok := pt.Lookup("new")
	require.True(t, ok)
	assert.InDelta(t, 1.0, p.PromptPerMillion, 1e-9)
	assert.InDelta(t, 2.0, p.CompletionPerMillion, 1e-9)

	assert.Contains(t, pt.Models(), "new")
	assert.NotContains(t, pt.Models(), "free")
}

func TestCostTracker_RecordQuery(t *testing.T) {
	ct := NewCostTracker()

	ct.RecordQuery("a", model.Usage{PromptTokens: 10, CompletionTokens: 5, EstimatedCost: 0.01}, time.Second, "first")
	ct.RecordQuery("b", model.Usage{PromptTokens: 20, CompletionTokens: 1, EstimatedCost: 0.05}, time.Second, strings.Repeat("x", 150))
	ct.RecordQuery("a", model.Usage{PromptTokens: 1, CompletionTokens: 1, EstimatedCost: 0.02}, time.Second, "third")

	s := ct.GetCurrentSession()
	assert.Equal(t, 3, s.Requests)
	assert.Equal(t, TokenCount{Input: 31, Output: 7}, s.Tokens)
	assert.Equal(t, TokenCount{Input: 11, Output: 6}, s.Models["a"])
	assert.InDelta(t, 0.08, s.TotalCost, 1e-12)

	require.Len(t, s.TopQueries, 3)
	assert.Equal(t, "b", s.TopQueries[0].Model)
	assert.Len(t, []rune(s.TopQueries[0].Prompt), 103)
	assert.Equal(t, "first", s.TopQueries[2].Prompt)
}

func TestCostTracker_TopQueriesBounded(t *testing.T) {
	ct := NewCostTracker()
	for i := 0; i < maxTopQueries+5; i++ {
		ct.RecordQuery("m", model.Usage{EstimatedCost: float64(i)}, 0, "q")
	}
	s := ct.GetCurrentSession()
	require.Len(t, s.TopQueries, maxTopQueries)
	assert.Equal(t, float64(maxTopQueries+4), s.TopQueries[0].Cost)
}

func TestCostTracker_ResetAndCopy(t *testing.T) {
	ct := NewCostTracker()
	ct.RecordQuery("m", model.Usage{PromptTokens: 1}, 0, "q")
	first := ct.GetCurrentSession()

	first.Models["m"] = TokenCount{Input: 999}
	assert.Equal(t, 1, ct.GetCurrentSession().Models["m"].Input)

	ct.Reset()
	second := ct.GetCurrentSession()
	assert.Zero(t, second.Requests)
	assert.NotEqual(t, first.ID, second.ID)
}
