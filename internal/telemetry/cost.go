// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magland/chatgeneral/internal/model"
)

// maxTopQueries is how many of the most expensive requests a session keeps.
const maxTopQueries = 10

// =============================================================================
// COST TRACKER
// =============================================================================

// CostTracker tracks token usage and costs for the current session.
type CostTracker struct {
	mu      sync.RWMutex
	session *SessionCost
}

// SessionCost tracks costs for a single session.
type SessionCost struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`

	// Token counts per model
	Models map[string]TokenCount `json:"models"`

	// Totals
	Tokens    TokenCount `json:"tokens"`
	TotalCost float64    `json:"total_cost"` // In dollars
	Requests  int        `json:"requests"`

	// Most expensive requests, highest first
	TopQueries []QueryCost `json:"top_queries"`
}

// TokenCount tracks input/output tokens.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// QueryCost tracks cost of individual requests.
type QueryCost struct {
	Timestamp    time.Time     `json:"timestamp"`
	Prompt       string        `json:"prompt"` // First 100 chars
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`     // In dollars
	Duration     time.Duration `json:"duration"` // Request duration
}

// NewCostTracker creates a tracker with a fresh session.
func NewCostTracker() *CostTracker {
	ct := &CostTracker{}
	ct.Reset()
	return ct
}

// Reset starts a new session.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.session = &SessionCost{
		ID:         uuid.NewString(),
		StartTime:  time.Now(),
		Models:     make(map[string]TokenCount),
		TopQueries: make([]QueryCost, 0),
	}
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordQuery records one backend request. usage.EstimatedCost must already
// be priced.
func (ct *CostTracker) RecordQuery(modelID string, usage model.Usage, duration time.Duration, prompt string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	session := ct.session
	runes := []rune(prompt)
	if len(runes) > 100 {
		prompt = string(runes[:100]) + "..."
	}

	tc := session.Models[modelID]
	tc.Input += usage.PromptTokens
	tc.Output += usage.CompletionTokens
	session.Models[modelID] = tc

	session.Tokens.Input += usage.PromptTokens
	session.Tokens.Output += usage.CompletionTokens
	session.TotalCost += usage.EstimatedCost
	session.Requests++

	session.TopQueries = append(session.TopQueries, QueryCost{
		Timestamp:    time.Now(),
		Prompt:       prompt,
		Model:        modelID,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Cost:         usage.EstimatedCost,
		Duration:     duration,
	})
	sort.SliceStable(session.TopQueries, func(i, j int) bool {
		return session.TopQueries[i].Cost > session.TopQueries[j].Cost
	})
	if len(session.TopQueries) > maxTopQueries {
		session.TopQueries = session.TopQueries[:maxTopQueries]
	}
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// GetCurrentSession returns a copy of the current session's cost data.
func (ct *CostTracker) GetCurrentSession() *SessionCost {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	src := ct.session
	out := *src
	out.Models = make(map[string]TokenCount, len(src.Models))
	for k, v := range src.Models {
		out.Models[k] = v
	}
	out.TopQueries = append([]QueryCost(nil), src.TopQueries...)
	return &out
}
