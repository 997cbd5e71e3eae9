// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"

	// RoleSystem only appears on the wire; conversations never store it.
	RoleSystem Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// =============================================================================
// USAGE
// =============================================================================

// Usage holds token counters and the estimated cost in dollars.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Add returns the field-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		EstimatedCost:    u.EstimatedCost + other.EstimatedCost,
	}
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether no tokens and no cost were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.EstimatedCost == 0
}

// =============================================================================
// TOOL CALLS AND CONTENT PARTS
// =============================================================================

// ToolCall is a function call requested by the assistant.
// Arguments is the raw JSON string emitted by the backend; it is parsed by
// the tool executor, never here.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Content part types for multimodal user messages.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one piece of a multimodal user message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single entry in a conversation. The role decides which
// fields are meaningful:
//   - user: Content or Parts
//   - assistant: Content (may be empty when ToolCalls is set), ToolCalls, Model, Usage
//   - tool: Content, ToolCallID, Name
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`

	Model string `json:"model,omitempty"`
	Usage *Usage `json:"usage,omitempty"`

	// IsError marks a synthetic assistant message describing a failed turn.
	IsError bool `json:"is_error,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewUserPartsMessage creates a multimodal user message. Content holds the
// concatenated text parts so transcripts stay readable.
func NewUserPartsMessage(parts []ContentPart) Message {
	msg := NewMessage(RoleUser, "")
	msg.Parts = append([]ContentPart(nil), parts...)
	var texts []string
	for _, p := range parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	msg.Content = strings.Join(texts, "\n")
	return msg
}

// NewAssistantMessage creates an assistant message with content and usage.
func NewAssistantMessage(content, modelID string, usage *Usage) Message {
	msg := NewMessage(RoleAssistant, content)
	msg.Model = modelID
	msg.Usage = usage
	return msg
}

// NewAssistantToolCallMessage creates an assistant message carrying tool calls.
func NewAssistantToolCallMessage(content string, calls []ToolCall, modelID string, usage *Usage) Message {
	msg := NewAssistantMessage(content, modelID, usage)
	msg.ToolCalls = append([]ToolCall(nil), calls...)
	return msg
}

// NewErrorMessage creates the synthetic assistant message appended when a
// turn fails.
func NewErrorMessage(errText string) Message {
	msg := NewMessage(RoleAssistant, "Error: "+errText)
	msg.IsError = true
	return msg
}

// NewToolMessage creates a tool result message.
func NewToolMessage(toolCallID, name, content string) Message {
	msg := NewMessage(RoleTool, content)
	msg.ToolCallID = toolCallID
	msg.Name = name
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// HasToolCalls reports whether the message requests tool execution.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = append([]ContentPart(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return out
}

// generateID creates a unique message ID.
func generateID() string {
	return uuid.NewString()
}
