// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned when a message index does not exist.
var ErrIndexOutOfRange = errors.New("message index out of range")

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the unit of session state. Message order is conversation
// order and is replayed verbatim to the backend on every hop.
type Conversation struct {
	Messages   []Message `json:"messages"`
	TotalUsage Usage     `json:"total_usage"`
	Model      string    `json:"model"`
}

// NewConversation creates an empty conversation for the given model.
func NewConversation(modelID string) *Conversation {
	return &Conversation{
		Messages: make([]Message, 0),
		Model:    modelID,
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append commits a message. Assistant usage is folded into TotalUsage here
// so the total always equals the sum over committed assistant messages.
func (c *Conversation) Append(msgs ...Message) {
	for _, msg := range msgs {
		c.Messages = append(c.Messages, msg)
		if msg.Role == RoleAssistant && msg.Usage != nil {
			c.TotalUsage = c.TotalUsage.Add(*msg.Usage)
		}
	}
}

// Truncate keeps messages [0, index] inclusive. TotalUsage is left alone.
func (c *Conversation) Truncate(index int) error {
	if index < 0 || index >= len(c.Messages) {
		return fmt.Errorf("%w: %d (have %d messages)", ErrIndexOutOfRange, index, len(c.Messages))
	}
	c.Messages = c.Messages[:index+1]
	return nil
}

// Replace swaps the whole message list for msgs and adds extra to the usage
// counters. Used by compression, which folds the summary call into the total
// rather than resetting it.
func (c *Conversation) Replace(msgs []Message, extra Usage) {
	c.Messages = append([]Message(nil), msgs...)
	c.TotalUsage = c.TotalUsage.Add(extra)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// IsEmpty returns true if the conversation has no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// Last returns the most recent message, or nil if empty.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// SumAssistantUsage recomputes the usage over assistant messages.
func (c *Conversation) SumAssistantUsage() Usage {
	var total Usage
	for _, msg := range c.Messages {
		if msg.Role == RoleAssistant && msg.Usage != nil {
			total = total.Add(*msg.Usage)
		}
	}
	return total
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{
		Messages:   make([]Message, len(c.Messages)),
		TotalUsage: c.TotalUsage,
		Model:      c.Model,
	}
	for i, msg := range c.Messages {
		out.Messages[i] = msg.Clone()
	}
	return out
}

// Title returns a short title derived from the first user message.
func (c *Conversation) Title() string {
	for i := range c.Messages {
		if c.Messages[i].Role == RoleUser && c.Messages[i].Content != "" {
			return c.Messages[i].Preview(50)
		}
	}
	return "New Conversation"
}
