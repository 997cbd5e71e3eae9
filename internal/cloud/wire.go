// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"github.com/magland/chatgeneral/internal/model"
)

// =============================================================================
// WIRE TYPES (OpenAI chat completions format)
// =============================================================================

// chatRequest is the JSON body sent to /chat/completions.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage is a message in the backend's format. Content is a string,
// nil (assistant turns with only tool calls), or a list of parts.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireFunctionSpec `json:"function"`
}

type wireFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// buildChatRequest converts a Request into the wire format. The system
// prompt always goes first.
func buildChatRequest(req Request) chatRequest {
	modelID := req.Model
	if modelID == "" {
		modelID = DefaultModel
	}

	out := chatRequest{
		Model:         modelID,
		Messages:      make([]wireMessage, 0, len(req.Messages)+1),
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, wireMessage{Role: string(model.RoleSystem), Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, toWireMessage(msg))
	}

	for _, tool := range req.Tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireFunctionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// toWireMessage converts one conversation message.
func toWireMessage(msg model.Message) wireMessage {
	wm := wireMessage{Role: string(msg.Role)}

	switch msg.Role {
	case model.RoleUser:
		if len(msg.Parts) > 0 {
			parts := make([]wirePart, 0, len(msg.Parts))
			for _, p := range msg.Parts {
				switch p.Type {
				case model.PartImage:
					parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.ImageURL}})
				default:
					parts = append(parts, wirePart{Type: "text", Text: p.Text})
				}
			}
			wm.Content = parts
		} else {
			wm.Content = msg.Content
		}

	case model.RoleAssistant:
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			wm.Content = msg.Content
		}
		for _, tc := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}

	case model.RoleTool:
		wm.Content = msg.Content
		wm.ToolCallID = msg.ToolCallID
		wm.Name = msg.Name

	default:
		wm.Content = msg.Content
	}
	return wm
}
