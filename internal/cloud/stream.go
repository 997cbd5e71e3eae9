// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/magland/chatgeneral/internal/model"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk represents a single chunk from the streaming response.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string          `json:"content"`
			Role      string          `json:"role,omitempty"`
			ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *ChunkUsage `json:"usage,omitempty"`
	Error *ChunkError `json:"error,omitempty"`
}

// ToolCallDelta is a fragment of a tool call. Index identifies the call's
// position among the tool calls of the current turn.
type ToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// ChunkUsage carries token counters.
type ChunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkError is an error object delivered inside the stream.
type ChunkError struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// GetFinishReason returns the finish reason if streaming is complete.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// A partial final line without a trailing newline is still parsed.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}
		atEOF := err == io.EOF

		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if atEOF {
				return "", nil, io.EOF
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
		} else if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, comments starting with :)

		if atEOF {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// processStream reads and decodes the SSE stream until the [DONE] sentinel
// or connection close. Malformed chunks are skipped. The callback may stop
// the stream by returning an error.
func processStream(ctx context.Context, body io.Reader, callback func(StreamChunk) error) error {
	reader := NewSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &NetworkError{Err: err}
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}

		if err := callback(chunk); err != nil {
			return err
		}
	}
}

// =============================================================================
// STREAM ACCUMULATOR
// =============================================================================

// partialToolCall is a tool call being assembled from deltas.
type partialToolCall struct {
	index     int
	id        string
	name      string
	arguments strings.Builder
}

// StreamAccumulator collects streaming chunks and builds a complete response.
type StreamAccumulator struct {
	content      strings.Builder
	toolCalls    map[int]*partialToolCall
	usage        model.Usage
	model        string
	finishReason string
}

// NewStreamAccumulator creates a new accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{
		toolCalls: make(map[int]*partialToolCall),
	}
}

// Add processes a new chunk and reports whether the text content changed.
func (a *StreamAccumulator) Add(chunk StreamChunk) bool {
	changed := false

	if chunk.Model != "" {
		a.model = chunk.Model
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			a.content.WriteString(choice.Delta.Content)
			changed = true
		}
		for _, delta := range choice.Delta.ToolCalls {
			a.AddToolCallDelta(delta)
		}
		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
	}

	// Usage may arrive in more than one chunk; accumulate rather than overwrite.
	if chunk.Usage != nil {
		a.usage.PromptTokens += chunk.Usage.PromptTokens
		a.usage.CompletionTokens += chunk.Usage.CompletionTokens
	}

	return changed
}

// AddToolCallDelta merges one tool-call fragment. An unseen index allocates
// a new slot; a known index patches id and name once present and appends
// argument text in arrival order.
func (a *StreamAccumulator) AddToolCallDelta(delta ToolCallDelta) {
	tc, ok := a.toolCalls[delta.Index]
	if !ok {
		tc = &partialToolCall{index: delta.Index}
		a.toolCalls[delta.Index] = tc
	}
	if delta.ID != "" {
		tc.id = delta.ID
	}
	if delta.Function.Name != "" {
		tc.name = delta.Function.Name
	}
	tc.arguments.WriteString(delta.Function.Arguments)
}

// Content returns the accumulated text.
func (a *StreamAccumulator) Content() string {
	return a.content.String()
}

// ToolCalls returns the merged tool calls ordered by index.
func (a *StreamAccumulator) ToolCalls() []model.ToolCall {
	if len(a.toolCalls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.toolCalls))
	for idx := range a.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]model.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		tc := a.toolCalls[idx]
		calls = append(calls, model.ToolCall{
			ID:        tc.id,
			Name:      tc.name,
			Arguments: tc.arguments.String(),
		})
	}
	return calls
}

// Usage returns the accumulated token counters.
func (a *StreamAccumulator) Usage() model.Usage {
	return a.usage
}

// Response assembles the accumulated state.
func (a *StreamAccumulator) Response() *Response {
	return &Response{
		Content:      a.Content(),
		ToolCalls:    a.ToolCalls(),
		Usage:        a.usage,
		Model:        a.model,
		FinishReason: a.finishReason,
	}
}
