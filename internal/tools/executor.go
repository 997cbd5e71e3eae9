// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/magland/chatgeneral/internal/model"
)

// Errors shared by the tools.
var (
	// ErrNoPrompt is returned by Reprompt when no interactive prompt exists.
	ErrNoPrompt = errors.New("no passcode prompt available")
)

// =============================================================================
// RESULT ENCODING
// =============================================================================

// Success encodes {"success":true,"data":data}.
func Success(data interface{}) string {
	return encode(map[string]interface{}{"success": true, "data": data})
}

// Failure encodes {"success":false,"error":msg}, merging extra fields such
// as a remediation hint.
func Failure(msg string, extra map[string]interface{}) string {
	out := map[string]interface{}{"success": false, "error": msg}
	for k, v := range extra {
		out[k] = v
	}
	return encode(out)
}

func encode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only unencodable data reaches here; report it as a failure.
		b, _ = json.Marshal(map[string]interface{}{"success": false, "error": "failed to encode tool result: " + err.Error()})
	}
	return string(b)
}

// =============================================================================
// DISPATCH
// =============================================================================

// Dispatch executes one tool call and returns the tool message answering it
// followed by any injected messages. It never fails: an unknown tool,
// malformed arguments, an executor error or a panic all become a failure
// result the model can react to.
func (r *Registry) Dispatch(ctx context.Context, call model.ToolCall, tc *Context) (model.Message, []model.Message) {
	start := time.Now()
	outcome := r.execute(ctx, call, tc)
	log.Printf("TOOL | name=%s id=%s duration=%s", call.Name, call.ID, time.Since(start).Round(time.Millisecond))
	return model.NewToolMessage(call.ID, call.Name, outcome.Result), outcome.NewMessages
}

func (r *Registry) execute(ctx context.Context, call model.ToolCall, tc *Context) (outcome Outcome) {
	tool := r.Get(call.Name)
	if tool == nil {
		return Outcome{Result: Failure("Unknown tool: "+call.Name, nil)}
	}

	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return Outcome{Result: Failure(fmt.Sprintf("Invalid JSON in tool arguments: %s", truncate(args, 200)), nil)}
	}

	if tc == nil {
		tc = &Context{}
	}

	defer func() {
		if p := recover(); p != nil {
			log.Printf("TOOL_PANIC | name=%s error=%v", call.Name, p)
			outcome = Outcome{Result: Failure(fmt.Sprintf("Tool %s crashed: %v", call.Name, p), nil)}
		}
	}()

	out, err := tool.Execute(ctx, json.RawMessage(args), tc)
	if err != nil {
		return Outcome{Result: Failure(err.Error(), nil)}
	}
	if out.Result == "" {
		out.Result = Success(nil)
	}
	return out
}

// decodeArgs unmarshals tool arguments, reporting decode problems in a form
// suitable for the model.
func decodeArgs(args json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("Invalid arguments: %v", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
