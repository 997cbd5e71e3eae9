// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/model"
	"github.com/magland/chatgeneral/internal/output"
	"github.com/magland/chatgeneral/internal/scriptserver"
)

// =============================================================================
// TOOL INTERFACE
// =============================================================================

// Schema is a JSON Schema object describing a tool's parameters.
type Schema map[string]interface{}

// Outcome is what a tool hands back to the conversation: the result string
// fed to the model and any extra messages to append after it.
type Outcome struct {
	Result      string
	NewMessages []model.Message
}

// Tool is an executable tool the model can call.
//
// Execute receives the raw JSON arguments. Failures the model should see are
// returned as a failure Outcome; a returned error is converted into one by
// the registry.
type Tool interface {
	Name() string
	Description() string
	Parameters() Schema
	Execute(ctx context.Context, args json.RawMessage, tc *Context) (Outcome, error)
}

// =============================================================================
// EXECUTION CONTEXT
// =============================================================================

// Credentials supplies the script server passcode.
type Credentials interface {
	// Passcode returns the current passcode (may be empty).
	Passcode() string
	// Reprompt asks the user for a fresh passcode after a rejection.
	Reprompt(ctx context.Context) (string, error)
}

// Context carries what tools need from their surroundings. Every field is
// optional; tools degrade when one is missing.
type Context struct {
	// Sink receives output items and is the approval channel.
	Sink *output.Sink

	ServerURL   *config.ServerURL
	Script      *scriptserver.Client
	Credentials Credentials

	// HTTPClient is used by fetch_url when SSRF protection is disabled.
	HTTPClient *http.Client

	// BundleSuffixes mark created directories to embed (default .figpack).
	BundleSuffixes []string
}

// StaticCredentials holds a passcode in memory. Reprompt calls Prompt when
// set and stores the answer.
type StaticCredentials struct {
	mu       sync.Mutex
	passcode string
	Prompt   func(ctx context.Context) (string, error)
}

// NewStaticCredentials creates credentials with an initial passcode.
func NewStaticCredentials(passcode string, prompt func(ctx context.Context) (string, error)) *StaticCredentials {
	return &StaticCredentials{passcode: passcode, Prompt: prompt}
}

// Passcode returns the stored passcode.
func (c *StaticCredentials) Passcode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passcode
}

// Set replaces the stored passcode.
func (c *StaticCredentials) Set(passcode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passcode = passcode
}

// Reprompt asks for a new passcode.
func (c *StaticCredentials) Reprompt(ctx context.Context) (string, error) {
	if c.Prompt == nil {
		return "", ErrNoPrompt
	}
	p, err := c.Prompt(ctx)
	if err != nil {
		return "", err
	}
	c.Set(p)
	return p, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the closed, name-keyed set of tools offered to the model.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry creates a registry with fetch_url, run_script and
// display_iframe.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterBuiltins()
	return r
}

// RegisterBuiltins registers the built-in tools.
func (r *Registry) RegisterBuiltins() {
	r.Register(NewFetchURLTool())
	r.Register(NewRunScriptTool())
	r.Register(NewDisplayIframeTool())
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns the tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Definitions returns the tool schemas for a completion request.
func (r *Registry) Definitions() []cloud.ToolDefinition {
	all := r.All()
	defs := make([]cloud.ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, cloud.ToolDefinition{
			Name:        t.Name(),
			Description: firstLine(t.Description()),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// SystemPromptSection renders every tool's full description for inclusion
// in the system prompt.
func (r *Registry) SystemPromptSection() string {
	var sb strings.Builder
	for i, t := range r.All() {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Tool: ")
		sb.WriteString(t.Name())
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(t.Description()))
	}
	return sb.String()
}

// firstLine returns the first line of a description for tool schemas.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "\n"); idx != -1 {
		return s[:idx]
	}
	return s
}
