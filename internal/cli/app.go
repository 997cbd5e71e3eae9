// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring of the conversation engine shared by chat and ask.
package cli

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/magland/chatgeneral/internal/chat"
	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/instructions"
	"github.com/magland/chatgeneral/internal/output"
	"github.com/magland/chatgeneral/internal/scriptserver"
	"github.com/magland/chatgeneral/internal/storage"
	"github.com/magland/chatgeneral/internal/telemetry"
	"github.com/magland/chatgeneral/internal/tools"
)

// maxRetryDelay caps the backoff between backend retries.
const maxRetryDelay = 30 * time.Second

// App holds one conversation engine and everything it is wired to.
type App struct {
	Config *config.Config

	// Client is nil when the transport was injected.
	Client  *cloud.Client
	Prices  *telemetry.PriceTable
	Costs   *telemetry.CostTracker
	Sink    *output.Sink
	Server  *config.ServerURL
	Creds   *tools.StaticCredentials
	Tools   *tools.Registry
	Prompt  *instructions.Loader
	Orch    *chat.Orchestrator
	ToolCtx *tools.Context

	storeMu   sync.Mutex
	store     *storage.ConversationStore
	sessionID string
}

// NewApp wires an App against the configured backend. modelOverride
// replaces the configured default model when set.
func NewApp(cfg *config.Config, modelOverride string) (*App, error) {
	client := cloud.NewClient(cfg.Backend.APIKey).
		WithBaseURL(cfg.Backend.BaseURL).
		WithMaxRetries(cfg.Backend.MaxRetries).
		WithRetryDelays(time.Duration(cfg.Backend.RetryBaseDelayMs)*time.Millisecond, maxRetryDelay).
		WithRateLimit(cfg.Backend.RequestsPerMinute).
		WithSiteName("chatgeneral")
	if !client.IsConfigured() {
		return nil, fmt.Errorf("%w: set OPENROUTER_API_KEY or backend.api_key in %s", cloud.ErrNotConfigured, configPathHint())
	}

	app := newApp(cfg, client, modelOverride)
	app.Client = client
	return app, nil
}

// newApp wires an App around transport.
func newApp(cfg *config.Config, transport chat.Transport, modelOverride string) *App {
	modelID := cfg.Backend.DefaultModel
	if modelOverride != "" {
		modelID = modelOverride
	}

	sink := output.NewSink()
	server := config.NewServerURL(cfg.ScriptServer.DefaultURL, cfg.ScriptServer.FallbackURL)
	creds := tools.NewStaticCredentials(cfg.ScriptServer.Passcode, func(ctx context.Context) (string, error) {
		return ReadPasscode(ctx, "Script server passcode: ")
	})

	registry := tools.NewDefaultRegistry()
	toolCtx := &tools.Context{
		Sink:           sink,
		ServerURL:      server,
		Script:         scriptserver.NewClient(server),
		Credentials:    creds,
		BundleSuffixes: cfg.ScriptServer.BundleSuffixes,
	}

	loader := instructions.NewLoader(cfg.Chat.InstructionsPath, cfg.Chat.InstructionParams, registry.SystemPromptSection())
	if err := loader.Load(); err != nil {
		// Kept as the loader's error state and reported before sending.
		log.Printf("INSTRUCTIONS | path=%s error=%v", cfg.Chat.InstructionsPath, err)
	}

	prices := telemetry.NewPriceTable(cfg.Prices)
	costs := telemetry.NewCostTracker()

	orch := chat.New(transport, modelID).
		WithTools(registry, toolCtx).
		WithPrompt(loader).
		WithPricing(prices).
		WithCostTracker(costs).
		WithMaxHops(cfg.Chat.MaxHops)

	return &App{
		Config:  cfg,
		Prices:  prices,
		Costs:   costs,
		Sink:    sink,
		Server:  server,
		Creds:   creds,
		Tools:   registry,
		Prompt:  loader,
		Orch:    orch,
		ToolCtx: toolCtx,
	}
}

// Store opens the conversation store on first use.
func (a *App) Store() (*storage.ConversationStore, error) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	store, err := openStore(a.Config)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// SaveConversation stores the current conversation, updating the session
// saved earlier in this run.
func (a *App) SaveConversation(ctx context.Context) (string, error) {
	conv := a.Orch.Conversation()
	if conv.IsEmpty() {
		return "", fmt.Errorf("nothing to save")
	}
	store, err := a.Store()
	if err != nil {
		return "", err
	}
	id, err := store.Save(ctx, a.sessionID, conv)
	if err != nil {
		return "", err
	}
	a.sessionID = id
	return id, nil
}

// LoadConversation replaces the conversation with a stored one. ref is an
// id, an id prefix, or a 1-based list index.
func (a *App) LoadConversation(ctx context.Context, ref string) (*storage.StoredConversation, error) {
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	stored, err := loadByRef(ctx, store, ref)
	if err != nil {
		return nil, err
	}
	a.Orch.LoadConversation(stored.Conversation)
	a.sessionID = stored.ID
	return stored, nil
}

// ClearConversation resets the conversation and starts a new session.
func (a *App) ClearConversation() {
	a.Orch.ClearConversation()
	a.sessionID = ""
}

// Close releases the watcher and the store.
func (a *App) Close() error {
	_ = a.Prompt.Close()
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func openStore(cfg *config.Config) (*storage.ConversationStore, error) {
	path := cfg.Chat.DBPath
	if path == "" {
		var err error
		if path, err = config.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return storage.Open(path)
}

func configPathHint() string {
	if path, err := config.ConfigPath(); err == nil {
		return path
	}
	return "~/.chatgeneral/config.toml"
}
