// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/magland/chatgeneral/internal/telemetry"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultServerURL is the local script server endpoint.
	DefaultServerURL = "http://localhost:3339"

	// DefaultFallbackURL is the endpoint selected by "/server fallback",
	// useful when localhost resolves to IPv6 only.
	DefaultFallbackURL = "http://127.0.0.1:3339"

	// DefaultMaxHops bounds the tool-call loop of a single turn.
	DefaultMaxHops = 25

	// DefaultBundleSuffix marks a created directory as an embeddable bundle.
	DefaultBundleSuffix = ".figpack"

	configDirName  = ".chatgeneral"
	configFileName = "config.toml"
)

// ErrConfigNotFound is returned by LoadFromPath when the file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatgeneral configuration.
type Config struct {
	Backend      BackendConfig                   `toml:"backend"`
	ScriptServer ScriptServerConfig              `toml:"script_server"`
	Chat         ChatConfig                      `toml:"chat"`
	Prices       map[string]telemetry.ModelPrice `toml:"prices"`
	Server       ServerConfig                    `toml:"server"`
}

// BackendConfig configures the completion backend.
type BackendConfig struct {
	// BaseURL of the OpenAI-compatible API
	BaseURL string `toml:"base_url"`
	// APIKey for the backend. Prefer the OPENROUTER_API_KEY environment variable.
	APIKey       string `toml:"api_key"`
	DefaultModel string `toml:"default_model"`
	// MaxRetries after the first attempt for rate-limited or network-failed requests
	MaxRetries        int `toml:"max_retries"`
	RetryBaseDelayMs  int `toml:"retry_base_delay_ms"`
	RequestsPerMinute int `toml:"requests_per_minute"` // 0 = unlimited
}

// ScriptServerConfig configures how the client reaches the script server.
type ScriptServerConfig struct {
	DefaultURL     string   `toml:"default_url"`
	FallbackURL    string   `toml:"fallback_url"`
	Passcode       string   `toml:"passcode"`
	BundleSuffixes []string `toml:"bundle_suffixes"`
}

// ChatConfig configures the conversation engine.
type ChatConfig struct {
	MaxHops int `toml:"max_hops"`
	// InstructionsPath points at an optional instructions file (empty = built-in)
	InstructionsPath string `toml:"instructions_path"`
	// InstructionParams fill the instructions template
	InstructionParams map[string]string `toml:"instruction_params"`
	// DBPath is the conversation store (empty = ~/.chatgeneral/conversations.db)
	DBPath string `toml:"db_path"`
}

// ServerConfig configures the script server started by `start-server`.
type ServerConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	WorkingDir string `toml:"working_dir"` // empty = current directory
	// Passcode for script execution. Empty means one is generated at startup.
	Passcode       string   `toml:"passcode"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Default returns a configuration with built-in defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			DefaultModel:      "openai/gpt-4o-mini",
			MaxRetries:        5,
			RetryBaseDelayMs:  1000,
			RequestsPerMinute: 0,
		},
		ScriptServer: ScriptServerConfig{
			DefaultURL:     DefaultServerURL,
			FallbackURL:    DefaultFallbackURL,
			BundleSuffixes: []string{DefaultBundleSuffix},
		},
		Chat: ChatConfig{
			MaxHops: DefaultMaxHops,
		},
		Prices: map[string]telemetry.ModelPrice{},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           3339,
			AllowedOrigins: []string{"http://localhost:5173", "https://magland.github.io"},
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the chatgeneral config directory (~/.chatgeneral).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// DefaultDBPath returns the default conversation store location.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conversations.db"), nil
}

// EnsureConfigDir creates the config directory if needed.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a config file to 0600 since it may hold keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads ~/.chatgeneral/config.toml if present, applies environment
// overrides, and validates. A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	cfg, err := LoadFromPath(path)
	if errors.Is(err, ErrConfigNotFound) {
		cfg = Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

// LoadFromPath reads the TOML file at path over the defaults.
func LoadFromPath(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML file: %w", err)
	}
	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields a file explicitly zeroed.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = d.Backend.BaseURL
	}
	if c.Backend.DefaultModel == "" {
		c.Backend.DefaultModel = d.Backend.DefaultModel
	}
	if c.ScriptServer.DefaultURL == "" {
		c.ScriptServer.DefaultURL = d.ScriptServer.DefaultURL
	}
	if c.ScriptServer.FallbackURL == "" {
		c.ScriptServer.FallbackURL = d.ScriptServer.FallbackURL
	}
	if len(c.ScriptServer.BundleSuffixes) == 0 {
		c.ScriptServer.BundleSuffixes = d.ScriptServer.BundleSuffixes
	}
	if c.Chat.MaxHops == 0 {
		c.Chat.MaxHops = d.Chat.MaxHops
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Prices == nil {
		c.Prices = map[string]telemetry.ModelPrice{}
	}
}

// Save writes the configuration to ~/.chatgeneral/config.toml.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration as TOML with owner-only permissions.
func SaveToPath(cfg *Config, path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# chatgeneral configuration file")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors when invalid.
func (c *Config) Validate() error {
	var errs ValidationErrors

	checkURL := func(field, raw string) {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid URL '%s'", raw)})
		}
	}

	checkURL("backend.base_url", c.Backend.BaseURL)
	checkURL("script_server.default_url", c.ScriptServer.DefaultURL)
	checkURL("script_server.fallback_url", c.ScriptServer.FallbackURL)

	if c.Backend.MaxRetries < 0 || c.Backend.MaxRetries > 20 {
		errs = append(errs, ValidationError{Field: "backend.max_retries", Message: "must be between 0 and 20"})
	}
	if c.Backend.RetryBaseDelayMs < 0 {
		errs = append(errs, ValidationError{Field: "backend.retry_base_delay_ms", Message: "must not be negative"})
	}
	if c.Backend.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{Field: "backend.requests_per_minute", Message: "must not be negative"})
	}
	if c.Chat.MaxHops < 1 {
		errs = append(errs, ValidationError{Field: "chat.max_hops", Message: "must be at least 1"})
	}
	for _, s := range c.ScriptServer.BundleSuffixes {
		if s == "" {
			errs = append(errs, ValidationError{Field: "script_server.bundle_suffixes", Message: "suffixes must not be empty"})
			break
		}
	}
	for id, p := range c.Prices {
		if p.PromptPerMillion < 0 || p.CompletionPerMillion < 0 {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("prices.%q", id), Message: "prices must not be negative"})
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", c.Server.Port)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies settings from the environment.
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Backend.APIKey = key
	}
	if model := os.Getenv("CHATGENERAL_MODEL"); model != "" {
		c.Backend.DefaultModel = model
	}
	if serverURL := os.Getenv("CHATGENERAL_SERVER_URL"); serverURL != "" {
		c.ScriptServer.DefaultURL = serverURL
	}
	if passcode := os.Getenv("CHATGENERAL_PASSCODE"); passcode != "" {
		c.ScriptServer.Passcode = passcode
		c.Server.Passcode = passcode
	}
}
