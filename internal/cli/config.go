// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for chatgeneral.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Display the effective configuration (--format json)
//   set <key> <value>   Set a value in the config file
//   init                Write a config file with the defaults
//   reset               Same as init, overwriting an existing file
//   path                Show the config file path
//
// Examples:
//   chatgeneral config set default_model anthropic/claude-sonnet-4
//   chatgeneral config set server_url http://127.0.0.1:3340
//   chatgeneral config set max_hops 40
//
// Secrets are shown as a SHA-256 fingerprint, never in clear.
package cli

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/magland/chatgeneral/internal/config"
)

// HandleConfig runs a config subcommand.
func HandleConfig(args Args, out io.Writer) error {
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	switch args.Subcommand {
	case "", "show":
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return showConfig(cfg, args.Format, out)

	case "path":
		fmt.Fprintln(out, path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "(file does not exist; defaults are in use)")
		}
		return nil

	case "init":
		if _, err := os.Stat(path); err == nil && !args.Confirm {
			return fmt.Errorf("%s already exists (use 'config reset' to overwrite)", path)
		}
		fallthrough
	case "reset":
		if err := config.Save(config.Default()); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(out, "Wrote defaults to %s\n", path)
		return nil

	case "set":
		key, value, _ := strings.Cut(args.Target, " ")
		return setConfigValue(path, key, strings.TrimSpace(value), out)

	default:
		return fmt.Errorf("unknown config subcommand: %s\nUsage: chatgeneral config [show|set|init|reset|path]", args.Subcommand)
	}
}

// showConfig prints cfg as TOML, or JSON when format is "json", with
// secrets masked.
func showConfig(cfg *config.Config, format string, out io.Writer) error {
	masked := *cfg
	masked.Backend.APIKey = maskSecret(cfg.Backend.APIKey)
	masked.ScriptServer.Passcode = maskSecret(cfg.ScriptServer.Passcode)
	masked.Server.Passcode = maskSecret(cfg.Server.Passcode)

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(masked)
	}
	return toml.NewEncoder(out).Encode(masked)
}

// =============================================================================
// SET
// =============================================================================

// configSetter applies one string value to a config field.
type configSetter func(cfg *config.Config, value string) error

var configKeys = map[string]configSetter{
	"default_model": func(c *config.Config, v string) error { c.Backend.DefaultModel = v; return nil },
	"base_url":      func(c *config.Config, v string) error { c.Backend.BaseURL = v; return nil },
	"api_key":       func(c *config.Config, v string) error { c.Backend.APIKey = v; return nil },
	"max_retries":   intSetter(func(c *config.Config, n int) { c.Backend.MaxRetries = n }),
	"requests_per_minute": intSetter(func(c *config.Config, n int) {
		c.Backend.RequestsPerMinute = n
	}),
	"server_url":        func(c *config.Config, v string) error { c.ScriptServer.DefaultURL = v; return nil },
	"fallback_url":      func(c *config.Config, v string) error { c.ScriptServer.FallbackURL = v; return nil },
	"passcode":          func(c *config.Config, v string) error { c.ScriptServer.Passcode = v; return nil },
	"max_hops":          intSetter(func(c *config.Config, n int) { c.Chat.MaxHops = n }),
	"instructions_path": func(c *config.Config, v string) error { c.Chat.InstructionsPath = v; return nil },
	"db_path":           func(c *config.Config, v string) error { c.Chat.DBPath = v; return nil },
	"server_host":       func(c *config.Config, v string) error { c.Server.Host = v; return nil },
	"server_port":       intSetter(func(c *config.Config, n int) { c.Server.Port = n }),
	"server_working_dir": func(c *config.Config, v string) error {
		c.Server.WorkingDir = v
		return nil
	},
	"server_passcode": func(c *config.Config, v string) error { c.Server.Passcode = v; return nil },
}

func intSetter(set func(*config.Config, int)) configSetter {
	return func(c *config.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected a number, got %q", v)
		}
		set(c, n)
		return nil
	}
}

// setConfigValue updates key in the file at path. Environment overrides are
// not applied so they never leak into the file.
func setConfigValue(path, key, value string, out io.Writer) error {
	if key == "" || value == "" {
		return errors.New("usage: chatgeneral config set KEY VALUE")
	}
	key = strings.ReplaceAll(strings.ToLower(key), ".", "_")
	set, ok := configKeys[key]
	if !ok {
		if s := suggestName(key, configKeyNames()); s != "" {
			return fmt.Errorf("unknown config key: %s (did you mean %s?)", key, s)
		}
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(configKeyNames(), ", "))
	}

	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}
	if err := set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration value: %w", err)
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	if err := config.SaveToPath(cfg, path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(out, "[OK] %s = %s\n", key, maskIfSecret(key, value))
	return nil
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for k := range configKeys {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// HELPERS
// =============================================================================

// maskSecret replaces a secret with a short SHA-256 fingerprint so keys can
// be told apart without revealing a prefix.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(s))
	return fmt.Sprintf("sha256:%x...", hash[:4])
}

// maskIfSecret masks value when key names a secret field.
func maskIfSecret(key, value string) string {
	lower := strings.ToLower(key)
	for _, s := range []string{"key", "secret", "token", "passcode"} {
		if strings.Contains(lower, s) {
			return maskSecret(value)
		}
	}
	return value
}
