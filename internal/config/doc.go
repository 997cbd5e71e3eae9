// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and the shared script
// server endpoint cell for chatgeneral.
//
// # Key Types
//
//   - Config: main configuration structure ([backend], [script_server], [chat], [prices], [server])
//   - ValidationErrors: every invalid field found by Validate
//   - ServerURL: current script server endpoint with default/fallback switching and observers
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OPENROUTER_API_KEY, CHATGENERAL_MODEL,
//     CHATGENERAL_SERVER_URL, CHATGENERAL_PASSCODE)
//   - ~/.chatgeneral/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	serverURL := config.NewServerURL(cfg.ScriptServer.DefaultURL, cfg.ScriptServer.FallbackURL)
//	unsubscribe := serverURL.Subscribe(func(u string) { fmt.Println("now using", u) })
//	defer unsubscribe()
package config
