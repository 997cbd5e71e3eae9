// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// server_cmd.go - The start-server command.
//
// Command: start-server
//
// Examples:
//   chatgeneral start-server
//   chatgeneral start-server --port 3340 --working-dir ~/analysis
//
// Flags override the [server] section of the config file.
package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/scriptserver"
)

// HandleStartServer runs the script server until interrupted.
func HandleStartServer(args Args) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	srv, err := scriptserver.NewServer(serverOptions(cfg.Server, args))
	if err != nil {
		return err
	}

	fmt.Printf("Script server listening on http://%s\n", srv.Addr())
	fmt.Printf("Working directory: %s\n", srv.WorkingDir())
	if args.Passcode == "" && cfg.Server.Passcode == "" {
		fmt.Printf("Passcode: %s\n", srv.Passcode())
	}
	fmt.Println("Press Ctrl+C to stop.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}

// serverOptions merges command flags over the [server] config section.
func serverOptions(sc config.ServerConfig, args Args) scriptserver.Options {
	opts := scriptserver.Options{
		Host:           sc.Host,
		Port:           sc.Port,
		WorkingDir:     sc.WorkingDir,
		Passcode:       sc.Passcode,
		AllowedOrigins: sc.AllowedOrigins,
		Logger:         log.New(os.Stderr, "", log.LstdFlags),
	}
	if args.Host != "" {
		opts.Host = args.Host
	}
	if args.Port != 0 {
		opts.Port = args.Port
	}
	if args.WorkingDir != "" {
		opts.WorkingDir = args.WorkingDir
	}
	if args.Passcode != "" {
		opts.Passcode = args.Passcode
	}
	return opts
}
