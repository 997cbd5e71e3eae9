// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session_cmd.go - Saved conversation management.
//
// Command: sessions [subcommand]
// Aliases: session
//
// Subcommands:
//   list (default)      List saved conversations (alias: ls)
//   show <ref>          Print a conversation (--format md|json)
//   search <text>       Search summaries and message bodies
//   delete <ref>        Delete a conversation (requires --confirm)
//   delete-all          Delete everything (requires --confirm)
//
// A ref is an id, a unique id prefix, or a 1-based list position.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/storage"
)

// HandleSessions runs a sessions subcommand.
func HandleSessions(args Args, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return runSessions(context.Background(), store, args, out)
}

func runSessions(ctx context.Context, store *storage.ConversationStore, args Args, out io.Writer) error {
	switch args.Subcommand {
	case "", "list", "ls":
		metas, err := store.List(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, storage.FormatSessionList(metas))
		return nil

	case "search", "find":
		if args.Target == "" {
			return errors.New("usage: chatgeneral sessions search TEXT")
		}
		metas, err := store.Search(ctx, args.Target)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, storage.FormatSessionList(metas))
		return nil

	case "show", "export":
		stored, err := loadByRef(ctx, store, args.Target)
		if err != nil {
			return err
		}
		switch args.Format {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stored)
		case "md", "markdown", "":
			fmt.Fprint(out, stored.ExportMarkdown())
			return nil
		default:
			return fmt.Errorf("unknown format %q (use md or json)", args.Format)
		}

	case "delete", "rm":
		if args.Target == "" {
			return errors.New("usage: chatgeneral sessions delete REF --confirm")
		}
		stored, err := loadByRef(ctx, store, args.Target)
		if err != nil {
			return err
		}
		if !args.Confirm {
			return fmt.Errorf("refusing to delete %q without --confirm", stored.Summary)
		}
		if err := store.Delete(ctx, stored.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", stored.ID)
		return nil

	case "delete-all":
		if !args.Confirm {
			return errors.New("refusing to delete all conversations without --confirm")
		}
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "All conversations deleted.")
		return nil

	default:
		return fmt.Errorf("unknown sessions subcommand: %s\nUsage: chatgeneral sessions [list|show|search|delete|delete-all]", args.Subcommand)
	}
}

// loadByRef resolves a 1-based list position or an id prefix.
func loadByRef(ctx context.Context, store *storage.ConversationStore, ref string) (*storage.StoredConversation, error) {
	if ref == "" {
		return nil, errors.New("a conversation id or number is required")
	}
	if n, err := strconv.Atoi(ref); err == nil && n > 0 && len(ref) < 5 {
		return store.LoadByIndex(ctx, n-1)
	}
	return store.Load(ctx, ref)
}
