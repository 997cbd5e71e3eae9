// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence.
//
// Conversations are stored in a SQLite database (pure Go driver) with one
// row per conversation: listing metadata in columns and the full
// conversation as JSON.
//
// # Key Types
//
//   - ConversationStore: save, load, list, search and delete
//   - StoredConversation: a loaded conversation with its metadata
//   - ConversationMeta: lightweight metadata for listing
//
// # Usage
//
//	store, err := storage.Open(cfg.Chat.DBPath)
//	id, err := store.Save(ctx, "", conv)
//	metas, err := store.List(ctx)
//	stored, err := store.Load(ctx, metas[0].ID)
//
// # Storage Location
//
// The default database is ~/.chatgeneral/conversations.db.
package storage
