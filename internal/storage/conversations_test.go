// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magland/chatgeneral/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "db", "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func sampleConversation(question string) *model.Conversation {
	conv := model.NewConversation("openai/gpt-4o-mini")
	conv.Append(
		model.NewUserMessage(question),
		model.NewAssistantToolCallMessage("", []model.ToolCall{{ID: "call_1", Name: "run_script", Arguments: `{"script":"print(4)"}`}},
			"openai/gpt-4o-mini", &model.Usage{PromptTokens: 10, CompletionTokens: 5, EstimatedCost: 0.001}),
		model.NewToolMessage("call_1", "run_script", `{"success":true}`),
		model.NewAssistantMessage("It is 4.", "openai/gpt-4o-mini", &model.Usage{PromptTokens: 20, CompletionTokens: 3}),
	)
	return conv
}

// =============================================================================
// CONVERSATION STORE TESTS
// =============================================================================

func TestConversationStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := sampleConversation("What is 2+2?")
	id, err := store.Save(ctx, "", conv)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, stored.ID)
	assert.Equal(t, "What is 2+2?", stored.Summary)
	assert.Equal(t, conv.Model, stored.Conversation.Model)
	assert.Equal(t, conv.TotalUsage, stored.Conversation.TotalUsage)
	require.Len(t, stored.Conversation.Messages, 4)
	assert.Equal(t, conv.Messages[1].ToolCalls, stored.Conversation.Messages[1].ToolCalls)
	assert.Equal(t, "call_1", stored.Conversation.Messages[2].ToolCallID)
	assert.Equal(t, stored.Conversation.SumAssistantUsage(), stored.Conversation.TotalUsage)
}

func TestConversationStore_SaveUpdatesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := sampleConversation("first")
	id, err := store.Save(ctx, "", conv)
	require.NoError(t, err)
	before, err := store.Load(ctx, id)
	require.NoError(t, err)

	conv.Append(model.NewUserMessage("more"))
	_, err = store.Save(ctx, id, conv)
	require.NoError(t, err)

	after, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, after.Conversation.Messages, 5)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestConversationStore_ListAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	idA, err := store.Save(ctx, "", sampleConversation("Plot a sine wave"))
	require.NoError(t, err)
	idB, err := store.Save(ctx, "", sampleConversation("Fetch the weather"))
	require.NoError(t, err)

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, idB, metas[0].ID)
	assert.Equal(t, idA, metas[1].ID)
	assert.Equal(t, 4, metas[0].MessageCount)
	assert.Equal(t, 38, metas[0].TotalTokens)
	assert.InDelta(t, 0.001, metas[0].Cost, 1e-9)
	assert.Equal(t, "Fetch the weather", metas[0].Preview)

	results, err := store.Search(ctx, "SINE")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, idA, results[0].ID)

	// Message bodies are searched too.
	results, err = store.Search(ctx, "it is 4")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.Search(ctx, "100%")
	require.NoError(t, err)
	assert.Empty(t, results)

	stored, err := store.LoadByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, idA, stored.ID)

	_, err = store.LoadByIndex(ctx, 5)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationStore_PrefixAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "abc-111", sampleConversation("one"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "abc-222", sampleConversation("two"))
	require.NoError(t, err)

	stored, err := store.Load(ctx, "abc-2")
	require.NoError(t, err)
	assert.Equal(t, "abc-222", stored.ID)

	_, err = store.Load(ctx, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	require.NoError(t, store.Delete(ctx, "abc-1"))
	_, err = store.Load(ctx, "abc-111")
	assert.True(t, errors.Is(err, ErrConversationNotFound))

	err = store.Delete(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	require.NoError(t, store.Clear(ctx))
	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestConversationStore_EnforcesLimit(t *testing.T) {
	store := newTestStore(t)
	store.MaxConversations = 2
	ctx := context.Background()

	first, err := store.Save(ctx, "", sampleConversation("one"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "", sampleConversation("two"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "", sampleConversation("three"))
	require.NoError(t, err)

	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 2)
	_, err = store.Load(ctx, first)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")
	store, err := Open(path)
	require.NoError(t, err)
	id, err := store.Save(context.Background(), "", sampleConversation("persist me"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	stored, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", stored.Summary)
}

// =============================================================================
// FORMATTING TESTS
// =============================================================================

func TestFormatSessionList(t *testing.T) {
	assert.Equal(t, "No sessions found.", FormatSessionList(nil))

	out := FormatSessionList([]ConversationMeta{{
		ID:           "0123456789abcdef",
		Summary:      "Plot a sine wave",
		UpdatedAt:    time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC),
		MessageCount: 4,
		TotalTokens:  38,
	}})
	assert.Contains(t, out, "01234567 ")
	assert.NotContains(t, out, "89abcdef")
	assert.Contains(t, out, "2025-03-04 05:06")
	assert.Contains(t, out, "Plot a sine wave")
}

func TestExportMarkdown(t *testing.T) {
	stored := &StoredConversation{
		ID:           "id-1",
		Summary:      "Math",
		UpdatedAt:    time.Now(),
		Conversation: sampleConversation("What is 2+2?"),
	}
	md := stored.ExportMarkdown()
	assert.True(t, strings.HasPrefix(md, "# Math\n"))
	assert.Contains(t, md, "What is 2+2?")
	assert.Contains(t, md, "`run_script`")
	assert.Contains(t, md, "It is 4.")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", truncateString("hello", 10))
	assert.Equal(t, "hel...", truncateString("hello world", 6))
	assert.Equal(t, "日本", truncateString("日本語", 2))
	assert.Equal(t, "", truncateString("x", 0))
}
