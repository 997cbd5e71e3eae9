// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/magland/chatgeneral/internal/model"
)

// =============================================================================
// STORED CONVERSATION TYPE
// =============================================================================

// StoredConversation is a persisted conversation.
type StoredConversation struct {
	ID        string
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time

	Conversation *model.Conversation
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	Preview      string    `json:"preview"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
var ErrConversationNotFound = errors.New("conversation not found")

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id                TEXT PRIMARY KEY,
    summary           TEXT NOT NULL,
    model             TEXT NOT NULL,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    message_count     INTEGER NOT NULL,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost              REAL NOT NULL DEFAULT 0,
    preview           TEXT NOT NULL DEFAULT '',
    body              TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);
`

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists conversations in a SQLite database.
type ConversationStore struct {
	db   *sql.DB
	path string
	now  func() time.Time

	// MaxConversations limits stored conversations (0 = unlimited)
	MaxConversations int
}

// Open opens (creating if needed) the conversation database at path.
func Open(path string) (*ConversationStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &ConversationStore{db: db, path: path, now: time.Now, MaxConversations: 500}, nil
}

// Path returns the database file path.
func (s *ConversationStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists conv under id, or under a new id when id is empty, and
// returns the id.
func (s *ConversationStore) Save(ctx context.Context, id string, conv *model.Conversation) (string, error) {
	if conv == nil {
		return "", errors.New("nil conversation")
	}
	if id == "" {
		id = uuid.NewString()
	}

	body, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation: %w", err)
	}

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, summary, model, created_at, updated_at, message_count,
			 prompt_tokens, completion_tokens, cost, preview, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			model = excluded.model,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			cost = excluded.cost,
			preview = excluded.preview,
			body = excluded.body
	`, id, conv.Title(), conv.Model, now, now, conv.Len(),
		conv.TotalUsage.PromptTokens, conv.TotalUsage.CompletionTokens, conv.TotalUsage.EstimatedCost,
		preview(conv), string(body))
	if err != nil {
		return "", fmt.Errorf("failed to save conversation: %w", err)
	}

	if s.MaxConversations > 0 {
		if err := s.enforceLimit(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// preview returns the first user message, flattened and truncated.
func preview(conv *model.Conversation) string {
	for i := range conv.Messages {
		msg := conv.Messages[i]
		if msg.Role == model.RoleUser && msg.Content != "" {
			p := strings.Join(strings.Fields(msg.Content), " ")
			return truncateString(p, 80)
		}
	}
	return ""
}

// enforceLimit removes the oldest conversations beyond the limit.
func (s *ConversationStore) enforceLimit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations ORDER BY updated_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.MaxConversations)
	if err != nil {
		return fmt.Errorf("failed to enforce conversation limit: %w", err)
	}
	return nil
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by id. A unique id prefix is accepted.
func (s *ConversationStore) Load(ctx context.Context, id string) (*StoredConversation, error) {
	fullID, err := s.resolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		stored           StoredConversation
		created, updated int64
		body             string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, summary, created_at, updated_at, body FROM conversations WHERE id = ?`, fullID,
	).Scan(&stored.ID, &stored.Summary, &created, &updated, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal([]byte(body), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", fullID, err)
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	stored.CreatedAt = time.UnixMilli(created)
	stored.UpdatedAt = time.UnixMilli(updated)
	stored.Conversation = &conv
	return &stored, nil
}

// LoadByIndex loads a conversation by its position in List (0 = most recent).
func (s *ConversationStore) LoadByIndex(ctx context.Context, index int) (*StoredConversation, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(metas) {
		return nil, fmt.Errorf("%w: index %d", ErrConversationNotFound, index)
	}
	return s.Load(ctx, metas[index].ID)
}

// resolveID expands an id prefix to a full id.
func (s *ConversationStore) resolveID(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrConversationNotFound)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE id = ? OR id LIKE ? ESCAPE '\' LIMIT 2`,
		id, escapeLike(id)+"%")
	if err != nil {
		return "", fmt.Errorf("failed to look up conversation: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var found string
		if err := rows.Scan(&found); err != nil {
			return "", err
		}
		if found == id {
			return found, nil
		}
		ids = append(ids, found)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("ambiguous conversation id prefix %q", id)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns all saved conversations, most recent first.
func (s *ConversationStore) List(ctx context.Context) ([]ConversationMeta, error) {
	return s.query(ctx, `
		SELECT id, summary, model, created_at, updated_at, message_count,
		       prompt_tokens + completion_tokens, cost, preview
		FROM conversations ORDER BY updated_at DESC, id`)
}

// Search returns conversations whose summary or message text contains
// query, case-insensitively.
func (s *ConversationStore) Search(ctx context.Context, query string) ([]ConversationMeta, error) {
	if strings.TrimSpace(query) == "" {
		return s.List(ctx)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.query(ctx, `
		SELECT id, summary, model, created_at, updated_at, message_count,
		       prompt_tokens + completion_tokens, cost, preview
		FROM conversations
		WHERE lower(summary) LIKE ? ESCAPE '\' OR lower(body) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, id`, pattern, pattern)
}

func (s *ConversationStore) query(ctx context.Context, q string, args ...interface{}) ([]ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	metas := []ConversationMeta{}
	for rows.Next() {
		var m ConversationMeta
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Summary, &m.Model, &created, &updated,
			&m.MessageCount, &m.TotalTokens, &m.Cost, &m.Preview); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		m.UpdatedAt = time.UnixMilli(updated)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation by id or unique id prefix.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	fullID, err := s.resolveID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, fullID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Clear removes all saved conversations.
func (s *ConversationStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	return nil
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatSessionList formats conversations as a table.
func FormatSessionList(sessions []ConversationMeta) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}

	var sb strings.Builder
	header := formatPadded("ID", 10) + " " + formatPadded("Updated", 17) + " " +
		formatPadded("Msgs", 5) + " " + formatPadded("Tokens", 8) + " Summary\n"
	rule := strings.Repeat("-", len(header)+20) + "\n"
	sb.WriteString(rule)
	sb.WriteString(header)
	sb.WriteString(rule)

	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		sb.WriteString(formatPadded(id, 10) + " " +
			formatPadded(s.UpdatedAt.Format("2006-01-02 15:04"), 17) + " " +
			formatPadded(strconv.Itoa(s.MessageCount), 5) + " " +
			formatPadded(strconv.Itoa(s.TotalTokens), 8) + " " +
			truncateString(s.Summary, 40) + "\n")
	}
	return sb.String()
}

// ExportMarkdown renders a stored conversation as Markdown.
func (c *StoredConversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Summary + "\n\n")
	sb.WriteString("Session: " + c.ID + "  \n")
	sb.WriteString("Model: " + c.Conversation.Model + "  \n")
	sb.WriteString("Updated: " + c.UpdatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range c.Conversation.Messages {
		sb.WriteString("**" + msg.Role.DisplayName() + "**")
		if !msg.Timestamp.IsZero() {
			sb.WriteString(" (" + msg.Timestamp.Format("15:04") + ")")
		}
		sb.WriteString(":\n\n")
		if msg.Content != "" {
			sb.WriteString(msg.Content)
			sb.WriteString("\n\n")
		}
		for _, tc := range msg.ToolCalls {
			sb.WriteString("`" + tc.Name + "` " + tc.Arguments + "\n\n")
		}
		sb.WriteString("---\n\n")
	}
	return sb.String()
}

// truncateString truncates to maxLen runes, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// formatPadded pads s with spaces to width runes.
func formatPadded(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}
