package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"llm-relay/internal/models"
)

// SQLite is a Store backed by a single SQLite database file. Timestamps are
// kept as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (and if needed creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite free of SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			finish_reason TEXT,
			error INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			conversation_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			up_to_message_id TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS aborts (
			key TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Messages

func encodeMessage(msg Message) (content, toolCalls string, finish sql.NullString, err error) {
	raw, err := json.Marshal(msg.Content)
	if err != nil {
		return "", "", finish, fmt.Errorf("failed to marshal content: %w", err)
	}
	content = string(raw)
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return "", "", finish, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}
	if msg.FinishReason != nil {
		finish = sql.NullString{String: string(*msg.FinishReason), Valid: true}
	}
	return content, toolCalls, finish, nil
}

func (s *SQLite) CreateMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	content, toolCalls, finish, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	query := `INSERT INTO messages (id, conversation_id, parent_message_id, role, content, tool_calls, tool_call_id,
		model, provider, token_count, finish_reason, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.ParentMessageID, string(msg.Role), content,
		toolCalls, msg.ToolCallID, msg.Model, msg.Provider, msg.TokenCount, finish, msg.Error, toMillis(msg.CreatedAt))
	return err
}

func (s *SQLite) FindByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	query := `SELECT id, conversation_id, parent_message_id, role, content, tool_calls, tool_call_id, model, provider,
		token_count, finish_reason, error, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg       Message
			role      string
			content   string
			toolCalls string
			finish    sql.NullString
			created   int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.ParentMessageID, &role, &content, &toolCalls,
			&msg.ToolCallID, &msg.Model, &msg.Provider, &msg.TokenCount, &finish, &msg.Error, &created); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content of %s: %w", msg.ID, err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls of %s: %w", msg.ID, err)
			}
		}
		if finish.Valid {
			msg.FinishReason = models.Reason(models.FinishReason(finish.String))
		}
		msg.CreatedAt = fromMillis(created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateMessage(ctx context.Context, msg Message) error {
	content, toolCalls, finish, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	query := `UPDATE messages SET content = ?, tool_calls = ?, tool_call_id = ?, model = ?, provider = ?, token_count = ?,
		finish_reason = ?, error = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, content, toolCalls, msg.ToolCallID, msg.Model, msg.Provider,
		msg.TokenCount, finish, msg.Error, msg.ID)
	if err != nil {
		return err
	}
	return expectRow(res, "message", msg.ID)
}

// Conversations

func (s *SQLite) CreateConversation(ctx context.Context, conv Conversation) error {
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	query := `INSERT INTO conversations (id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, conv.ID, conv.Title, conv.Model, toMillis(conv.CreatedAt), toMillis(now))
	return err
}

func (s *SQLite) GetConversation(ctx context.Context, id string) (Conversation, error) {
	query := `SELECT id, title, model, created_at, updated_at FROM conversations WHERE id = ?`
	var conv Conversation
	var created, updated int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.Title, &conv.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt = fromMillis(created)
	conv.UpdatedAt = fromMillis(updated)
	return conv, nil
}

func (s *SQLite) UpdateConversation(ctx context.Context, conv Conversation) error {
	query := `UPDATE conversations SET title = ?, model = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, conv.Title, conv.Model, toMillis(s.now()), conv.ID)
	if err != nil {
		return err
	}
	return expectRow(res, "conversation", conv.ID)
}

func (s *SQLite) GetSummary(ctx context.Context, conversationID string) (Summary, error) {
	query := `SELECT conversation_id, content, up_to_message_id, token_count, created_at FROM summaries WHERE conversation_id = ?`
	var sum Summary
	var created int64
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&sum.ConversationID, &sum.Content, &sum.UpToMessageID, &sum.TokenCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, fmt.Errorf("summary for %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return Summary{}, err
	}
	sum.CreatedAt = fromMillis(created)
	return sum, nil
}

func (s *SQLite) SaveSummary(ctx context.Context, summary Summary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	query := `INSERT INTO summaries (conversation_id, content, up_to_message_id, token_count, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET content = excluded.content, up_to_message_id = excluded.up_to_message_id,
		token_count = excluded.token_count, created_at = excluded.created_at`
	_, err := s.db.ExecContext(ctx, query, summary.ConversationID, summary.Content, summary.UpToMessageID, summary.TokenCount, toMillis(summary.CreatedAt))
	return err
}

// Abort flags

func (s *SQLite) Put(ctx context.Context, key string, ttl time.Duration) error {
	query := `INSERT INTO aborts (key, expires_at) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`
	_, err := s.db.ExecContext(ctx, query, key, toMillis(s.now().Add(ttl)))
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) (bool, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM aborts WHERE key = ?`, key).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if toMillis(s.now()) >= expires {
		_, err := s.db.ExecContext(ctx, `DELETE FROM aborts WHERE key = ?`, key)
		return false, err
	}
	return true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM aborts WHERE key = ?`, key)
	return err
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
