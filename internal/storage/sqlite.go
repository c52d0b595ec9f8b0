package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/pkg/models"
)

// SQLiteStore persists conversations in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		requests INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)",
	"CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_at)",
}

// NewSQLiteStore opens or creates the database at cfg.Path.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) StartConversation(ctx context.Context, id, model string) error {
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, model, started_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, model, now, now)
	if err != nil {
		return fmt.Errorf("failed to start conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID string, msg models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	var title string
	err = tx.QueryRowContext(ctx,
		"SELECT message_count, title FROM conversations WHERE id = ?", conversationID,
	).Scan(&seq, &title)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if title == "" {
		title = titleFrom(msg)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, seq, string(msg.Role), string(content), created.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, title = ?, updated_at = ?
		WHERE id = ?
	`, title, time.Now().UnixNano(), conversationID); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, conversationID string, delta agent.Usage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET requests = requests + ?, input_tokens = input_tokens + ?, output_tokens = output_tokens + ?
		WHERE id = ?
	`, delta.Requests, delta.InputTokens, delta.OutputTokens, conversationID)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const conversationColumns = "id, model, title, message_count, requests, input_tokens, output_tokens, started_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var started, updated int64
	err := row.Scan(&c.ID, &c.Model, &c.Title, &c.Messages,
		&c.Usage.Requests, &c.Usage.InputTokens, &c.Usage.OutputTokens, &started, &updated)
	if err != nil {
		return Conversation{}, err
	}
	c.StartedAt = time.Unix(0, started)
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations ORDER BY started_at DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role, content string
		var created int64
		if err := rows.Scan(&msg.ID, &role, &content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.Unix(0, created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TotalUsage(ctx context.Context) (agent.Usage, error) {
	var u agent.Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM conversations
	`).Scan(&u.Requests, &u.InputTokens, &u.OutputTokens)
	if err != nil {
		return agent.Usage{}, fmt.Errorf("failed to sum usage: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
