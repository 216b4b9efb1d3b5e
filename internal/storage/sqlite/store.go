package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/legisdraft/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (and if needed creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			caller TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			tokens_estimated INTEGER NOT NULL DEFAULT 0,
			used_fallback INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			caller TEXT NOT NULL,
			source TEXT NOT NULL,
			mode TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			used_fallback INTEGER NOT NULL DEFAULT 0,
			stream_error TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_caller ON conversations(caller)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_caller ON generations(caller, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO conversations (id, caller, title, metadata, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.Caller, conv.Title, string(metadata), conv.CreatedAt, conv.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	query := `SELECT id, caller, title, metadata, created_at, updated_at
	          FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*storage.Conversation, error) {
	var conv storage.Conversation
	var metadataJSON sql.NullString

	if err := row.Scan(&conv.ID, &conv.Caller, &conv.Title, &metadataJSON,
		&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

func (s *Store) getMessages(ctx context.Context, convID string) ([]storage.Message, error) {
	query := `SELECT id, role, content, mode, model, tokens, tokens_estimated, used_fallback, created_at
	          FROM messages WHERE conversation_id = ?
	          ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var msg storage.Message
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Mode, &msg.Model,
			&msg.Tokens, &msg.TokensEstimated, &msg.UsedFallback, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	query := `INSERT INTO messages (id, conversation_id, seq, role, content, mode, model,
	              tokens, tokens_estimated, used_fallback, created_at)
	          VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?),
	              ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, query, msg.ID, convID, convID, msg.Role, msg.Content,
		msg.Mode, msg.Model, msg.Tokens, msg.TokensEstimated, msg.UsedFallback, msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	query := `SELECT id, caller, title, metadata, created_at, updated_at
	          FROM conversations WHERE caller = ?
	          ORDER BY updated_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, opts.Caller, opts.EffectiveLimit(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*storage.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

func (s *Store) SaveGeneration(ctx context.Context, rec *storage.GenerationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO generations (id, caller, source, mode, model, prompt, text, state,
	              used_fallback, stream_error, error, duration_ns, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.Caller, rec.Source, rec.Mode, rec.Model,
		rec.Prompt, rec.Text, rec.State, rec.UsedFallback, rec.StreamError, rec.Error,
		int64(rec.Duration), rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to save generation: %w", err)
	}
	return nil
}

func (s *Store) ListGenerations(ctx context.Context, opts storage.ListOptions) ([]*storage.GenerationRecord, error) {
	query := `SELECT id, caller, source, mode, model, prompt, text, state,
	              used_fallback, stream_error, error, duration_ns, created_at
	          FROM generations WHERE caller = ?
	          ORDER BY created_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, opts.Caller, opts.EffectiveLimit(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	var records []*storage.GenerationRecord
	for rows.Next() {
		var rec storage.GenerationRecord
		var durationNS int64
		if err := rows.Scan(&rec.ID, &rec.Caller, &rec.Source, &rec.Mode, &rec.Model, &rec.Prompt,
			&rec.Text, &rec.State, &rec.UsedFallback, &rec.StreamError, &rec.Error,
			&durationNS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		rec.Duration = time.Duration(durationNS)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
