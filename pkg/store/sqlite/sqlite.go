package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	store.Notifier
	store.MessageFeed
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations(owner_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		capability TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		parts TEXT NOT NULL DEFAULT '[]',
		content TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		order_index INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (conversation_id, id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages(conversation_id, order_index);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ConversationStore ---

const conversationColumns = `id, owner_id, title, metadata, created_at, updated_at`

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	md, err := json.Marshal(orEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Title, string(md), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	s.Notify(c.ID)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE owner_id = ?
		 ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`,
		ownerID, limitArg(opts.Limit), max(opts.Offset, 0),
	)
}

func (s *Store) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	md, err := json.Marshal(orEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title=?, metadata=?, updated_at=? WHERE id=?`,
		c.Title, string(md), c.UpdatedAt.UTC(), c.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, store.ErrNotFound)
	}
	s.Notify(c.ID)
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	s.Notify(id)
	return nil
}

func (s *Store) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]domain.Conversation, error) {
	q := strings.TrimSpace(query)
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.owner_id = ? AND (
			c.title LIKE '%' || ? || '%' OR EXISTS (
				SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.content LIKE '%' || ? || '%'
			)
		 ) ORDER BY c.updated_at DESC, c.id ASC LIMIT ?`,
		ownerID, q, q, limitArg(limit),
	)
}

func (s *Store) ConversationsWithCapability(ctx context.Context, ownerID string, capability domain.Capability, limit int) ([]domain.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.owner_id = ? AND EXISTS (
			SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.capability = ?
		 ) ORDER BY c.updated_at DESC, c.id ASC LIMIT ?`,
		ownerID, string(capability), limitArg(limit),
	)
}

func (s *Store) queryConversations(ctx context.Context, query string, args ...any) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var (
		c  domain.Conversation
		md string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &md, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(md), &c.Metadata); err != nil {
		return nil, fmt.Errorf("conversation %s: unmarshal metadata: %w", c.ID, err)
	}
	c.Metadata = orEmpty(c.Metadata)
	return &c, nil
}

// --- MessageStore ---

func (s *Store) InsertMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error {
	return s.writeMessages(ctx, conversationID, msgs, store.MessageInserted,
		`INSERT INTO messages (id, conversation_id, role, capability, provider, model, parts, content, error, order_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

func (s *Store) UpdateMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error {
	return s.writeMessages(ctx, conversationID, msgs, store.MessageUpdated,
		`INSERT INTO messages (id, conversation_id, role, capability, provider, model, parts, content, error, order_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, id) DO UPDATE SET
			role=excluded.role, capability=excluded.capability, provider=excluded.provider,
			model=excluded.model, parts=excluded.parts, content=excluded.content,
			error=excluded.error, order_index=excluded.order_index`)
}

func (s *Store) writeMessages(ctx context.Context, conversationID string, msgs []*domain.Message, typ store.MessageChangeType, stmt string) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}

	for _, m := range msgs {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("message %s: marshal parts: %w", m.ID, err)
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, stmt,
			m.ID, conversationID, string(m.Role), string(m.Capability), m.Provider, m.Model,
			string(parts), m.Text(), m.Error, m.Seq, createdAt.UTC(),
		); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.PublishWrites(ctx, conversationID, typ, msgs)
	s.Notify(conversationID)
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id IN (`+placeholders+`)`, args...,
	); err != nil {
		return err
	}
	s.PublishDeletes(ctx, conversationID, ids)
	s.Notify(conversationID)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, capability, provider, model, parts, error, order_index, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY order_index ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var (
			m     domain.Message
			parts string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Capability, &m.Provider, &m.Model, &parts, &m.Error, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("message %s: unmarshal parts: %w", m.ID, err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// limitArg maps "no limit" to SQLite's -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
