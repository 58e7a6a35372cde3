// Package sqlite implements store.Store on SQLite. Chat history keeps the
// one-value-per-session shape of the store contract: a JSON blob per session,
// rewritten on append.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	secret_hash      TEXT NOT NULL DEFAULT '',
	host_id          TEXT NOT NULL,
	require_password BOOLEAN NOT NULL DEFAULT 0,
	require_approval BOOLEAN NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_histories (
	session_id TEXT PRIMARY KEY,
	messages   TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Store implements store.Store for SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveSession(ctx context.Context, sess core.Session) error {
	query := `
		INSERT INTO sessions (id, name, secret_hash, host_id, require_password, require_approval, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			secret_hash = excluded.secret_hash,
			host_id = excluded.host_id,
			require_password = excluded.require_password,
			require_approval = excluded.require_approval
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Name, sess.SecretHash, sess.HostID,
		sess.RequirePassword, sess.RequireApproval, sess.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	query := `
		SELECT id, name, secret_hash, host_id, require_password, require_approval, created_at
		FROM sessions WHERE id = ?
	`
	var sess core.Session
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.Name, &sess.SecretHash, &sess.HostID,
		&sess.RequirePassword, &sess.RequireApproval, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_histories WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete chat history: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]core.Session, error) {
	query := `
		SELECT id, name, secret_hash, host_id, require_password, require_approval, created_at
		FROM sessions ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		var sess core.Session
		if err := rows.Scan(
			&sess.ID, &sess.Name, &sess.SecretHash, &sess.HostID,
			&sess.RequirePassword, &sess.RequireApproval, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) SaveChatHistory(ctx context.Context, sessionID string, msgs []core.ChatMessage) error {
	if msgs == nil {
		msgs = []core.ChatMessage{}
	}
	blob, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}
	query := `
		INSERT INTO chat_histories (session_id, messages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, string(blob), time.Now().UTC()); err != nil {
		return fmt.Errorf("save chat history: %w", err)
	}
	return nil
}

func (s *Store) LoadChatHistory(ctx context.Context, sessionID string) ([]core.ChatMessage, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM chat_histories WHERE session_id = ?`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	var msgs []core.ChatMessage
	if err := json.Unmarshal([]byte(blob), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal chat history: %w", err)
	}
	return msgs, nil
}
