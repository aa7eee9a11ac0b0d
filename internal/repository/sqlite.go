package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pm-agent/internal/domain"
	"pm-agent/internal/graph"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	key        TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	graph      TEXT NOT NULL,
	status     TEXT NOT NULL,
	next       TEXT NOT NULL DEFAULT '',
	last       TEXT NOT NULL DEFAULT '',
	step       INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	state      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	text            TEXT NOT NULL,
	answer          TEXT NOT NULL,
	route           TEXT NOT NULL,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id);
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	turns           INTEGER NOT NULL,
	last_activity   TEXT NOT NULL
);
`

var _ graph.Checkpointer = (*SQLiteStore)(nil)

// SQLiteStore keeps checkpoints and conversation turns in a local SQLite
// file. It backs the CLI.
type SQLiteStore struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create db directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One writer at a time keeps the version check and the write atomic.
	conn.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("repository: init sqlite: %w", err)
		}
	}
	return &SQLiteStore{conn: conn, path: path, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (graph.Checkpoint, error) {
	var (
		cp      graph.Checkpoint
		status  string
		updated string
		state   []byte
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT key, thread_id, graph, status, next, last, step, version, error, state, updated_at
		FROM checkpoints WHERE key = ?`, key,
	).Scan(&cp.Key, &cp.ThreadID, &cp.Graph, &status, &cp.Next, &cp.Last, &cp.Step, &cp.Version, &cp.Error, &state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Checkpoint{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.Checkpoint{}, fmt.Errorf("repository: get checkpoint %s: %w", key, err)
	}
	cp.Status = graph.Status(status)
	cp.State = state
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return cp, nil
}

func (s *SQLiteStore) Put(ctx context.Context, cp graph.Checkpoint) error {
	if cp.Key == "" || cp.Version < 1 {
		return errors.New("repository: put checkpoint: key and positive version are required")
	}
	updated := cp.UpdatedAt.UTC().Format(time.RFC3339Nano)
	var (
		res sql.Result
		err error
	)
	if cp.Version == 1 {
		res, err = s.conn.ExecContext(ctx, `
			INSERT INTO checkpoints (key, thread_id, graph, status, next, last, step, version, error, state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING`,
			cp.Key, cp.ThreadID, cp.Graph, string(cp.Status), cp.Next, cp.Last, cp.Step, cp.Version, cp.Error, []byte(cp.State), updated)
	} else {
		res, err = s.conn.ExecContext(ctx, `
			UPDATE checkpoints
			SET thread_id = ?, graph = ?, status = ?, next = ?, last = ?, step = ?, version = ?, error = ?, state = ?, updated_at = ?
			WHERE key = ? AND version = ?`,
			cp.ThreadID, cp.Graph, string(cp.Status), cp.Next, cp.Last, cp.Step, cp.Version, cp.Error, []byte(cp.State), updated,
			cp.Key, cp.Version-1)
	}
	if err != nil {
		return fmt.Errorf("repository: put checkpoint %s: %w", cp.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: put checkpoint %s: %w", cp.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", graph.ErrConflict, cp.Key, cp.Version)
	}
	return nil
}

// GetHistory returns the most recent limit turns in chronological order.
func (s *SQLiteStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT created_at, text, answer, route, status FROM messages
		WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var created string
		msg := domain.Message{ConversationID: conversationID}
		if err := rows.Scan(&created, &msg.Question, &msg.Answer, &msg.Route, &msg.Status); err != nil {
			return nil, fmt.Errorf("repository: GetHistory scan: %w", err)
		}
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetHistory rows: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetConversationTurnCount returns the number of saved turns.
func (s *SQLiteStore) GetConversationTurnCount(ctx context.Context, conversationID string) (int, error) {
	var turns int
	err := s.conn.QueryRowContext(ctx, `SELECT turns FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&turns)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository: GetConversationTurnCount: %w", err)
	}
	return turns, nil
}

// SaveCompletedTurn stores a turn and bumps the conversation counter in one
// transaction.
func (s *SQLiteStore) SaveCompletedTurn(ctx context.Context, conversationID, question, answer, route string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, created_at, text, answer, route, status)
		VALUES (?, ?, ?, ?, ?, ?)`, conversationID, now, question, answer, route, statusComplete); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, turns, last_activity) VALUES (?, 1, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET turns = turns + 1, last_activity = excluded.last_activity`,
		conversationID, now); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn commit: %w", err)
	}
	return nil
}
