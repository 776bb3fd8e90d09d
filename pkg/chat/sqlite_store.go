package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	created      TEXT NOT NULL,
	tokens_used  INTEGER NOT NULL DEFAULT 0,
	version      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	timestamp         TEXT NOT NULL,
	prompt            TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion        TEXT NOT NULL,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	source_selected   TEXT NOT NULL DEFAULT '',
	source_collection TEXT NOT NULL DEFAULT '',
	cache_selected    TEXT NOT NULL DEFAULT '',
	cache_hit         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_session_time
	ON messages(session_id, timestamp);
`

// SQLiteStore implements SessionStore on a local SQLite database. The
// atomic session+message commit runs inside a real transaction, so no
// reader ever sees the session total updated without its message.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. ":memory:"
// is accepted for throwaway stores.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Transactions serialize writes; a second writer sees "database is
	// locked" otherwise.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created, tokens_used, version
		 FROM sessions ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, prompt, prompt_tokens,
		        completion, completion_tokens, source_selected,
		        source_collection, cache_selected, cache_hit
		 FROM messages WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) InsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, created, tokens_used, version)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, formatTime(sess.Created), sess.TokensUsed, sess.Version)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, tokens_used = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		sess.Name, sess.TokensUsed, sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return checkReplaced(res, sess.ID)
}

// UpsertSessionAndMessage performs the atomic commit: the session
// replace and the message insert share one transaction, so a failure in
// either leaves the database exactly as it was.
func (s *SQLiteStore) UpsertSessionAndMessage(ctx context.Context, sess *Session, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET name = ?, tokens_used = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		sess.Name, sess.TokensUsed, sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if err := checkReplaced(res, sess.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, timestamp, prompt,
		        prompt_tokens, completion, completion_tokens,
		        source_selected, source_collection, cache_selected, cache_hit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, formatTime(m.Timestamp), m.Prompt,
		m.PromptTokens, m.Completion, m.CompletionTokens,
		m.SourceSelected, m.SourceCollection, m.CacheSelected, boolToInt(m.CacheHit))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSessionAndMessages(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// checkReplaced distinguishes a stale version from a missing row after a
// version-guarded UPDATE matched nothing.
func checkReplaced(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrVersionConflict)
	}
	return nil
}

func scanSession(rows *sql.Rows) (*Session, error) {
	var sess Session
	var created string
	if err := rows.Scan(&sess.ID, &sess.Name, &created, &sess.TokensUsed, &sess.Version); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	sess.Created = t
	return &sess, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var ts string
	var cacheHit int
	err := rows.Scan(&m.ID, &m.SessionID, &ts, &m.Prompt, &m.PromptTokens,
		&m.Completion, &m.CompletionTokens, &m.SourceSelected,
		&m.SourceCollection, &m.CacheSelected, &cacheHit)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	m.Timestamp = t
	m.CacheHit = cacheHit != 0
	return &m, nil
}

// sqliteTimeLayout is fixed-width so the TEXT columns sort
// lexicographically in chronological order; RFC3339Nano trims trailing
// fractional zeros and breaks that ("...00.5Z" sorts after "...00.55Z").
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
