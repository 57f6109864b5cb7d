package chatsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS messages (
	conversation_key TEXT NOT NULL,
	id               TEXT NOT NULL,
	sender_id        TEXT NOT NULL,
	receiver_id      TEXT NOT NULL,
	kind             TEXT NOT NULL,
	content          TEXT NOT NULL,
	image_url        TEXT,
	image_key        TEXT,
	is_deleted       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	edited_at        INTEGER,
	PRIMARY KEY (conversation_key, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_order ON messages (conversation_key, created_at, id);
`

// HistoryCache persists the last confirmed snapshot of each conversation so
// a conversation can open while the backend is unreachable. The backend
// remains the source of truth: every successful load replaces the snapshot.
type HistoryCache struct {
	conn *sql.DB
	path string
}

// OpenHistoryCache opens (creating if needed) the cache database at path.
func OpenHistoryCache(path string) (*HistoryCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(cacheSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &HistoryCache{conn: conn, path: path}, nil
}

// Path returns the database file.
func (c *HistoryCache) Path() string { return c.path }

// Close checkpoints the WAL and closes the database.
func (c *HistoryCache) Close() error {
	c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.conn.Close()
}

// Save replaces the snapshot of key with the confirmed messages in msgs.
// Optimistic entries are skipped.
func (c *HistoryCache) Save(ctx context.Context, key ConversationKey, msgs []Message) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_key = ?`, key.String()); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages
		(conversation_key, id, sender_id, receiver_id, kind, content, image_url, image_key, is_deleted, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.IsLocal() || m.ID == "" {
			continue
		}
		var imageURL, imageKey sql.NullString
		if m.Media != nil {
			imageURL = sql.NullString{String: m.Media.URL, Valid: true}
			imageKey = sql.NullString{String: m.Media.StorageKey, Valid: true}
		}
		var edited sql.NullInt64
		if m.EditedAt != nil {
			edited = sql.NullInt64{Int64: m.EditedAt.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, key.String(), m.ID, m.SenderID, m.ReceiverID, string(m.Kind), m.Content,
			imageURL, imageKey, m.IsDeleted, m.CreatedAt.UnixNano(), edited); err != nil {
			return fmt.Errorf("insert %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Load returns the cached snapshot of key in display order. An unknown key
// yields an empty slice.
func (c *HistoryCache) Load(ctx context.Context, key ConversationKey) ([]Message, error) {
	rows, err := c.conn.QueryContext(ctx, `SELECT id, sender_id, receiver_id, kind, content, image_url, image_key,
		is_deleted, created_at, edited_at
		FROM messages WHERE conversation_key = ? ORDER BY created_at, id`, key.String())
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                  Message
			kind               string
			imageURL, imageKey sql.NullString
			created            int64
			edited             sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &kind, &m.Content, &imageURL, &imageKey,
			&m.IsDeleted, &created, &edited); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.Kind = Kind(kind)
		m.CreatedAt = time.Unix(0, created).UTC()
		if imageURL.Valid {
			m.Media = &MediaRef{URL: imageURL.String, StorageKey: imageKey.String}
		}
		if edited.Valid {
			t := time.Unix(0, edited.Int64).UTC()
			m.EditedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Forget removes the snapshot of key.
func (c *HistoryCache) Forget(ctx context.Context, key ConversationKey) error {
	_, err := c.conn.ExecContext(ctx, `DELETE FROM messages WHERE conversation_key = ?`, key.String())
	return err
}
