package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversations in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps appends serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversation_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		media_name TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL DEFAULT '',
		media_size INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_owner_seq ON conversation_messages(owner, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, owner string, msg Message) error {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	var metaCol sql.NullString
	if meta != nil {
		metaCol = sql.NullString{String: string(meta), Valid: true}
	}
	name, ctype, size := mediaColumns(msg.Media)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, owner, role, text, media_name, media_type, media_size, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, owner, string(msg.Role), msg.Text, name, ctype, size, metaCol, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, owner string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, text, media_name, media_type, media_size, metadata, created_at
		FROM conversation_messages WHERE owner = ? ORDER BY seq DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var (
			m                 Message
			role, name, ctype string
			size              int
			meta              sql.NullString
			createdAt         int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Text, &name, &ctype, &size, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		m.Role = Role(role)
		m.Media = mediaFromColumns(name, ctype, size)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if meta.Valid {
			if m.Metadata, err = decodeMetadata([]byte(meta.String)); err != nil {
				return nil, err
			}
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	reverse(items)
	return items, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
