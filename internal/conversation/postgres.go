package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			media_name TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			media_size INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_owner_seq ON conversation_messages (owner, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, owner string, msg Message) error {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	name, ctype, size := mediaColumns(msg.Media)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, owner, role, text, media_name, media_type, media_size, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID,
		owner,
		string(msg.Role),
		msg.Text,
		name,
		ctype,
		size,
		meta,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, owner string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, text, media_name, media_type, media_size, metadata, created_at
		 FROM conversation_messages WHERE owner=$1 ORDER BY seq DESC LIMIT $2`,
		owner,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m                 Message
			role, name, ctype string
			size              int
			meta              []byte
		)
		if err := rows.Scan(&m.ID, &role, &m.Text, &name, &ctype, &size, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		m.Role = Role(role)
		m.Media = mediaFromColumns(name, ctype, size)
		if m.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	reverse(items)
	return items, nil
}

func (s *PostgresStore) Clear(ctx context.Context, owner string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_messages WHERE owner=$1`, owner); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return raw, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	return meta, nil
}

func mediaColumns(a *Attachment) (string, string, int) {
	if a == nil {
		return "", "", 0
	}
	return a.Name, a.ContentType, a.Size
}

func mediaFromColumns(name, ctype string, size int) *Attachment {
	if name == "" && ctype == "" {
		return nil
	}
	return &Attachment{Name: name, ContentType: ctype, Size: size}
}

// reverse puts newest-first query results back into chronological order.
func reverse(items []Message) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
