package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chathub/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	author_id BIGINT NOT NULL,
	recipient_id BIGINT NOT NULL,
	content TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT FALSE,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	read_at BIGINT NULL,
	attachment_url TEXT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (author_id, recipient_id);
`

// Postgres persists messages through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pool for dsn, verifies it with a ping and applies
// the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// CreateMessage inserts msg and returns it with the generated id.
func (p *Postgres) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	var readAt *int64
	if msg.ReadAt != nil {
		v := toMillis(*msg.ReadAt)
		readAt = &v
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO messages (author_id, recipient_id, content, created_at, delivered, is_read, read_at, attachment_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, msg.AuthorID, msg.RecipientID, msg.Content, toMillis(msg.Timestamp),
		msg.Delivered, msg.Read, readAt, msg.AttachmentURL,
	).Scan(&msg.ID)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetMessageByID loads one message.
func (p *Postgres) GetMessageByID(ctx context.Context, id int64) (model.Message, error) {
	var (
		msg       model.Message
		createdAt int64
		readAt    *int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, author_id, recipient_id, content, created_at, delivered, is_read, read_at, attachment_url
		FROM messages WHERE id = $1
	`, id).Scan(&msg.ID, &msg.AuthorID, &msg.RecipientID, &msg.Content, &createdAt,
		&msg.Delivered, &msg.Read, &readAt, &msg.AttachmentURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("select message %d: %w", id, err)
	}

	msg.Timestamp = fromMillis(createdAt)
	if readAt != nil {
		t := fromMillis(*readAt)
		msg.ReadAt = &t
	}
	return msg, nil
}

// UpdateMessage writes the receipt fields of next if the row still matches
// the flags of prev.
func (p *Postgres) UpdateMessage(ctx context.Context, prev, next model.Message) error {
	var readAt *int64
	if next.ReadAt != nil {
		v := toMillis(*next.ReadAt)
		readAt = &v
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages SET delivered = $1, is_read = $2, read_at = $3
		WHERE id = $4 AND delivered = $5 AND is_read = $6
	`, next.Delivered, next.Read, readAt, prev.ID, prev.Delivered, prev.Read)
	if err != nil {
		return fmt.Errorf("update message %d: %w", prev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
