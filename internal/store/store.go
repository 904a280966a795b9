// Package store persists messages for the chat engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chathub/internal/model"
)

var (
	// ErrNotFound is returned when no message has the requested id.
	ErrNotFound = errors.New("store: message not found")
	// ErrConflict is returned by UpdateMessage when the stored flags no
	// longer match the expected previous state.
	ErrConflict = errors.New("store: message changed concurrently")
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQL persists messages through database/sql (MySQL or SQLite).
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an open handle. The schema must already exist.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// Close closes the underlying handle.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateMessage inserts msg and returns it with the generated id.
func (s *SQL) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if s == nil || s.db == nil {
		return model.Message{}, fmt.Errorf("store: not configured")
	}
	var readAt any
	if msg.ReadAt != nil {
		readAt = toMillis(*msg.ReadAt)
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (author_id, recipient_id, content, created_at, delivered, is_read, read_at, attachment_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.AuthorID, msg.RecipientID, msg.Content, toMillis(msg.Timestamp),
		msg.Delivered, msg.Read, readAt, msg.AttachmentURL,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	lastInsertID, err := result.LastInsertId()
	if err != nil {
		return model.Message{}, fmt.Errorf("read message id: %w", err)
	}
	msg.ID = lastInsertID
	return msg, nil
}

// GetMessageByID loads one message.
func (s *SQL) GetMessageByID(ctx context.Context, id int64) (model.Message, error) {
	if s == nil || s.db == nil {
		return model.Message{}, fmt.Errorf("store: not configured")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, author_id, recipient_id, content, created_at, delivered, is_read, read_at, attachment_url
		 FROM messages WHERE id = ?`, id)

	var (
		msg        model.Message
		createdAt  int64
		readAt     sql.NullInt64
		attachment sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.AuthorID, &msg.RecipientID, &msg.Content, &createdAt,
		&msg.Delivered, &msg.Read, &readAt, &attachment)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("select message %d: %w", id, err)
	}

	msg.Timestamp = fromMillis(createdAt)
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		msg.ReadAt = &t
	}
	if attachment.Valid {
		url := attachment.String
		msg.AttachmentURL = &url
	}
	return msg, nil
}

// UpdateMessage writes the receipt fields of next, provided the row still
// carries the delivered/read flags of prev.
func (s *SQL) UpdateMessage(ctx context.Context, prev, next model.Message) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not configured")
	}
	var readAt any
	if next.ReadAt != nil {
		readAt = toMillis(*next.ReadAt)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = ?, is_read = ?, read_at = ?
		 WHERE id = ? AND delivered = ? AND is_read = ?`,
		next.Delivered, next.Read, readAt,
		prev.ID, prev.Delivered, prev.Read,
	)
	if err != nil {
		return fmt.Errorf("update message %d: %w", prev.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message %d: %w", prev.ID, err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}
