package model

import "time"

// Message represents a direct message between two users
type Message struct {
	ID            int64      `json:"id"`
	AuthorID      int64      `json:"authorId"`
	RecipientID   int64      `json:"recipientId"`
	Content       string     `json:"content"`
	Timestamp     time.Time  `json:"timestamp"`
	Delivered     bool       `json:"delivered"`
	Read          bool       `json:"read"`
	ReadAt        *time.Time `json:"readAt,omitempty"`
	AttachmentURL *string    `json:"attachmentUrl,omitempty"`
}

// CreateMessageDTO is the SendMessage payload.
// Content is a pointer so that a JSON null can be told apart from "".
type CreateMessageDTO struct {
	AuthorID      int64   `json:"authorId"`
	RecipientID   int64   `json:"recipientId"`
	Content       *string `json:"content"`
	AttachmentURL *string `json:"attachmentUrl,omitempty"`
}
