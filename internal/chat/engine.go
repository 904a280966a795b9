package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chathub/internal/model"
	"chathub/internal/store"
)

// maxTransitionAttempts bounds re-reads after a lost compare-and-set. Each
// flag can only flip once, so two conflicts is the realistic maximum.
const maxTransitionAttempts = 5

// MessageStore is the durable owner of message rows.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)
	GetMessageByID(ctx context.Context, id int64) (model.Message, error)
	// UpdateMessage stores next only if the row still has prev's
	// delivered/read flags, and returns store.ErrConflict otherwise.
	UpdateMessage(ctx context.Context, prev, next model.Message) error
}

// Receipt describes the outcome of one lifecycle operation. Changed is
// false when the target state had already been reached.
type Receipt struct {
	Key       ConversationKey
	MessageID int64
	Changed   bool
	Message   model.Message
}

// Engine owns the sent → delivered → read lifecycle of messages.
type Engine struct {
	store MessageStore
	now   func() time.Time

	mu        sync.Mutex
	lastStamp map[UserID]time.Time
	lastPrune time.Time
}

// stampWindow is how long an author's last stamp is remembered. A clock
// stepping back further than this may reorder that author's messages.
const stampWindow = 5 * time.Second

// NewEngine returns an engine persisting through s.
func NewEngine(s MessageStore) *Engine {
	return &Engine{
		store:     s,
		now:       time.Now,
		lastStamp: make(map[UserID]time.Time),
	}
}

// Send validates and persists a new message.
func (e *Engine) Send(ctx context.Context, dto model.CreateMessageDTO) (Receipt, error) {
	if dto.AuthorID <= 0 || dto.RecipientID <= 0 {
		return Receipt{}, fmt.Errorf("%w: author %d and recipient %d must be positive", ErrInvalidMessage, dto.AuthorID, dto.RecipientID)
	}
	if dto.AuthorID == dto.RecipientID {
		return Receipt{}, fmt.Errorf("%w: author and recipient are both %d", ErrInvalidMessage, dto.AuthorID)
	}
	if dto.Content == nil {
		return Receipt{}, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	key, err := NewConversationKey(dto.AuthorID, dto.RecipientID)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	msg := model.Message{
		AuthorID:    dto.AuthorID,
		RecipientID: dto.RecipientID,
		Content:     *dto.Content,
		Timestamp:   e.stamp(dto.AuthorID),
	}
	if dto.AttachmentURL != nil {
		if url := strings.TrimSpace(*dto.AttachmentURL); url != "" {
			msg.AttachmentURL = &url
		}
	}

	created, err := e.store.CreateMessage(ctx, msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: create message: %w", ErrTransientIO, err)
	}
	return Receipt{Key: key, MessageID: created.ID, Changed: true, Message: created}, nil
}

// ConfirmDelivery marks the message delivered. actor, when positive, must be
// a participant of the message.
func (e *Engine) ConfirmDelivery(ctx context.Context, messageID int64, actor UserID) (Receipt, error) {
	return e.transition(ctx, messageID, actor, func(m *model.Message) bool {
		if m.Delivered {
			return false
		}
		m.Delivered = true
		return true
	})
}

// ConfirmRead marks the message read and stamps the read time. It does not
// require a prior delivery confirmation.
func (e *Engine) ConfirmRead(ctx context.Context, messageID int64, actor UserID) (Receipt, error) {
	return e.transition(ctx, messageID, actor, func(m *model.Message) bool {
		if m.Read {
			return false
		}
		readAt := e.now().UTC().Truncate(time.Millisecond)
		if readAt.Before(m.Timestamp) {
			readAt = m.Timestamp
		}
		m.Read = true
		m.ReadAt = &readAt
		return true
	})
}

func (e *Engine) transition(ctx context.Context, messageID int64, actor UserID, apply func(*model.Message) bool) (Receipt, error) {
	if messageID <= 0 {
		return Receipt{}, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := e.store.GetMessageByID(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			return Receipt{}, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
		}
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: load message %d: %w", ErrTransientIO, messageID, err)
		}

		key, err := NewConversationKey(current.AuthorID, current.RecipientID)
		if err != nil {
			return Receipt{}, fmt.Errorf("message %d: %w", messageID, err)
		}
		if actor > 0 && !key.Has(actor) {
			return Receipt{}, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
		}

		next := current
		if !apply(&next) {
			return Receipt{Key: key, MessageID: messageID, Message: current}, nil
		}

		err = e.store.UpdateMessage(ctx, current, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: update message %d: %w", ErrTransientIO, messageID, err)
		}
		return Receipt{Key: key, MessageID: messageID, Changed: true, Message: next}, nil
	}
	return Receipt{}, fmt.Errorf("%w: message %d kept changing concurrently", ErrTransientIO, messageID)
}

// stamp returns the creation time for a new message by author, never earlier
// than the author's previous one.
func (e *Engine) stamp(author UserID) time.Time {
	now := e.now().UTC().Truncate(time.Millisecond)

	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastPrune) > stampWindow {
		for id, last := range e.lastStamp {
			if now.Sub(last) > stampWindow {
				delete(e.lastStamp, id)
			}
		}
		e.lastPrune = now
	}
	if last, ok := e.lastStamp[author]; ok && now.Before(last) {
		now = last
	}
	e.lastStamp[author] = now
	return now
}
