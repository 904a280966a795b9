package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"chathub/internal/database"
	"chathub/internal/identity"
	"chathub/internal/model"
	"chathub/internal/store"
)

// recordingSink collects delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Deliver(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) Named(name string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type panickingSink struct{}

func (panickingSink) Deliver(Event) error { panic("sink exploded") }

// memStore is an in-memory MessageStore with injectable failures.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[int64]model.Message
	createErr error
	getErr    error
	updateErr error
	creates   int
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[int64]model.Message)}
}

func (s *memStore) CreateMessage(_ context.Context, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return model.Message{}, s.createErr
	}
	s.nextID++
	msg.ID = s.nextID
	s.messages[msg.ID] = msg
	s.creates++
	return msg, nil
}

func (s *memStore) GetMessageByID(_ context.Context, id int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return model.Message{}, s.getErr
	}
	msg, ok := s.messages[id]
	if !ok {
		return model.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (s *memStore) UpdateMessage(_ context.Context, prev, next model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	current, ok := s.messages[prev.ID]
	if !ok || current.Delivered != prev.Delivered || current.Read != prev.Read {
		return store.ErrConflict
	}
	s.messages[prev.ID] = next
	return nil
}

func (s *memStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func newSQLiteStore(t *testing.T) *store.SQL {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := store.NewSQL(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func claimsFor(user string) identity.Claims {
	return identity.Claims{identity.ClaimNameIdentifier: user}
}

func text(s string) *string { return &s }

func decodeMessage(t *testing.T, ev Event) model.Message {
	t.Helper()
	var msg model.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		t.Fatalf("decode %s: %v", ev.Name, err)
	}
	return msg
}

func decodeID(t *testing.T, ev Event) int64 {
	t.Helper()
	var id int64
	if err := json.Unmarshal(ev.Data, &id); err != nil {
		t.Fatalf("decode %s: %v", ev.Name, err)
	}
	return id
}

var errDiskOnFire = errors.New("disk on fire")
