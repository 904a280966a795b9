package chat

import (
	"fmt"
	"sync"

	"chathub/internal/identity"
)

// ConnID is the transport-assigned identifier of one live connection.
type ConnID = string

// Sink receives the events addressed to one connection. Deliver must not
// block; a slow or broken connection reports an error instead.
type Sink interface {
	Deliver(ev Event) error
}

// Conn is the registry entry of one live connection.
type Conn struct {
	id   ConnID
	sink Sink

	mu     sync.Mutex
	user   UserID
	closed bool
	groups map[ConversationKey]struct{}
}

// ID returns the connection id.
func (c *Conn) ID() ConnID { return c.id }

// Deliver forwards ev to the connection's sink.
func (c *Conn) Deliver(ev Event) error {
	return c.sink.Deliver(ev)
}

// close marks the connection dead and hands back its memberships. Only the
// first call returns keys.
func (c *Conn) close() []ConversationKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	keys := make([]ConversationKey, 0, len(c.groups))
	for key := range c.groups {
		keys = append(keys, key)
	}
	c.groups = nil
	return keys
}

type purger interface {
	purge(c *Conn, keys []ConversationKey)
}

// Registry tracks which connections are open and which user owns each.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnID]*Conn
	byUser map[UserID]map[ConnID]struct{}

	purger purger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[ConnID]*Conn),
		byUser: make(map[UserID]map[ConnID]struct{}),
	}
}

// Attach records a new connection without identity.
func (r *Registry) Attach(id ConnID, sink Sink) (*Conn, error) {
	if id == "" || sink == nil {
		return nil, fmt.Errorf("registry: connection id and sink are required")
	}
	c := &Conn{id: id, sink: sink, groups: make(map[ConversationKey]struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("registry: connection %s already attached", id)
	}
	r.conns[id] = c
	return c, nil
}

// Register binds the user id found in claims to the connection. A missing
// or non-numeric claim yields ErrInvalidIdentity and leaves the connection
// attached but anonymous.
func (r *Registry) Register(id ConnID, claims identity.Claims) (UserID, error) {
	user, err := claims.UserID()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return 0, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	if c.user != 0 {
		if c.user == user {
			return user, nil
		}
		return 0, fmt.Errorf("%w: connection %s is already bound to user %d", ErrInvalidIdentity, id, c.user)
	}
	c.user = user

	set := r.byUser[user]
	if set == nil {
		set = make(map[ConnID]struct{})
		r.byUser[user] = set
	}
	set[id] = struct{}{}
	return user, nil
}

// Resolve returns the user bound to the connection.
func (r *Registry) Resolve(id ConnID) (UserID, error) {
	c, ok := r.lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	if c.user == 0 {
		return 0, fmt.Errorf("%w: connection %s has no user", ErrInvalidIdentity, id)
	}
	return c.user, nil
}

// Unregister forgets the connection and purges its group memberships before
// returning. Calling it again for the same id is a no-op.
func (r *Registry) Unregister(id ConnID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if set := r.byUser[c.user]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, c.user)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	keys := c.close()
	if r.purger != nil {
		r.purger.purge(c, keys)
	}
}

// UserConnections lists the open connections owned by user.
func (r *Registry) UserConnections(user UserID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[user]
	ids := make([]ConnID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IDs returns a snapshot of every attached connection id.
func (r *Registry) IDs() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of attached connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) lookup(id ConnID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}
