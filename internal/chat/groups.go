package chat

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type group struct {
	mu      sync.RWMutex
	members map[ConnID]*Conn
	// dead is set once the group emptied and is being dropped from the
	// index; joiners that still hold it must fetch a fresh one.
	dead atomic.Bool
}

// Groups maps conversation keys to the connections joined to them. Each
// group has its own lock; the index lock is only held for map lookups.
type Groups struct {
	registry *Registry

	mu     sync.RWMutex
	groups map[ConversationKey]*group
}

// NewGroups builds a group manager on top of registry. Unregistering a
// connection from registry purges its memberships here.
func NewGroups(registry *Registry) *Groups {
	g := &Groups{
		registry: registry,
		groups:   make(map[ConversationKey]*group),
	}
	registry.purger = g
	return g
}

// Join adds the connection to the conversation between userA and userB.
// Joining the same conversation twice has no further effect.
func (g *Groups) Join(id ConnID, userA, userB UserID) (ConversationKey, error) {
	key, err := NewConversationKey(userA, userB)
	if err != nil {
		return ConversationKey{}, err
	}

	c, ok := g.registry.lookup(id)
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ConversationKey{}, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	if _, joined := c.groups[key]; joined {
		return key, nil
	}

	for {
		grp := g.groupFor(key)
		grp.mu.Lock()
		if grp.dead.Load() {
			grp.mu.Unlock()
			continue
		}
		grp.members[id] = c
		grp.mu.Unlock()
		break
	}
	c.groups[key] = struct{}{}
	return key, nil
}

// MembersOf returns a snapshot of the connections joined to key. A member
// may disconnect right after the snapshot is taken.
func (g *Groups) MembersOf(key ConversationKey) []*Conn {
	g.mu.RLock()
	grp := g.groups[key]
	g.mu.RUnlock()
	if grp == nil {
		return nil
	}

	grp.mu.RLock()
	defer grp.mu.RUnlock()
	members := make([]*Conn, 0, len(grp.members))
	for _, c := range grp.members {
		members = append(members, c)
	}
	return members
}

// GroupsOf lists the conversations the connection has joined.
func (g *Groups) GroupsOf(id ConnID) []ConversationKey {
	c, ok := g.registry.lookup(id)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]ConversationKey, 0, len(c.groups))
	for key := range c.groups {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of non-empty groups.
func (g *Groups) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}

// PurgeConnection removes the connection from every group it joined. It is
// what Registry.Unregister runs; calling it directly also unregisters.
func (g *Groups) PurgeConnection(id ConnID) {
	g.registry.Unregister(id)
}

func (g *Groups) purge(c *Conn, keys []ConversationKey) {
	for _, key := range keys {
		g.mu.RLock()
		grp := g.groups[key]
		g.mu.RUnlock()
		if grp == nil {
			continue
		}

		grp.mu.Lock()
		delete(grp.members, c.id)
		empty := len(grp.members) == 0
		if empty {
			grp.dead.Store(true)
		}
		grp.mu.Unlock()

		if empty {
			g.mu.Lock()
			if g.groups[key] == grp {
				delete(g.groups, key)
			}
			g.mu.Unlock()
		}
	}
}

func (g *Groups) groupFor(key ConversationKey) *group {
	g.mu.RLock()
	grp := g.groups[key]
	g.mu.RUnlock()
	if grp != nil && !grp.dead.Load() {
		return grp
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	grp = g.groups[key]
	if grp == nil || grp.dead.Load() {
		grp = &group{members: make(map[ConnID]*Conn)}
		g.groups[key] = grp
	}
	return grp
}
