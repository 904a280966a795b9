package chat

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newGroupsWith(t *testing.T, ids ...string) (*Registry, *Groups) {
	t.Helper()
	r := NewRegistry()
	g := NewGroups(r)
	for _, id := range ids {
		if _, err := r.Attach(id, &recordingSink{}); err != nil {
			t.Fatalf("attach %s: %v", id, err)
		}
	}
	return r, g
}

func memberIDs(members []*Conn) map[ConnID]bool {
	ids := make(map[ConnID]bool, len(members))
	for _, c := range members {
		ids[c.ID()] = true
	}
	return ids
}

func TestJoinCanonicalizesPair(t *testing.T) {
	_, g := newGroupsWith(t, "c1", "c2")

	k1, err := g.Join("c1", 5, 9)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	k2, err := g.Join("c2", 9, 5)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("Expected same group, got %s and %s", k1, k2)
	}

	members := memberIDs(g.MembersOf(k1))
	if len(members) != 2 || !members["c1"] || !members["c2"] {
		t.Errorf("Expected c1 and c2 in %s, got %v", k1, members)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	_, g := newGroupsWith(t, "c1")

	g.Join("c1", 1, 2)
	g.Join("c1", 2, 1)
	key, _ := g.Join("c1", 1, 2)

	if n := len(g.MembersOf(key)); n != 1 {
		t.Errorf("Expected one membership, got %d", n)
	}
	if keys := g.GroupsOf("c1"); len(keys) != 1 {
		t.Errorf("Expected one joined group, got %v", keys)
	}
}

func TestJoinRejectsInvalidParticipants(t *testing.T) {
	_, g := newGroupsWith(t, "c1")

	if _, err := g.Join("c1", 0, 4); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("Expected ErrInvalidParticipants, got %v", err)
	}
	if _, err := g.Join("c1", 4, -2); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("Expected ErrInvalidParticipants, got %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("No group should exist, got %d", g.Len())
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	_, g := newGroupsWith(t)
	if _, err := g.Join("ghost", 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGroupsAreIsolated(t *testing.T) {
	_, g := newGroupsWith(t, "a", "b")
	k37, _ := g.Join("a", 3, 7)
	k38, _ := g.Join("b", 3, 8)

	if m := memberIDs(g.MembersOf(k37)); len(m) != 1 || !m["a"] {
		t.Errorf("3-7 should only contain a, got %v", m)
	}
	if m := memberIDs(g.MembersOf(k38)); len(m) != 1 || !m["b"] {
		t.Errorf("3-8 should only contain b, got %v", m)
	}
}

func TestUnregisterPurgesMemberships(t *testing.T) {
	r, g := newGroupsWith(t, "c1", "c2")
	k12, _ := g.Join("c1", 1, 2)
	k13, _ := g.Join("c1", 1, 3)
	g.Join("c2", 1, 2)

	r.Unregister("c1")

	if m := memberIDs(g.MembersOf(k12)); m["c1"] || !m["c2"] {
		t.Errorf("c1 should be purged from %s, got %v", k12, m)
	}
	if m := g.MembersOf(k13); len(m) != 0 {
		t.Errorf("%s should be empty, got %v", k13, memberIDs(m))
	}
	if g.Len() != 1 {
		t.Errorf("Empty groups should be dropped, have %d", g.Len())
	}

	if _, err := g.Join("c1", 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Join after disconnect should fail with ErrNotFound, got %v", err)
	}
}

func TestPurgeConnectionUnregisters(t *testing.T) {
	r, g := newGroupsWith(t, "c1")
	key, _ := g.Join("c1", 1, 2)

	g.PurgeConnection("c1")

	if len(g.MembersOf(key)) != 0 || r.Len() != 0 {
		t.Errorf("Expected no members and no connections, got %d members, %d connections",
			len(g.MembersOf(key)), r.Len())
	}
}

func TestNewConnectionDoesNotInheritMembership(t *testing.T) {
	r, g := newGroupsWith(t, "old")
	r.Register("old", claimsFor("1"))
	g.Join("old", 1, 2)
	r.Unregister("old")

	r.Attach("new", &recordingSink{})
	r.Register("new", claimsFor("1"))

	if keys := g.GroupsOf("new"); len(keys) != 0 {
		t.Errorf("New connection should start with no groups, got %v", keys)
	}
	key, _ := NewConversationKey(1, 2)
	if m := g.MembersOf(key); len(m) != 0 {
		t.Errorf("Stale membership leaked: %v", memberIDs(m))
	}
}

func TestConcurrentJoinAndDisconnect(t *testing.T) {
	r, g := newGroupsWith(t)
	const conns = 50

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("c%d", i)
		r.Attach(id, &recordingSink{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			for peer := UserID(2); peer < 6; peer++ {
				g.Join(id, 1, peer)
			}
		}()
		go func() {
			defer wg.Done()
			r.Unregister(id)
		}()
	}
	wg.Wait()

	for peer := UserID(2); peer < 6; peer++ {
		key, _ := NewConversationKey(1, peer)
		if m := g.MembersOf(key); len(m) != 0 {
			t.Errorf("%s still has members after every connection left: %v", key, memberIDs(m))
		}
	}
	if g.Len() != 0 {
		t.Errorf("Expected no groups, got %d", g.Len())
	}
}
