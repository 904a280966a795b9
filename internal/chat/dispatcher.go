package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// relayTimeout bounds one relay publish. The publish ignores cancellation
// of the caller's context.
const relayTimeout = 5 * time.Second

// Event names pushed to conversation members.
const (
	EventReceiveMessage   = "ReceiveMessage"
	EventMessageDelivered = "MessageDelivered"
	EventMessageRead      = "MessageRead"
)

// Event is one server-to-client notification. Data is encoded once and
// shared by every recipient.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewEvent encodes payload as the event data.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// Envelope carries an event between nodes.
type Envelope struct {
	Node  string          `json:"node"`
	Key   ConversationKey `json:"key"`
	Event Event           `json:"event"`
}

// Relay forwards envelopes to the other nodes of a deployment.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handle func(Envelope)) (unsubscribe func() error, err error)
}

// Dispatcher fans events out to the members of a conversation group.
type Dispatcher struct {
	groups *Groups

	mu          sync.RWMutex
	relay       Relay
	node        string
	unsubscribe func() error
}

// NewDispatcher returns a dispatcher that delivers to local members only.
func NewDispatcher(groups *Groups) *Dispatcher {
	return &Dispatcher{groups: groups}
}

// AttachRelay starts receiving envelopes from other nodes and makes Publish
// forward every event through relay. node names this process.
func (d *Dispatcher) AttachRelay(ctx context.Context, relay Relay, node string) error {
	unsubscribe, err := relay.Subscribe(ctx, func(env Envelope) {
		if env.Node == node {
			return
		}
		d.deliverLocal(env.Key, env.Event)
	})
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}

	d.mu.Lock()
	d.relay = relay
	d.node = node
	d.unsubscribe = unsubscribe
	d.mu.Unlock()
	log.Printf("[Dispatcher] 🔗 Relay attached as node %s", node)
	return nil
}

// Publish sends name/payload to every connection joined to key and returns
// how many local members accepted it. Failure to reach one member never
// affects the others, and relay failures are only logged.
func (d *Dispatcher) Publish(ctx context.Context, key ConversationKey, name string, payload any) (int, error) {
	ev, err := NewEvent(name, payload)
	if err != nil {
		return 0, err
	}
	delivered := d.deliverLocal(key, ev)

	d.mu.RLock()
	relay, node := d.relay, d.node
	d.mu.RUnlock()
	if relay != nil {
		relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
		defer cancel()
		if err := relay.Publish(relayCtx, Envelope{Node: node, Key: key, Event: ev}); err != nil {
			log.Printf("[Dispatcher] ❌ Relay publish of %s for %s failed: %v", name, key, err)
		}
	}
	return delivered, nil
}

// Close detaches the relay, if any.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	unsubscribe := d.unsubscribe
	d.relay, d.unsubscribe = nil, nil
	d.mu.Unlock()
	if unsubscribe == nil {
		return nil
	}
	return unsubscribe()
}

func (d *Dispatcher) deliverLocal(key ConversationKey, ev Event) int {
	members := d.groups.MembersOf(key)
	delivered := 0
	for _, c := range members {
		if err := safeDeliver(c, ev); err != nil {
			log.Printf("[Dispatcher] ⚠️ %s to %s (%s) dropped: %v", ev.Name, c.ID(), key, err)
			continue
		}
		delivered++
	}
	return delivered
}

func safeDeliver(c *Conn, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panicked: %v", r)
		}
	}()
	return c.Deliver(ev)
}
