package chat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"chathub/internal/identity"
	"chathub/internal/model"
)

// Options tunes the hub's identity policy.
type Options struct {
	// AllowAnonymousJoin lets a connection without identity name its own
	// user id explicitly. Connections with a resolved identity always use it.
	AllowAnonymousJoin bool
}

// Hub is the entry point the transport calls for every connection event.
// Every operation reports failures as errors and never closes the
// connection; the error is logged here once.
type Hub struct {
	registry   *Registry
	groups     *Groups
	engine     *Engine
	dispatcher *Dispatcher
	opts       Options
}

// NewHub wires a registry, group manager, lifecycle engine and dispatcher
// around s.
func NewHub(s MessageStore, opts Options) *Hub {
	registry := NewRegistry()
	groups := NewGroups(registry)
	return &Hub{
		registry:   registry,
		groups:     groups,
		engine:     NewEngine(s),
		dispatcher: NewDispatcher(groups),
		opts:       opts,
	}
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Groups exposes the conversation group manager.
func (h *Hub) Groups() *Groups { return h.groups }

// Dispatcher exposes the broadcast dispatcher, e.g. to attach a relay.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Close detaches the dispatcher's relay. Open connections are left to the
// transport, which still calls OnDisconnect for each.
func (h *Hub) Close() error { return h.dispatcher.Close() }

// OnConnect attaches a new connection and binds the identity found in
// claims. It returns the bound user, or 0 when the connection stays
// anonymous.
func (h *Hub) OnConnect(id ConnID, sink Sink, claims identity.Claims) UserID {
	if _, err := h.registry.Attach(id, sink); err != nil {
		log.Printf("[Hub] ❌ Connect %s failed: %v", id, err)
		return 0
	}
	user, err := h.registry.Register(id, claims)
	if err != nil {
		log.Printf("[Hub] ⚠️ Connected %s without identity: %v", id, err)
		return 0
	}
	log.Printf("[Hub] Connected %s as user %d. Total connections: %d", id, user, h.registry.Len())
	return user
}

// OnDisconnect unregisters the connection and purges its memberships
// before returning.
func (h *Hub) OnDisconnect(id ConnID, reason error) {
	h.registry.Unregister(id)
	if reason != nil {
		log.Printf("[Hub] Disconnected %s (%v). Total connections: %d", id, reason, h.registry.Len())
		return
	}
	log.Printf("[Hub] Disconnected %s. Total connections: %d", id, h.registry.Len())
}

// JoinConversation adds the connection to its conversation with otherUser.
// self is only consulted for anonymous connections when
// Options.AllowAnonymousJoin is set.
func (h *Hub) JoinConversation(ctx context.Context, id ConnID, otherUser, self UserID) (ConversationKey, error) {
	caller, err := h.caller(id, self)
	if err != nil {
		return ConversationKey{}, h.fail("JoinConversation", id, err)
	}
	key, err := h.groups.Join(id, caller, otherUser)
	if err != nil {
		return ConversationKey{}, h.fail("JoinConversation", id, err)
	}
	log.Printf("[Hub] User %d on %s joined conversation %s", caller, id, key)
	return key, nil
}

// SendMessage persists a message and broadcasts ReceiveMessage to its
// conversation. A connection with a resolved identity may only send as
// itself.
func (h *Hub) SendMessage(ctx context.Context, id ConnID, dto model.CreateMessageDTO) (model.Message, error) {
	user, err := h.registry.Resolve(id)
	switch {
	case err == nil:
		if user != dto.AuthorID {
			return model.Message{}, h.fail("SendMessage", id,
				fmt.Errorf("%w: user %d cannot send as %d", ErrInvalidMessage, user, dto.AuthorID))
		}
	case errors.Is(err, ErrInvalidIdentity) && h.opts.AllowAnonymousJoin:
		// anonymous connections send as the payload's author
	default:
		return model.Message{}, h.fail("SendMessage", id, err)
	}

	receipt, err := h.engine.Send(ctx, dto)
	if err != nil {
		return model.Message{}, h.fail("SendMessage", id, err)
	}
	h.publish(ctx, receipt.Key, EventReceiveMessage, receipt.Message)
	log.Printf("[Hub] 📢 Message %d from %d to %d broadcast on %s", receipt.MessageID, dto.AuthorID, dto.RecipientID, receipt.Key)
	return receipt.Message, nil
}

// ConfirmDelivery marks a message delivered and broadcasts MessageDelivered
// the first time only.
func (h *Hub) ConfirmDelivery(ctx context.Context, id ConnID, messageID int64) (Receipt, error) {
	actor, err := h.actor(id)
	if err != nil {
		return Receipt{}, h.fail("ConfirmDelivery", id, err)
	}
	receipt, err := h.engine.ConfirmDelivery(ctx, messageID, actor)
	if err != nil {
		return Receipt{}, h.fail("ConfirmDelivery", id, err)
	}
	if receipt.Changed {
		h.publish(ctx, receipt.Key, EventMessageDelivered, messageID)
	}
	return receipt, nil
}

// ConfirmRead marks a message read and broadcasts MessageRead the first
// time only.
func (h *Hub) ConfirmRead(ctx context.Context, id ConnID, messageID int64) (Receipt, error) {
	actor, err := h.actor(id)
	if err != nil {
		return Receipt{}, h.fail("ConfirmRead", id, err)
	}
	receipt, err := h.engine.ConfirmRead(ctx, messageID, actor)
	if err != nil {
		return Receipt{}, h.fail("ConfirmRead", id, err)
	}
	if receipt.Changed {
		h.publish(ctx, receipt.Key, EventMessageRead, messageID)
	}
	return receipt, nil
}

// caller resolves the acting user: the bound identity when there is one,
// otherwise explicit if anonymous use is allowed.
func (h *Hub) caller(id ConnID, explicit UserID) (UserID, error) {
	user, err := h.registry.Resolve(id)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, ErrInvalidIdentity) && h.opts.AllowAnonymousJoin && explicit > 0 {
		return explicit, nil
	}
	return 0, err
}

// actor is the user checked against message participants, or 0 for an
// allowed anonymous connection.
func (h *Hub) actor(id ConnID) (UserID, error) {
	user, err := h.registry.Resolve(id)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, ErrInvalidIdentity) && h.opts.AllowAnonymousJoin {
		return 0, nil
	}
	return 0, err
}

func (h *Hub) publish(ctx context.Context, key ConversationKey, name string, payload any) {
	if _, err := h.dispatcher.Publish(ctx, key, name, payload); err != nil {
		log.Printf("[Hub] ❌ Broadcast of %s on %s failed: %v", name, key, err)
	}
}

func (h *Hub) fail(op string, id ConnID, err error) error {
	if IsValidation(err) {
		log.Printf("[Hub] ⚠️ %s from %s rejected (%s): %v", op, id, Code(err), err)
	} else {
		log.Printf("[Hub] ❌ %s from %s failed (%s): %v", op, id, Code(err), err)
	}
	return err
}
