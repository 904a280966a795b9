package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chathub/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var (
	errClientClosed   = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client is one WebSocket connection. It is the chat.Sink for its
// connection id.
type Client struct {
	conn    *websocket.Conn
	id      chat.ConnID
	addr    string
	handler *Handler

	ctx      context.Context
	cancel   context.CancelFunc
	inflight chan struct{}
	limiter  *tokenBucket

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, h *Handler, id chat.ConnID, addr string) *Client {
	cfg := h.Config
	conn.SetReadLimit(cfg.MaxMessageSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		id:       id,
		addr:     addr,
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(chan struct{}, max(cfg.MaxInflight, 1)),
		limiter:  newTokenBucket(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
		send:     make(chan []byte, max(cfg.SendBuffer, 1)),
	}
}

// Deliver queues ev for this connection without blocking. A full queue
// closes the connection.
func (c *Client) Deliver(ev chat.Event) error {
	frame, err := eventFrame(ev)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Client) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		log.Printf("[WebSocket] ⚠️ Send buffer of %s (%s) is full; closing", c.id, c.addr)
		c.closed = true
		close(c.send)
		return errSendBufferFull
	}
}

// closeSend stops accepting frames. The write pump then sends a close
// message, which ends the read pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[WebSocket] Error setting read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("[WebSocket] Frame from %s exceeded %d bytes", c.addr, c.handler.Config.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		// regular close
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		// connection already torn down
	default:
		log.Printf("[WebSocket] Read error from %s: %v", c.addr, err)
	}
}

// readPump reads frames until the connection fails. On exit it purges the
// connection from the hub before cancelling in-flight invocations.
func (c *Client) readPump() {
	var reason error
	defer func() {
		c.handler.Hub.OnDisconnect(c.id, reason)
		c.cancel()
		c.closeSend()
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[WebSocket] Error closing %s: %v", c.addr, err)
		}
		c.handler.forget(c)
	}()

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			reason = err
			return
		}
		c.processFrame(raw)
	}
}

func (c *Client) processFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("[WebSocket] Invalid frame from %s: %v", c.addr, err)
		c.complete("", nil, fmt.Errorf("%w: %v", errBadFrame, err))
		return
	}

	switch frame.Type {
	case framePing:
		if pong, err := json.Marshal(outboundFrame{Type: framePong}); err == nil {
			c.enqueue(pong)
		}
	case frameInvoke:
		if !c.limiter.allow() {
			log.Printf("[WebSocket] Rate limit exceeded for %s (%d frames per %s); rejecting %s",
				c.addr, c.handler.Config.RateLimitBurst, c.handler.Config.RateLimitRefillInterval, frame.Target)
			c.complete(frame.InvocationID, nil, errRateLimited)
			return
		}
		select {
		case c.inflight <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		go c.run(frame)
	default:
		c.complete(frame.InvocationID, nil, fmt.Errorf("%w: unknown frame type %q", errBadFrame, frame.Type))
	}
}

func (c *Client) run(frame inboundFrame) {
	defer func() { <-c.inflight }()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[WebSocket] ❌ %s from %s panicked: %v", frame.Target, c.addr, r)
				err = fmt.Errorf("%s panicked", frame.Target)
			}
		}()
		result, err = c.invoke(c.ctx, frame)
	}()
	c.complete(frame.InvocationID, result, err)
}

func (c *Client) complete(invocationID string, result any, err error) {
	frame, encErr := completionFrame(invocationID, result, err)
	if encErr != nil {
		log.Printf("[WebSocket] ❌ Encoding completion for %s failed: %v", c.addr, encErr)
		frame, _ = completionFrame(invocationID, nil, encErr)
	}
	if err := c.enqueue(frame); err != nil && !errors.Is(err, errClientClosed) {
		log.Printf("[WebSocket] Completion to %s dropped: %v", c.addr, err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("[WebSocket] Error writing to %s: %v", c.addr, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[WebSocket] Error writing ping to %s: %v", c.addr, err)
				return
			}
		}
	}
}
